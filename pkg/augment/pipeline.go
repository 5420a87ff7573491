package augment

import (
	"image"
	"math/rand"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/menta2k/bbox-classifier/internal/config"
)

// Pipeline applies its transforms in order. Each step fires independently.
type Pipeline []Transform

// Compose builds a Pipeline from transforms
func Compose(transforms ...Transform) Pipeline {
	return Pipeline(transforms)
}

// Apply runs every transform on a copy of img. The input is never modified.
func (p Pipeline) Apply(img image.Image, rng *rand.Rand) *image.NRGBA {
	out := imaging.Clone(img)
	for _, t := range p {
		out = t.Apply(out, rng)
	}
	return out
}

// DefaultPipeline is the offline augmentation used for minority classes.
func DefaultPipeline() Pipeline {
	return Compose(
		HorizontalFlip{P: 0.5},
		BrightnessContrast{BrightnessLimit: 0.2, ContrastLimit: 0.2, P: 0.2},
		Rotate{Limit: 20, P: 0.5},
		GaussNoise{VarMin: 10, VarMax: 50, P: 0.2},
	)
}

// RuntimePipeline mirrors the random flip, rotation, zoom and contrast layers
// applied to training batches.
func RuntimePipeline() Pipeline {
	return Compose(
		HorizontalFlip{P: 0.5},
		Rotate{Limit: 36, P: 1},
		Zoom{Limit: 0.1, P: 1},
		Contrast{Limit: 0.1, P: 1},
	)
}

// PipelineFromConfig builds a pipeline from config steps. An empty list yields
// DefaultPipeline.
func PipelineFromConfig(steps []config.AugmentStep) (Pipeline, error) {
	if len(steps) == 0 {
		return DefaultPipeline(), nil
	}

	p := make(Pipeline, 0, len(steps))
	for i, s := range steps {
		if s.P < 0 || s.P > 1 {
			return nil, errors.Errorf("augment step %d (%s): p must be in [0, 1]", i, s.Type)
		}

		switch strings.ToLower(s.Type) {
		case "hflip", "horizontal_flip":
			p = append(p, HorizontalFlip{P: s.P})
		case "brightness_contrast":
			limit := orDefault(s.Limit, 0.2)
			p = append(p, BrightnessContrast{BrightnessLimit: limit, ContrastLimit: limit, P: s.P})
		case "rotate":
			p = append(p, Rotate{Limit: orDefault(s.Limit, 20), P: s.P})
		case "gauss_noise":
			lo, hi := orDefault(s.Min, 10), orDefault(s.Max, 50)
			if lo > hi {
				return nil, errors.Errorf("augment step %d (gauss_noise): min %v > max %v", i, lo, hi)
			}
			p = append(p, GaussNoise{VarMin: lo, VarMax: hi, P: s.P})
		case "zoom":
			p = append(p, Zoom{Limit: orDefault(s.Limit, 0.1), P: s.P})
		case "contrast":
			p = append(p, Contrast{Limit: orDefault(s.Limit, 0.1), P: s.P})
		default:
			return nil, errors.Errorf("augment step %d: unknown type %q", i, s.Type)
		}
	}
	return p, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
