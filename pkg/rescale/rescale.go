package rescale

import (
	"math"

	"github.com/pkg/errors"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

// Policy selects where the original image size of each row comes from
type Policy int

const (
	// Uniform reads the original size from the first row and requires every
	// other row to match it.
	Uniform Policy = iota
	// PerRow scales each row by its own original size.
	PerRow
)

// ParsePolicy maps a config value to a Policy. The empty string is Uniform.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "uniform":
		return Uniform, nil
	case "per-row":
		return PerRow, nil
	default:
		return Uniform, errors.Errorf("unknown rescale policy %q", s)
	}
}

var (
	// ErrMixedResolution is returned by the Uniform policy when rows disagree
	// on the original image size.
	ErrMixedResolution = errors.New("annotations have mixed original resolutions")
	// ErrInvalidSize is returned for non-positive original or target sizes.
	ErrInvalidSize = errors.New("image size must be positive")
)

// Config holds the rescale target
type Config struct {
	TargetWidth  int
	TargetHeight int
	Policy       Policy
}

// Rescaler maps bounding boxes from original image coordinates to a target
// resolution.
type Rescaler struct {
	config Config
}

// New creates a Rescaler
func New(config Config) *Rescaler {
	return &Rescaler{config: config}
}

// Rescale returns a copy of anns with Scaled populated. Rows whose bbox is
// missing, non-finite or not exactly four numbers get a nil Scaled box. A
// non-positive original size fails the whole call with ErrInvalidSize.
func (r *Rescaler) Rescale(anns []types.Annotation) ([]types.Annotation, error) {
	tw, th := r.config.TargetWidth, r.config.TargetHeight
	if tw <= 0 || th <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "target %dx%d", tw, th)
	}

	out := make([]types.Annotation, len(anns))
	copy(out, anns)
	if len(out) == 0 {
		return out, nil
	}

	ow, oh := out[0].Width, out[0].Height
	if r.config.Policy == Uniform {
		if ow <= 0 || oh <= 0 {
			return nil, errors.Wrapf(ErrInvalidSize, "original %dx%d", ow, oh)
		}
		for i, a := range out {
			if a.Width != ow || a.Height != oh {
				return nil, errors.Wrapf(ErrMixedResolution,
					"row %d (%s) is %dx%d, first row is %dx%d", i, a.FileName, a.Width, a.Height, ow, oh)
			}
		}
	}

	for i := range out {
		a := &out[i]
		if r.config.Policy == PerRow {
			ow, oh = a.Width, a.Height
			if ow <= 0 || oh <= 0 {
				return nil, errors.Wrapf(ErrInvalidSize, "row %d (%s) is %dx%d", i, a.FileName, ow, oh)
			}
		}
		sx := float64(tw) / float64(ow)
		sy := float64(th) / float64(oh)
		a.Scaled = ScaleBox(a.BBox, sx, sy)
	}
	return out, nil
}

// ScaleBox scales an [x, y, w, h] box independently along each axis. It
// returns nil unless bbox holds exactly four finite numbers.
func ScaleBox(bbox []float64, sx, sy float64) *types.Box {
	if len(bbox) != 4 {
		return nil
	}
	for _, v := range bbox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
	}

	x0, y0, w, h := bbox[0], bbox[1], bbox[2], bbox[3]
	return &types.Box{
		X: x0 * sx,
		Y: y0 * sy,
		W: w * sx,
		H: h * sy,
	}
}
