package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Transform is one randomized image operation. Implementations must not keep
// state between calls: all randomness comes from rng.
type Transform interface {
	Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA
}

func fire(rng *rand.Rand, p float64) bool {
	return p > 0 && rng.Float64() < p
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// HorizontalFlip mirrors the image left to right with probability P.
type HorizontalFlip struct {
	P float64
}

func (t HorizontalFlip) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if !fire(rng, t.P) {
		return img
	}
	return imaging.FlipH(img)
}

// BrightnessContrast scales pixel values by 1+U(-ContrastLimit, ContrastLimit)
// and shifts them by U(-BrightnessLimit, BrightnessLimit)*255.
type BrightnessContrast struct {
	BrightnessLimit float64
	ContrastLimit   float64
	P               float64
}

func (t BrightnessContrast) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if !fire(rng, t.P) {
		return img
	}
	alpha := 1 + uniform(rng, -t.ContrastLimit, t.ContrastLimit)
	beta := uniform(rng, -t.BrightnessLimit, t.BrightnessLimit) * 255

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clamp8(float64(c.R)*alpha + beta),
			G: clamp8(float64(c.G)*alpha + beta),
			B: clamp8(float64(c.B)*alpha + beta),
			A: c.A,
		}
	})
}

// Rotate turns the image by an angle drawn from [-Limit, Limit] degrees. The
// output keeps the input size; uncovered corners are black.
type Rotate struct {
	Limit float64
	P     float64
}

func (t Rotate) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if !fire(rng, t.P) {
		return img
	}
	angle := uniform(rng, -t.Limit, t.Limit)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := imaging.CropCenter(imaging.Rotate(img, angle, color.Black), w, h)
	if out.Bounds().Dx() != w || out.Bounds().Dy() != h {
		out = imaging.Resize(out, w, h, imaging.Linear)
	}
	return out
}

// GaussNoise adds zero-mean Gaussian noise per channel. The variance is drawn
// from [VarMin, VarMax] on the 0..255 scale.
type GaussNoise struct {
	VarMin float64
	VarMax float64
	P      float64
}

func (t GaussNoise) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if !fire(rng, t.P) {
		return img
	}
	sigma := math.Sqrt(uniform(rng, t.VarMin, t.VarMax))

	out := imaging.Clone(img)
	for i := 0; i < len(out.Pix); i += 4 {
		out.Pix[i+0] = clamp8(float64(out.Pix[i+0]) + rng.NormFloat64()*sigma)
		out.Pix[i+1] = clamp8(float64(out.Pix[i+1]) + rng.NormFloat64()*sigma)
		out.Pix[i+2] = clamp8(float64(out.Pix[i+2]) + rng.NormFloat64()*sigma)
	}
	return out
}

// Zoom scales the content by 1+U(-Limit, Limit) around the center while
// keeping the output size. Zooming out pads with black.
type Zoom struct {
	Limit float64
	P     float64
}

func (t Zoom) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if !fire(rng, t.P) {
		return img
	}
	factor := 1 + uniform(rng, -t.Limit, t.Limit)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	zw := int(math.Round(float64(w) * factor))
	zh := int(math.Round(float64(h) * factor))
	if zw < 1 || zh < 1 || (zw == w && zh == h) {
		return img
	}

	scaled := imaging.Resize(img, zw, zh, imaging.Linear)
	if zw >= w && zh >= h {
		return imaging.CropCenter(scaled, w, h)
	}
	canvas := imaging.New(w, h, color.Black)
	return imaging.PasteCenter(canvas, scaled)
}

// Contrast stretches each channel around its mean by U(1-Limit, 1+Limit).
type Contrast struct {
	Limit float64
	P     float64
}

func (t Contrast) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if !fire(rng, t.P) {
		return img
	}
	factor := uniform(rng, 1-t.Limit, 1+t.Limit)

	var sum [3]float64
	n := float64(len(img.Pix) / 4)
	if n == 0 {
		return img
	}
	for i := 0; i < len(img.Pix); i += 4 {
		sum[0] += float64(img.Pix[i+0])
		sum[1] += float64(img.Pix[i+1])
		sum[2] += float64(img.Pix[i+2])
	}

	out := imaging.Clone(img)
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			mean := sum[c] / n
			out.Pix[i+c] = clamp8((float64(out.Pix[i+c])-mean)*factor + mean)
		}
	}
	return out
}
