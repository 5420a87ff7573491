package visualize

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

var (
	// BoxColor is the outline color of drawn boxes
	BoxColor = color.NRGBA{255, 0, 0, 255}
	// BoxStroke is the outline width in pixels
	BoxStroke = 3
)

// DrawBoxes returns a copy of img with every box outlined and, when labels
// has an entry for it, the label written at the top-left corner.
func DrawBoxes(img image.Image, boxes []types.Box, labels []string) *image.NRGBA {
	out := imaging.Clone(img)
	for i, b := range boxes {
		r := b.Rect()
		drawRect(out, r, BoxColor, BoxStroke)
		if i < len(labels) && labels[i] != "" {
			drawLabel(out, r.Min, labels[i], BoxColor)
		}
	}
	return out
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Dx() <= 0 {
		r.Max.X = r.Min.X + 1
	}
	if r.Dy() <= 0 {
		r.Max.Y = r.Min.Y + 1
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawLabel(img *image.NRGBA, at image.Point, label string, c color.NRGBA) {
	face := basicfont.Face7x13
	y := at.Y + face.Ascent
	if y > img.Bounds().Dy() {
		y = img.Bounds().Dy()
	}
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(at.X+BoxStroke, y+BoxStroke),
	}
	d.DrawString(label)
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
