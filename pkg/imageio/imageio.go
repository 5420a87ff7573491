package imageio

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	_ "golang.org/x/image/webp"
)

// Codec reads and writes images on an afero filesystem
type Codec struct {
	fs afero.Fs
}

// New creates a codec bound to a filesystem
func New(fs afero.Fs) *Codec {
	return &Codec{fs: fs}
}

// Fs returns the underlying filesystem
func (c *Codec) Fs() afero.Fs {
	return c.fs
}

// Load decodes the image at path. WebP files fall back to the cgo decoder
// when the pure-Go one rejects them.
func (c *Codec) Load(path string) (image.Image, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	img, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// Decode decodes image bytes using the registered decoders with a WebP fallback
func Decode(data []byte) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, errors.New("image: unknown or unsupported format")
}

// Save encodes img in the given format (jpg, png or webp) and writes it to
// path, replacing any existing file.
func (c *Codec) Save(img image.Image, path, format string, quality int) error {
	f, err := c.fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	if err := Encode(f, img, format, quality); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}

// Encode writes img to w in the given format
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch strings.ToLower(format) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	case "png":
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	case "", "jpg", "jpeg":
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return errors.Errorf("unsupported output format: %s", format)
	}
}

// PrepareForModel downsizes img so its long side is at most maxDim and
// returns it JPEG encoded as base64, ready for a vision model request.
func PrepareForModel(img image.Image, maxDim, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, img, "jpg", quality); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
