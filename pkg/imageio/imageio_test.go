package imageio

import (
	"encoding/base64"
	"image"
	"image/color"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestSaveAndLoad(t *testing.T) {
	codec := New(afero.NewMemMapFs())

	for _, format := range []string{"jpg", "png"} {
		t.Run(format, func(t *testing.T) {
			path := "/out/img." + format
			require.NoError(t, codec.Fs().MkdirAll("/out", 0755))
			require.NoError(t, codec.Save(solid(40, 30, color.NRGBA{200, 10, 10, 255}), path, format, 90))

			img, err := codec.Load(path)
			require.NoError(t, err)
			assert.Equal(t, 40, img.Bounds().Dx())
			assert.Equal(t, 30, img.Bounds().Dy())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	codec := New(fs)

	_, err := codec.Load("/missing.jpg")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/broken.jpg", []byte("not an image"), 0644))
	_, err = codec.Load("/broken.jpg")
	assert.Error(t, err)
}

func TestSaveUnsupportedFormat(t *testing.T) {
	codec := New(afero.NewMemMapFs())
	err := codec.Save(solid(4, 4, color.White), "/x.tga", "tga", 90)
	assert.Error(t, err)
}

func TestPrepareForModel(t *testing.T) {
	b64, err := PrepareForModel(solid(400, 200, color.White), 100, 80)
	require.NoError(t, err)

	data, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)

	img, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}
