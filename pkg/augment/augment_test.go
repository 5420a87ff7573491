package augment

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bbox-classifier/internal/config"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	return img
}

func writeImage(t *testing.T, fs afero.Fs, path string, img image.Image) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, imageio.New(fs).Save(img, path, "jpg", 95))
}

func listNames(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names
}

func TestTransformsKeepSize(t *testing.T) {
	src := gradient(40, 30)
	rng := rand.New(rand.NewSource(7))

	transforms := []Transform{
		HorizontalFlip{P: 1},
		BrightnessContrast{BrightnessLimit: 0.2, ContrastLimit: 0.2, P: 1},
		Rotate{Limit: 20, P: 1},
		GaussNoise{VarMin: 10, VarMax: 50, P: 1},
		Zoom{Limit: 0.2, P: 1},
		Contrast{Limit: 0.2, P: 1},
	}
	for _, tr := range transforms {
		for i := 0; i < 5; i++ {
			out := tr.Apply(src, rng)
			assert.Equal(t, src.Bounds().Size(), out.Bounds().Size(), "%T", tr)
		}
	}
}

func TestTransformWithZeroProbabilityIsIdentity(t *testing.T) {
	src := gradient(10, 10)
	rng := rand.New(rand.NewSource(1))

	out := Compose(HorizontalFlip{}, Rotate{Limit: 90}, GaussNoise{VarMin: 10, VarMax: 50}).Apply(src, rng)
	assert.Equal(t, src.Pix, out.Pix)
}

func TestHorizontalFlip(t *testing.T) {
	src := gradient(4, 1)
	out := HorizontalFlip{P: 1}.Apply(src, rand.New(rand.NewSource(1)))
	assert.Equal(t, src.NRGBAAt(0, 0), out.NRGBAAt(3, 0))
	assert.Equal(t, src.NRGBAAt(3, 0), out.NRGBAAt(0, 0))
}

func TestPipelineDoesNotModifyInput(t *testing.T) {
	src := gradient(20, 20)
	before := imaging.Clone(src)

	DefaultPipeline().Apply(src, rand.New(rand.NewSource(3)))
	assert.Equal(t, before.Pix, src.Pix)
}

func TestPipelineIsDeterministicForSeed(t *testing.T) {
	src := gradient(20, 20)
	a := DefaultPipeline().Apply(src, rand.New(rand.NewSource(99)))
	b := DefaultPipeline().Apply(src, rand.New(rand.NewSource(99)))
	assert.Equal(t, a.Pix, b.Pix)
}

func TestPipelineFromConfig(t *testing.T) {
	p, err := PipelineFromConfig(nil)
	require.NoError(t, err)
	assert.Len(t, p, 4)

	p, err = PipelineFromConfig([]config.AugmentStep{
		{Type: "hflip", P: 0.5},
		{Type: "rotate", P: 0.3, Limit: 10},
		{Type: "gauss_noise", P: 0.1},
	})
	require.NoError(t, err)
	require.Len(t, p, 3)
	assert.Equal(t, Rotate{Limit: 10, P: 0.3}, p[1])
	assert.Equal(t, GaussNoise{VarMin: 10, VarMax: 50, P: 0.1}, p[2])

	_, err = PipelineFromConfig([]config.AugmentStep{{Type: "shear", P: 0.5}})
	assert.Error(t, err)

	_, err = PipelineFromConfig([]config.AugmentStep{{Type: "hflip", P: 1.5}})
	assert.Error(t, err)
}

func TestAugmentClassWritesNumberedVariants(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "/crops/cat/a.jpg", gradient(32, 32))
	require.NoError(t, fs.MkdirAll("/crops/cat/nested", 0755))

	aug, err := NewAugmenter(fs, Config{
		InputDir:         "/crops",
		OutputDir:        "/aug",
		NumAugmentations: 3,
		Seed:             1,
	}, nil, nil)
	require.NoError(t, err)

	report, err := aug.AugmentClass(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Written)
	assert.True(t, report.OK())

	assert.Equal(t, []string{"a_aug0.jpg", "a_aug1.jpg", "a_aug2.jpg"}, listNames(t, fs, "/aug/cat"))

	img, err := imageio.New(fs).Load("/aug/cat/a_aug0.jpg")
	require.NoError(t, err)
	assert.Equal(t, image.Pt(32, 32), img.Bounds().Size())
}

func TestAugmentClassOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "/crops/cat/a.jpg", gradient(16, 16))
	require.NoError(t, fs.MkdirAll("/aug/cat", 0755))
	require.NoError(t, afero.WriteFile(fs, "/aug/cat/a_aug0.jpg", []byte("stale"), 0644))

	aug, err := NewAugmenter(fs, Config{InputDir: "/crops", OutputDir: "/aug", NumAugmentations: 1, Seed: 1}, nil, nil)
	require.NoError(t, err)

	_, err = aug.AugmentClass(context.Background(), "cat")
	require.NoError(t, err)

	_, err = imageio.New(fs).Load("/aug/cat/a_aug0.jpg")
	assert.NoError(t, err)
}

func TestAugmentClassReportsUndecodable(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "/crops/cat/good.jpg", gradient(16, 16))
	require.NoError(t, afero.WriteFile(fs, "/crops/cat/bad.jpg", []byte("not an image"), 0644))

	aug, err := NewAugmenter(fs, Config{InputDir: "/crops", OutputDir: "/aug", NumAugmentations: 2, Seed: 1}, nil, nil)
	require.NoError(t, err)

	report, err := aug.AugmentClass(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "/crops/cat/bad.jpg", report.Failed[0].Path)
}

func TestAugmentClassMissingDirectory(t *testing.T) {
	aug, err := NewAugmenter(afero.NewMemMapFs(), Config{InputDir: "/crops", OutputDir: "/aug", NumAugmentations: 1}, nil, nil)
	require.NoError(t, err)

	_, err = aug.AugmentClass(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestNewAugmenterRejectsNonPositiveCount(t *testing.T) {
	_, err := NewAugmenter(afero.NewMemMapFs(), Config{NumAugmentations: 0}, nil, nil)
	assert.True(t, errors.Is(err, ErrNoAugmentations))
}

func TestAugmentAll(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "/crops/cat/a.jpg", gradient(16, 16))
	writeImage(t, fs, "/crops/dog/b.jpg", gradient(16, 16))

	aug, err := NewAugmenter(fs, Config{InputDir: "/crops", OutputDir: "/aug", NumAugmentations: 2, Seed: 5}, nil, nil)
	require.NoError(t, err)

	report, err := aug.AugmentAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Written)
	assert.Equal(t, []string{"b_aug0.jpg", "b_aug1.jpg"}, listNames(t, fs, "/aug/dog"))
}

func TestAugmentClassStopsOnCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "/crops/cat/a.jpg", gradient(16, 16))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	aug, err := NewAugmenter(fs, Config{InputDir: "/crops", OutputDir: "/aug", NumAugmentations: 1}, nil, nil)
	require.NoError(t, err)

	_, err = aug.AugmentClass(ctx, "cat")
	assert.True(t, errors.Is(err, context.Canceled))
}
