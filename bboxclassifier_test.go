package bboxclassifier

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bbox-classifier/internal/config"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}

	return img
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		ProjectRoot: "/",
		RawImages:   "/raw",
		Annotations: "/ann/annotations.csv",
		Crops:       "/crops",
		Augmented:   "/aug",
		Dataloader:  "/aug",
		Checkpoints: "/models",
		Plots:       "/models/plots",
	}
	cfg.Rescale.TargetWidth = 100
	cfg.Rescale.TargetHeight = 50
	cfg.Augment.Seed = 7
	return cfg
}

const table = `file_name,width,height,bbox,name,id_ann
a.jpg,200,100,"[10, 10, 50, 20]",cat,1
a.jpg,200,100,"[100, 40, 60, 40]",dog,2
b.jpg,200,100,"[0, 0, 20, 20]",cat,3
b.jpg,200,100,,dog,4
missing.jpg,200,100,"[0, 0, 20, 20]",dog,5
`

func setup(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/raw", 0755))
	require.NoError(t, fs.MkdirAll("/ann", 0755))
	for _, name := range []string{"a.jpg", "b.jpg"} {
		require.NoError(t, imageio.New(fs).Save(createTestImage(100, 50), "/raw/"+name, "jpg", 95))
	}
	require.NoError(t, afero.WriteFile(fs, "/ann/annotations.csv", []byte(table), 0644))
	return fs
}

func TestRescale(t *testing.T) {
	p := New(testConfig(), setup(t), nil)

	anns, err := p.Rescale()
	require.NoError(t, err)
	require.Len(t, anns, 5)
	assert.Equal(t, &types.Box{X: 5, Y: 5, W: 25, H: 10}, anns[0].Scaled)
	assert.Nil(t, anns[3].Scaled)
}

func TestRun(t *testing.T) {
	fs := setup(t)
	p := New(testConfig(), fs, nil)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Crop.Written)
	require.Len(t, res.Crop.Failed, 1)
	assert.Equal(t, "/raw/missing.jpg", res.Crop.Failed[0].Path)
	assert.False(t, res.OK())

	assert.Equal(t, 6, res.Augment.Written)
	assert.Equal(t, []types.ClassCount{{Class: "cat", Files: 4}, {Class: "dog", Files: 2}}, res.Counts)

	for _, f := range []string{"/crops/cat/a_1.jpg", "/crops/dog/a_2.jpg", "/aug/cat/b_3_aug1.jpg"} {
		ok, err := afero.Exists(fs, f)
		require.NoError(t, err)
		assert.True(t, ok, f)
	}
}

func TestAugmentSelectedClasses(t *testing.T) {
	fs := setup(t)
	p := New(testConfig(), fs, nil)

	_, err := p.Crop(context.Background())
	require.NoError(t, err)

	report, err := p.Augment(context.Background(), []string{"dog"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)

	counts, err := p.Count("")
	require.NoError(t, err)
	assert.Equal(t, []types.ClassCount{{Class: "dog", Files: 2}}, counts)

	counts, err = p.Count("/crops")
	require.NoError(t, err)
	assert.Equal(t, []types.ClassCount{{Class: "cat", Files: 2}, {Class: "dog", Files: 1}}, counts)
}

func TestTrain(t *testing.T) {
	fs := afero.NewMemMapFs()
	for i := 0; i < 5; i++ {
		for class, c := range map[string]color.RGBA{"cat": {200, 0, 0, 255}, "dog": {0, 0, 200, 255}} {
			img := image.NewRGBA(image.Rect(0, 0, 24, 24))
			for p := 0; p < len(img.Pix); p += 4 {
				img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R, c.G, c.B, c.A
			}
			require.NoError(t, fs.MkdirAll("/aug/"+class, 0755))
			require.NoError(t, imageio.New(fs).Save(img, fmt.Sprintf("/aug/%s/%d.png", class, i), "png", 0))
		}
	}

	cfg := testConfig()
	cfg.Train.ImageHeight = 22
	cfg.Train.ImageWidth = 22
	cfg.Train.BatchSize = 4
	cfg.Train.Epochs = 1
	cfg.Train.CSVLog = false

	res, err := New(cfg, fs, nil).Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.History.Epochs())
	assert.Equal(t, "/models/baseline_model_history.json", res.HistoryPath)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}

func TestRescaleRowsMixedResolution(t *testing.T) {
	p := New(testConfig(), afero.NewMemMapFs(), nil)

	_, err := p.RescaleRows([]types.Annotation{
		{FileName: "a.jpg", Width: 200, Height: 100, BBox: []float64{0, 0, 10, 10}},
		{FileName: "b.jpg", Width: 400, Height: 100, BBox: []float64{0, 0, 10, 10}},
	})
	assert.Error(t, err)
}
