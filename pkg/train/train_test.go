package train

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/model"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

func newState(t *testing.T) *State {
	t.Helper()
	clf, err := model.Build(model.Config{InputHeight: 22, InputWidth: 22, NumClasses: 2, BatchSize: 2, LearningRate: 1e-3})
	require.NoError(t, err)
	t.Cleanup(func() { clf.Close() })
	return &State{
		Model:      clf,
		ClassNames: []string{"cat", "dog"},
		Fs:         afero.NewMemMapFs(),
		Log:        logging.Discard(),
	}
}

func valLoss(v float64) Logs {
	return Logs{types.MetricValLoss: v, types.MetricLoss: v}
}

func TestEarlyStopping(t *testing.T) {
	s := newState(t)
	e := NewEarlyStopping(3, 0)
	require.NoError(t, e.OnTrainBegin(s))

	losses := []float64{1.0, 0.8, 0.9, 0.85, 0.81}
	for i, l := range losses {
		require.NoError(t, e.OnEpochEnd(i, valLoss(l), s))
		if i < 4 {
			assert.False(t, s.Stop, "epoch %d", i)
		}
	}
	assert.True(t, s.Stop)
	assert.Equal(t, 4, e.StoppedEpoch)
}

func TestEarlyStoppingRestoresBest(t *testing.T) {
	s := newState(t)
	e := NewEarlyStopping(1, 0)
	require.NoError(t, e.OnTrainBegin(s))

	require.NoError(t, e.OnEpochEnd(0, valLoss(0.5), s))
	best := s.Model.Snapshot()

	perturbed := s.Model.Snapshot()
	for i := range perturbed[0] {
		perturbed[0][i] += 1
	}
	require.NoError(t, s.Model.Restore(perturbed))
	require.NoError(t, e.OnEpochEnd(1, valLoss(0.7), s))
	assert.True(t, s.Stop)

	require.NoError(t, e.OnTrainEnd(s))
	assert.Equal(t, best, s.Model.Snapshot())
}

func TestEarlyStoppingMinDelta(t *testing.T) {
	s := newState(t)
	e := NewEarlyStopping(2, 0.1)
	require.NoError(t, e.OnTrainBegin(s))

	for i, l := range []float64{1.0, 0.95, 0.92} {
		require.NoError(t, e.OnEpochEnd(i, valLoss(l), s))
	}
	assert.True(t, s.Stop, "improvements below min_delta do not count")
}

func TestEarlyStoppingMissingMetric(t *testing.T) {
	s := newState(t)
	e := NewEarlyStopping(2, 0)
	require.NoError(t, e.OnTrainBegin(s))
	assert.Error(t, e.OnEpochEnd(0, Logs{types.MetricLoss: 1}, s))
}

func TestReduceLROnPlateau(t *testing.T) {
	s := newState(t)
	r := NewReduceLROnPlateau(0.5, 2)
	require.NoError(t, r.OnTrainBegin(s))

	for i, l := range []float64{1.0, 1.0, 1.0} {
		require.NoError(t, r.OnEpochEnd(i, valLoss(l), s))
	}
	assert.InDelta(t, 5e-4, s.Model.LearningRate(), 1e-12)

	require.NoError(t, r.OnEpochEnd(3, valLoss(1.0), s))
	assert.InDelta(t, 5e-4, s.Model.LearningRate(), 1e-12, "wait counter restarts after a reduction")
	require.NoError(t, r.OnEpochEnd(4, valLoss(1.0), s))
	assert.InDelta(t, 2.5e-4, s.Model.LearningRate(), 1e-12)

	bad := NewReduceLROnPlateau(1.5, 2)
	assert.Error(t, bad.OnTrainBegin(s))
}

func TestModelCheckpointSavesOnlyBest(t *testing.T) {
	s := newState(t)
	m := NewModelCheckpoint("/models/best_model.gob")
	require.NoError(t, s.Fs.MkdirAll("/models", 0755))
	require.NoError(t, m.OnTrainBegin(s))

	for i, l := range []float64{1.0, 1.2, 0.9, 0.9} {
		require.NoError(t, m.OnEpochEnd(i, valLoss(l), s))
	}
	assert.Equal(t, 2, m.Saved)

	ckpt, err := model.ReadCheckpoint(s.Fs, "/models/best_model.gob")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, ckpt.ClassNames)
}

func TestCSVLogger(t *testing.T) {
	s := newState(t)
	c := NewCSVLogger("/log.csv")
	require.NoError(t, c.OnTrainBegin(s))
	require.NoError(t, c.OnEpochEnd(0, Logs{types.MetricLoss: 0.5, types.MetricValLoss: 0.25}, s))
	require.NoError(t, c.OnEpochEnd(1, Logs{types.MetricLoss: 0.4, types.MetricValLoss: 0.2}, s))
	require.NoError(t, c.OnTrainEnd(s))

	data, err := afero.ReadFile(s.Fs, "/log.csv")
	require.NoError(t, err)
	assert.Equal(t, "epoch,loss,val_loss\n0,0.5,0.25\n1,0.4,0.2\n", string(data))
}

func TestHistoryRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := types.NewHistory("run-1", "baseline_model", []string{"a", "b"})
	h.Append(types.MetricLoss, 0.7)
	h.Append(types.MetricLoss, 0.5)

	require.NoError(t, WriteHistory(fs, "/h.json", h))
	got, err := ReadHistory(fs, "/h.json")
	require.NoError(t, err)
	assert.Equal(t, h.Metrics, got.Metrics)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Epochs())

	assert.Equal(t, "baseline_model_history.json", HistoryFileName("baseline_model"))
}

func writeClass(t *testing.T, fs afero.Fs, dir string, n int, c color.NRGBA) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(dir, 0755))
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R, c.G, c.B, 255
		}
		require.NoError(t, imageio.New(fs).Save(img, filepath.Join(dir, fmt.Sprintf("%d.png", i)), "png", 0))
	}
}

func TestRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeClass(t, fs, "/data/cat", 5, color.NRGBA{R: 220})
	writeClass(t, fs, "/data/dog", 5, color.NRGBA{B: 220})

	res, err := Run(context.Background(), Config{
		DataDir:           "/data",
		OutputDir:         "/models",
		ModelName:         "tiny",
		ImageHeight:       22,
		ImageWidth:        22,
		BatchSize:         4,
		Epochs:            2,
		LearningRate:      1e-3,
		ValidationSplit:   0.2,
		Seed:              42,
		RuntimeAugment:    true,
		EarlyStopPatience: 3,
		LRFactor:          0.5,
		LRPatience:        2,
		CSVLog:            true,
		Fs:                fs,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cat", "dog"}, res.ClassNames)
	assert.Equal(t, 2, res.History.Epochs())
	for _, k := range []string{types.MetricAccuracy, types.MetricValLoss, types.MetricValAccuracy, types.MetricLearningRate} {
		assert.Len(t, res.History.Metrics[k], 2, k)
	}
	assert.Equal(t, 2, res.Validation.Count)

	for _, p := range []string{res.BestPath, res.FinalPath, res.HistoryPath, "/models/training_log.csv"} {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
	assert.True(t, strings.HasSuffix(res.HistoryPath, "tiny_history.json"))

	h, err := ReadHistory(fs, res.HistoryPath)
	require.NoError(t, err)
	assert.Equal(t, res.History.RunID, h.RunID)
}

func TestRunRejectsBadConfig(t *testing.T) {
	_, err := Run(context.Background(), Config{DataDir: "/d", OutputDir: "/o", Epochs: 0, BatchSize: 1})
	assert.Error(t, err)

	_, err = Run(context.Background(), Config{Epochs: 1, BatchSize: 1})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeClass(t, fs, "/data/cat", 3, color.NRGBA{R: 200})
	writeClass(t, fs, "/data/dog", 3, color.NRGBA{G: 200})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Config{
		DataDir: "/data", OutputDir: "/models", ImageHeight: 22, ImageWidth: 22,
		BatchSize: 2, Epochs: 1, LearningRate: 1e-3, ValidationSplit: 0.34, Seed: 1,
		LRFactor: 0.5, LRPatience: 2, EarlyStopPatience: 3, Fs: fs,
	})
	assert.Error(t, err)
}

// countingFs tracks how many files created through it are still open
type countingFs struct {
	afero.Fs

	mu   sync.Mutex
	open map[string]int
}

type countedFile struct {
	afero.File
	fs   *countingFs
	once sync.Once
}

func (f *countedFile) Close() error {
	f.once.Do(func() {
		f.fs.mu.Lock()
		f.fs.open[f.Name()]--
		f.fs.mu.Unlock()
	})
	return f.File.Close()
}

func (fs *countingFs) Create(name string) (afero.File, error) {
	f, err := fs.Fs.Create(name)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.open[name]++
	fs.mu.Unlock()
	return &countedFile{File: f, fs: fs}, nil
}

func TestRunClosesLogOnFailure(t *testing.T) {
	fs := &countingFs{Fs: afero.NewMemMapFs(), open: map[string]int{}}
	writeClass(t, fs, "/data/cat", 3, color.NRGBA{R: 200})
	writeClass(t, fs, "/data/dog", 3, color.NRGBA{G: 200})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Config{
		DataDir: "/data", OutputDir: "/models", ImageHeight: 22, ImageWidth: 22,
		BatchSize: 2, Epochs: 1, LearningRate: 1e-3, ValidationSplit: 0.34, Seed: 1,
		LRFactor: 0.5, LRPatience: 2, EarlyStopPatience: 3, CSVLog: true, Fs: fs,
	})
	require.Error(t, err)

	csvPath := filepath.Join("/models", CSVLogFile)
	ok, err := afero.Exists(fs, csvPath)
	require.NoError(t, err)
	require.True(t, ok, "the log is opened before the first epoch")
	assert.Equal(t, 0, fs.open[csvPath])
}

func TestCSVLoggerCloseIsIdempotent(t *testing.T) {
	s := newState(t)
	c := NewCSVLogger("/log.csv")
	require.NoError(t, c.OnTrainBegin(s))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, c.OnTrainEnd(s))
}
