package train

import (
	"context"
	"io"
	"math/rand"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/augment"
	"github.com/menta2k/bbox-classifier/pkg/dataset"
	"github.com/menta2k/bbox-classifier/pkg/model"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

const (
	// BestModelFile is written by the checkpoint callback
	BestModelFile = "best_model.gob"
	// FinalModelFile is written after the last epoch
	FinalModelFile = "final_model.gob"
	// CSVLogFile holds one row per epoch when CSV logging is on
	CSVLogFile = "training_log.csv"
)

// Config holds everything one training run needs
type Config struct {
	DataDir   string
	OutputDir string
	ModelName string

	ImageHeight     int
	ImageWidth      int
	BatchSize       int
	Epochs          int
	LearningRate    float64
	ValidationSplit float64
	Seed            int64
	RuntimeAugment  bool

	EarlyStopPatience int
	EarlyStopMinDelta float64
	LRFactor          float64
	LRPatience        int
	CSVLog            bool

	Fs     afero.Fs
	Logger logrus.FieldLogger
}

func (c *Config) validate() error {
	if c.DataDir == "" || c.OutputDir == "" {
		return errors.New("data and output directories are required")
	}
	if c.ModelName == "" {
		c.ModelName = "baseline_model"
	}
	if c.Epochs < 1 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return nil
}

// Result describes a finished run
type Result struct {
	History     *types.History
	Validation  model.Metrics
	ClassNames  []string
	BestPath    string
	FinalPath   string
	HistoryPath string
	// StoppedEarly is set when early stopping ended the run
	StoppedEarly bool
}

// Run trains a classifier on the class directories under DataDir, saving the
// best and final checkpoints and the metric history to OutputDir.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger

	ds, err := dataset.FromDirectory(cfg.Fs, cfg.DataDir, dataset.Options{
		Height:          cfg.ImageHeight,
		Width:           cfg.ImageWidth,
		ValidationSplit: cfg.ValidationSplit,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "load dataset")
	}
	if len(ds.Val) == 0 {
		return nil, errors.New("validation set is empty")
	}

	clf, err := model.Build(model.Config{
		InputHeight:  cfg.ImageHeight,
		InputWidth:   cfg.ImageWidth,
		NumClasses:   len(ds.ClassNames),
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	defer clf.Close()

	if err := utils.EnsureDir(cfg.Fs, cfg.OutputDir); err != nil {
		return nil, errors.Wrapf(err, "create %s", cfg.OutputDir)
	}

	runID := uuid.New().String()
	log = log.WithField("run_id", runID)
	log.WithFields(logrus.Fields{
		"classes": ds.ClassNames,
		"train":   len(ds.Train),
		"val":     len(ds.Val),
		"params":  clf.NumParams(),
	}).Info("training started")
	log.Debug("\n" + clf.Summary())

	early := NewEarlyStopping(cfg.EarlyStopPatience, cfg.EarlyStopMinDelta)
	callbacks := []Callback{
		early,
		NewReduceLROnPlateau(cfg.LRFactor, cfg.LRPatience),
		NewModelCheckpoint(filepath.Join(cfg.OutputDir, BestModelFile)),
	}
	if cfg.CSVLog {
		callbacks = append(callbacks, NewCSVLogger(filepath.Join(cfg.OutputDir, CSVLogFile)))
	}

	// files held by callbacks are released even when training fails
	defer closeCallbacks(callbacks, log)

	state := &State{Model: clf, ClassNames: ds.ClassNames, Fs: cfg.Fs, Log: log}
	for _, cb := range callbacks {
		if err := cb.OnTrainBegin(state); err != nil {
			return nil, err
		}
	}

	var pipeline augment.Pipeline
	if cfg.RuntimeAugment {
		pipeline = augment.RuntimePipeline()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	history := types.NewHistory(runID, cfg.ModelName, ds.ClassNames)
	samples := append([]dataset.Sample(nil), ds.Train...)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		lr := clf.LearningRate()
		dataset.Shuffle(samples, rng)

		tm, err := runEpoch(ctx, ds, samples, cfg.BatchSize, pipeline, rng, clf.TrainBatch)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch+1)
		}
		vm, err := runEpoch(ctx, ds, ds.Val, cfg.BatchSize, nil, nil, clf.EvalBatch)
		if err != nil {
			return nil, errors.Wrapf(err, "validate epoch %d", epoch+1)
		}

		logs := Logs{
			types.MetricLoss:         tm.Loss,
			types.MetricAccuracy:     tm.Accuracy,
			types.MetricValLoss:      vm.Loss,
			types.MetricValAccuracy:  vm.Accuracy,
			types.MetricLearningRate: lr,
		}
		for k, v := range logs {
			history.Append(k, v)
		}
		log.WithFields(logrus.Fields{
			"epoch":        epoch + 1,
			"loss":         tm.Loss,
			"accuracy":     tm.Accuracy,
			"val_loss":     vm.Loss,
			"val_accuracy": vm.Accuracy,
			"lr":           lr,
		}).Info("epoch finished")

		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(epoch, logs, state); err != nil {
				return nil, err
			}
		}
		if state.Stop {
			break
		}
	}

	for _, cb := range callbacks {
		if err := cb.OnTrainEnd(state); err != nil {
			return nil, err
		}
	}

	res := &Result{
		History:      history,
		ClassNames:   ds.ClassNames,
		BestPath:     filepath.Join(cfg.OutputDir, BestModelFile),
		FinalPath:    filepath.Join(cfg.OutputDir, FinalModelFile),
		HistoryPath:  filepath.Join(cfg.OutputDir, HistoryFileName(cfg.ModelName)),
		StoppedEarly: early.StoppedEpoch >= 0,
	}
	if err := clf.Save(cfg.Fs, res.FinalPath, ds.ClassNames); err != nil {
		return nil, errors.Wrap(err, "save final model")
	}

	if res.Validation, err = runEpoch(ctx, ds, ds.Val, cfg.BatchSize, nil, nil, clf.EvalBatch); err != nil {
		return nil, errors.Wrap(err, "evaluate")
	}
	log.WithFields(logrus.Fields{
		"val_loss":     res.Validation.Loss,
		"val_accuracy": res.Validation.Accuracy,
	}).Info("validation")

	if err := WriteHistory(cfg.Fs, res.HistoryPath, history); err != nil {
		return nil, err
	}
	log.WithField("path", res.HistoryPath).Info("history saved")
	return res, nil
}

func closeCallbacks(callbacks []Callback, log logrus.FieldLogger) {
	for _, cb := range callbacks {
		if c, ok := cb.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.WithError(err).Warn("close callback")
			}
		}
	}
}

type stepFunc func(x []float32, labels []int) (model.Metrics, error)

// runEpoch feeds samples through step in batches and returns the metrics
// averaged over samples.
func runEpoch(ctx context.Context, ds *dataset.Dataset, samples []dataset.Sample, batchSize int,
	pipeline augment.Pipeline, rng *rand.Rand, step stepFunc) (model.Metrics, error) {
	var total model.Metrics
	for start := 0; start < len(samples); start += batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		b, err := ds.Batch(samples, start, batchSize, pipeline, rng)
		if err != nil {
			return total, err
		}
		m, err := step(b.X, b.Labels)
		if err != nil {
			return total, err
		}
		total.Loss += m.Loss * float64(m.Count)
		total.Accuracy += m.Accuracy * float64(m.Count)
		total.Count += m.Count
	}
	if total.Count > 0 {
		total.Loss /= float64(total.Count)
		total.Accuracy /= float64(total.Count)
	}
	return total, nil
}
