package train

import (
	"encoding/csv"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/pkg/model"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// Logs maps metric names to their value for one epoch
type Logs map[string]float64

// State is shared between the training loop and its callbacks
type State struct {
	Model      *model.Classifier
	ClassNames []string
	Fs         afero.Fs
	Log        logrus.FieldLogger
	// Stop ends training after the current epoch
	Stop bool
}

// Callback hooks into the epoch loop
type Callback interface {
	OnTrainBegin(s *State) error
	OnEpochEnd(epoch int, logs Logs, s *State) error
	OnTrainEnd(s *State) error
}

// plateau tracks the best value of a minimised metric
type plateau struct {
	minDelta float64
	best     float64
	wait     int
}

func newPlateau(minDelta float64) plateau {
	return plateau{minDelta: minDelta, best: math.Inf(1)}
}

// observe returns true when current improves on the best value by more than
// minDelta.
func (p *plateau) observe(current float64) bool {
	if current < p.best-p.minDelta {
		p.best = current
		p.wait = 0
		return true
	}
	p.wait++
	return false
}

// EarlyStopping stops training when Monitor has not improved for Patience
// epochs and restores the weights of the best epoch at the end.
type EarlyStopping struct {
	Monitor      string
	Patience     int
	MinDelta     float64
	RestoreBest  bool
	StoppedEpoch int

	p    plateau
	best model.Weights
}

// NewEarlyStopping monitors val_loss
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Monitor: types.MetricValLoss, Patience: patience, MinDelta: minDelta, RestoreBest: true}
}

func (e *EarlyStopping) OnTrainBegin(*State) error {
	e.p = newPlateau(e.MinDelta)
	e.best = nil
	e.StoppedEpoch = -1
	return nil
}

func (e *EarlyStopping) OnEpochEnd(epoch int, logs Logs, s *State) error {
	current, ok := logs[e.Monitor]
	if !ok {
		return errors.Errorf("early stopping: metric %s not logged", e.Monitor)
	}
	if e.p.observe(current) {
		if e.RestoreBest {
			e.best = s.Model.Snapshot()
		}
		return nil
	}
	if e.p.wait >= e.Patience {
		e.StoppedEpoch = epoch
		s.Stop = true
		s.Log.WithFields(logrus.Fields{"epoch": epoch + 1, "best": e.p.best}).Info("early stopping")
	}
	return nil
}

func (e *EarlyStopping) OnTrainEnd(s *State) error {
	if !e.RestoreBest || e.best == nil {
		return nil
	}
	s.Log.WithField("best", e.p.best).Info("restoring best weights")
	return s.Model.Restore(e.best)
}

// ReduceLROnPlateau multiplies the learning rate by Factor when Monitor has
// not improved for Patience epochs.
type ReduceLROnPlateau struct {
	Monitor  string
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64

	p plateau
}

// NewReduceLROnPlateau monitors val_loss
func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{Monitor: types.MetricValLoss, Factor: factor, Patience: patience, MinDelta: 1e-4}
}

func (r *ReduceLROnPlateau) OnTrainBegin(*State) error {
	if r.Factor <= 0 || r.Factor >= 1 {
		return errors.Errorf("reduce lr: factor %v must be in (0, 1)", r.Factor)
	}
	r.p = newPlateau(r.MinDelta)
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(epoch int, logs Logs, s *State) error {
	current, ok := logs[r.Monitor]
	if !ok {
		return errors.Errorf("reduce lr: metric %s not logged", r.Monitor)
	}
	if r.p.observe(current) || r.p.wait < r.Patience {
		return nil
	}

	old := s.Model.LearningRate()
	lr := math.Max(old*r.Factor, r.MinLR)
	if lr < old {
		s.Model.SetLearningRate(lr)
		s.Log.WithFields(logrus.Fields{"epoch": epoch + 1, "from": old, "to": lr}).Info("reducing learning rate")
	}
	r.p.wait = 0
	return nil
}

func (r *ReduceLROnPlateau) OnTrainEnd(*State) error { return nil }

// ModelCheckpoint saves the model whenever Monitor reaches a new best.
type ModelCheckpoint struct {
	Path    string
	Monitor string
	Saved   int

	best float64
}

// NewModelCheckpoint saves to path when val_loss improves
func NewModelCheckpoint(path string) *ModelCheckpoint {
	return &ModelCheckpoint{Path: path, Monitor: types.MetricValLoss}
}

func (m *ModelCheckpoint) OnTrainBegin(*State) error {
	m.best = math.Inf(1)
	m.Saved = 0
	return nil
}

func (m *ModelCheckpoint) OnEpochEnd(epoch int, logs Logs, s *State) error {
	current, ok := logs[m.Monitor]
	if !ok {
		return errors.Errorf("checkpoint: metric %s not logged", m.Monitor)
	}
	if current >= m.best {
		return nil
	}
	s.Log.WithFields(logrus.Fields{"epoch": epoch + 1, "from": m.best, "to": current, "path": m.Path}).Info("saving best model")
	m.best = current
	m.Saved++
	return s.Model.Save(s.Fs, m.Path, s.ClassNames)
}

func (m *ModelCheckpoint) OnTrainEnd(*State) error { return nil }

// CSVLogger writes one row per epoch: epoch followed by the metrics in name
// order.
type CSVLogger struct {
	Path string

	file afero.File
	w    *csv.Writer
	keys []string
}

// NewCSVLogger writes to path, replacing any existing file
func NewCSVLogger(path string) *CSVLogger {
	return &CSVLogger{Path: path}
}

func (c *CSVLogger) OnTrainBegin(s *State) error {
	f, err := s.Fs.Create(c.Path)
	if err != nil {
		return errors.Wrapf(err, "create %s", c.Path)
	}
	c.file = f
	c.w = csv.NewWriter(f)
	c.keys = nil
	return nil
}

func (c *CSVLogger) OnEpochEnd(epoch int, logs Logs, _ *State) error {
	if c.keys == nil {
		for k := range logs {
			c.keys = append(c.keys, k)
		}
		sort.Strings(c.keys)
		if err := c.w.Write(append([]string{"epoch"}, c.keys...)); err != nil {
			return err
		}
	}

	row := []string{strconv.Itoa(epoch)}
	for _, k := range c.keys {
		row = append(row, strconv.FormatFloat(logs[k], 'g', -1, 64))
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *CSVLogger) OnTrainEnd(*State) error {
	return c.Close()
}

// Close flushes and closes the log file. It is safe to call more than once.
func (c *CSVLogger) Close() error {
	if c.file == nil {
		return nil
	}
	c.w.Flush()
	err := c.w.Error()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	return err
}
