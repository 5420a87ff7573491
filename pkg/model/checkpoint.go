package model

import (
	"encoding/gob"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Weights is an in-memory copy of every trainable tensor in graph order,
// followed by the moving mean and variance of each batch norm layer
type Weights [][]float32

// Snapshot copies the current weights and batch norm statistics
func (c *Classifier) Snapshot() Weights {
	w := make(Weights, 0, len(c.learnables)+2*len(c.norms))
	for _, n := range c.learnables {
		data := n.Value().Data().([]float32)
		w = append(w, append([]float32(nil), data...))
	}
	for _, bn := range c.norms {
		w = append(w, append([]float32(nil), bn.mean...), append([]float32(nil), bn.variance...))
	}
	return w
}

// Restore overwrites the weights with a snapshot taken from a classifier of
// the same configuration
func (c *Classifier) Restore(w Weights) error {
	want := len(c.learnables) + 2*len(c.norms)
	if len(w) != want {
		return errors.Errorf("snapshot has %d tensors, model has %d", len(w), want)
	}
	for i, n := range c.learnables {
		data := n.Value().Data().([]float32)
		if len(data) != len(w[i]) {
			return errors.Errorf("tensor %s: snapshot has %d values, model has %d", n.Name(), len(w[i]), len(data))
		}
	}
	stats := w[len(c.learnables):]
	for i, bn := range c.norms {
		if len(stats[2*i]) != bn.channels || len(stats[2*i+1]) != bn.channels {
			return errors.Errorf("batch norm %d: snapshot statistics do not have %d channels", i+1, bn.channels)
		}
	}

	for i, n := range c.learnables {
		copy(n.Value().Data().([]float32), w[i])
	}
	for i, bn := range c.norms {
		copy(bn.mean, stats[2*i])
		copy(bn.variance, stats[2*i+1])
	}
	return nil
}

// Checkpoint is the on-disk form of a trained classifier, including the
// batch norm moving statistics
type Checkpoint struct {
	ClassNames  []string
	InputHeight int
	InputWidth  int
	Dropout     float64
	L2          float64
	Weights     Weights
}

// Save writes a gob checkpoint with the class names and input shape
func (c *Classifier) Save(fs afero.Fs, path string, classNames []string) error {
	if len(classNames) != c.cfg.NumClasses {
		return errors.Errorf("%d class names for %d classes", len(classNames), c.cfg.NumClasses)
	}

	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	ckpt := Checkpoint{
		ClassNames:  classNames,
		InputHeight: c.cfg.InputHeight,
		InputWidth:  c.cfg.InputWidth,
		Dropout:     c.cfg.Dropout,
		L2:          c.cfg.L2,
		Weights:     c.Snapshot(),
	}
	if err := gob.NewEncoder(f).Encode(&ckpt); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}

// ReadCheckpoint decodes a checkpoint file
func ReadCheckpoint(fs afero.Fs, path string) (*Checkpoint, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return &ckpt, nil
}

// Load rebuilds a classifier from a checkpoint. Zero batchSize and
// learningRate take the defaults.
func Load(fs afero.Fs, path string, batchSize int, learningRate float64) (*Classifier, []string, error) {
	ckpt, err := ReadCheckpoint(fs, path)
	if err != nil {
		return nil, nil, err
	}

	c, err := Build(Config{
		InputHeight:  ckpt.InputHeight,
		InputWidth:   ckpt.InputWidth,
		NumClasses:   len(ckpt.ClassNames),
		BatchSize:    batchSize,
		LearningRate: learningRate,
		Dropout:      ckpt.Dropout,
		L2:           ckpt.L2,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := c.Restore(ckpt.Weights); err != nil {
		c.Close()
		return nil, nil, errors.Wrapf(err, "restore %s", path)
	}
	return c, ckpt.ClassNames, nil
}
