// Package model builds and runs the baseline CNN crop classifier on a
// gorgonia expression graph.
package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	channels = 3
	hidden   = 128
	epsilon  = 1e-7

	bnMomentum = 0.99
	bnEpsilon  = 1e-3
)

var blockWidths = []int{32, 64, 128}

var (
	// ErrInputTooSmall is returned when the input does not survive the three
	// valid convolutions and poolings.
	ErrInputTooSmall = errors.New("input is too small for the network")
	// ErrDiverged is returned when a training step produces a non-finite loss.
	ErrDiverged = errors.New("loss is not finite")
)

// Config describes the classifier to build
type Config struct {
	InputHeight  int
	InputWidth   int
	NumClasses   int
	BatchSize    int
	LearningRate float64
	// L2 weights the squared kernel of the hidden dense layer
	L2      float64
	Dropout float64
	Seed    int64
}

// WithDefaults fills unset hyperparameters
func (s Config) WithDefaults() Config {
	if s.BatchSize == 0 {
		s.BatchSize = 32
	}
	if s.LearningRate == 0 {
		s.LearningRate = 1e-4
	}
	if s.L2 == 0 {
		s.L2 = 0.001
	}
	if s.Dropout == 0 {
		s.Dropout = 0.5
	}
	return s
}

// Validate checks the configuration
func (s Config) Validate() error {
	if s.NumClasses < 2 {
		return errors.Errorf("need at least 2 classes, got %d", s.NumClasses)
	}
	if s.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", s.BatchSize)
	}
	if s.Dropout < 0 || s.Dropout >= 1 {
		return errors.Errorf("dropout %v must be in [0, 1)", s.Dropout)
	}
	if s.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %v", s.LearningRate)
	}
	h, w := s.InputHeight, s.InputWidth
	for range blockWidths {
		h, w = (h-2)/2, (w-2)/2
	}
	if h < 1 || w < 1 {
		return errors.Wrapf(ErrInputTooSmall, "%dx%d", s.InputWidth, s.InputHeight)
	}
	return nil
}

// SampleSize is the number of float32 values of one input image
func (s Config) SampleSize() int {
	return channels * s.InputHeight * s.InputWidth
}

// Metrics is the outcome of one batch
type Metrics struct {
	Loss     float64
	Accuracy float64
	Count    int
}

type layer struct {
	name   string
	output tensor.Shape
	params G.Nodes
}

// Classifier owns the graph, its tape machine and the optimizer. It is not
// safe for concurrent use.
type Classifier struct {
	cfg Config

	g     *G.ExprGraph
	x     *G.Node
	y     *G.Node
	mask  *G.Node
	scale *G.Node
	out   *G.Node
	cost  *G.Node

	outVal  G.Value
	costVal G.Value

	rowMask  *G.Node
	useBatch *G.Node

	norms      []*batchNorm
	layers     []layer
	learnables G.Nodes

	vm     G.VM
	solver G.Solver
	lr     float64
	rng    *rand.Rand
}

// Build constructs the classifier graph:
//
//	rescale(1/255)
//	3 x [conv3x3 valid + bias, relu, maxpool 2x2, batchnorm]  widths 32/64/128
//	flatten, dense 128 relu (L2), dropout, dense NumClasses, softmax
//
// The graph has a fixed batch dimension; shorter batches are padded.
func Build(cfg Config) (*Classifier, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Classifier{
		cfg: cfg,
		g:   G.NewGraph(),
		lr:  cfg.LearningRate,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	if err := c.build(); err != nil {
		return nil, errors.Wrap(err, "build graph")
	}

	c.vm = G.NewTapeMachine(c.g, G.BindDualValues(c.learnables...))
	c.solver = G.NewAdamSolver(G.WithLearnRate(c.lr))
	return c, nil
}

func (c *Classifier) build() error {
	bs := c.cfg.BatchSize
	dt := tensor.Float32

	c.x = G.NewTensor(c.g, dt, 4, G.WithShape(bs, channels, c.cfg.InputHeight, c.cfg.InputWidth), G.WithName("x"))
	c.y = G.NewMatrix(c.g, dt, G.WithShape(bs, c.cfg.NumClasses), G.WithName("y"))
	c.mask = G.NewMatrix(c.g, dt, G.WithShape(bs, hidden), G.WithName("dropout_mask"))
	c.scale = G.NewScalar(c.g, dt, G.WithName("inv_count"))
	c.rowMask = G.NewTensor(c.g, dt, 4, G.WithShape(bs, 1, 1, 1), G.WithName("row_mask"))
	c.useBatch = G.NewScalar(c.g, dt, G.WithName("bn_use_batch"))

	h, err := G.Mul(c.x, G.NewConstant(float32(1.0/255)))
	if err != nil {
		return errors.Wrap(err, "rescale")
	}
	c.layers = append(c.layers, layer{name: "rescaling", output: h.Shape()})

	in := channels
	for i, width := range blockWidths {
		if h, err = c.convBlock(h, in, width, i+1); err != nil {
			return errors.Wrapf(err, "conv block %d", i+1)
		}
		in = width
	}

	shape := h.Shape()
	flat := shape.TotalSize() / bs
	if h, err = G.Reshape(h, tensor.Shape{bs, flat}); err != nil {
		return errors.Wrap(err, "flatten")
	}
	c.layers = append(c.layers, layer{name: "flatten", output: h.Shape()})

	w1 := G.NewMatrix(c.g, dt, G.WithShape(flat, hidden), G.WithName("dense1_w"), G.WithInit(G.GlorotU(1)))
	b1 := G.NewMatrix(c.g, dt, G.WithShape(1, hidden), G.WithName("dense1_b"), G.WithInit(G.Zeroes()))
	if h, err = dense(h, w1, b1); err != nil {
		return errors.Wrap(err, "dense1")
	}
	if h, err = G.Rectify(h); err != nil {
		return errors.Wrap(err, "dense1 relu")
	}
	c.layers = append(c.layers, layer{name: "dense1", output: h.Shape(), params: G.Nodes{w1, b1}})

	if h, err = G.HadamardProd(h, c.mask); err != nil {
		return errors.Wrap(err, "dropout")
	}
	c.layers = append(c.layers, layer{name: "dropout", output: h.Shape()})

	w2 := G.NewMatrix(c.g, dt, G.WithShape(hidden, c.cfg.NumClasses), G.WithName("dense2_w"), G.WithInit(G.GlorotU(1)))
	b2 := G.NewMatrix(c.g, dt, G.WithShape(1, c.cfg.NumClasses), G.WithName("dense2_b"), G.WithInit(G.Zeroes()))
	if h, err = dense(h, w2, b2); err != nil {
		return errors.Wrap(err, "dense2")
	}
	if c.out, err = G.SoftMax(h, 1); err != nil {
		return errors.Wrap(err, "softmax")
	}
	c.layers = append(c.layers, layer{name: "dense2", output: c.out.Shape(), params: G.Nodes{w2, b2}})

	for _, l := range c.layers {
		c.learnables = append(c.learnables, l.params...)
	}

	if c.cost, err = c.loss(w1); err != nil {
		return errors.Wrap(err, "loss")
	}

	G.Read(c.out, &c.outVal)
	G.Read(c.cost, &c.costVal)

	if _, err = G.Grad(c.cost, c.learnables...); err != nil {
		return errors.Wrap(err, "gradients")
	}
	return nil
}

func (c *Classifier) convBlock(in *G.Node, inC, outC, idx int) (*G.Node, error) {
	dt := tensor.Float32
	w := G.NewTensor(c.g, dt, 4, G.WithShape(outC, inC, 3, 3), G.WithName(fmt.Sprintf("conv%d_w", idx)), G.WithInit(G.GlorotU(1)))
	b := G.NewTensor(c.g, dt, 4, G.WithShape(1, outC, 1, 1), G.WithName(fmt.Sprintf("conv%d_b", idx)), G.WithInit(G.Zeroes()))

	conv, err := G.Conv2d(in, w, tensor.Shape{3, 3}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if conv, err = G.BroadcastAdd(conv, b, nil, []byte{0, 2, 3}); err != nil {
		return nil, err
	}
	act, err := G.Rectify(conv)
	if err != nil {
		return nil, err
	}
	pooled, err := G.MaxPool2D(act, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, err
	}
	bn, norm, err := c.batchNorm(pooled, outC, idx)
	if err != nil {
		return nil, errors.Wrap(err, "batch norm")
	}

	c.norms = append(c.norms, bn)
	c.layers = append(c.layers, layer{
		name:   fmt.Sprintf("block%d", idx),
		output: norm.Shape(),
		params: G.Nodes{w, b, bn.gamma, bn.beta},
	})
	return norm, nil
}

func dense(x, w, b *G.Node) (*G.Node, error) {
	xw, err := G.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(xw, b, nil, []byte{0})
}

// loss is the summed cross-entropy of the one-hot rows of y scaled by
// inv_count, plus the L2 penalty on the hidden dense kernel. Padding rows of
// y are zero and drop out of the sum.
func (c *Classifier) loss(l2Kernel *G.Node) (*G.Node, error) {
	logp, err := G.Log(G.Must(G.Add(c.out, G.NewConstant(float32(epsilon)))))
	if err != nil {
		return nil, err
	}
	picked, err := G.HadamardProd(logp, c.y)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(picked)
	if err != nil {
		return nil, err
	}
	ce, err := G.Neg(G.Must(G.Mul(sum, c.scale)))
	if err != nil {
		return nil, err
	}

	sq, err := G.Sum(G.Must(G.Square(l2Kernel)))
	if err != nil {
		return nil, err
	}
	penalty, err := G.Mul(sq, G.NewConstant(float32(c.cfg.L2)))
	if err != nil {
		return nil, err
	}
	return G.Add(ce, penalty)
}

// Config returns the configuration the classifier was built with
func (c *Classifier) Config() Config {
	return c.cfg
}

// LearningRate returns the current optimizer step size
func (c *Classifier) LearningRate() float64 {
	return c.lr
}

// SetLearningRate replaces the optimizer with one using lr. Adam moment
// estimates restart from zero.
func (c *Classifier) SetLearningRate(lr float64) {
	c.lr = lr
	c.solver = G.NewAdamSolver(G.WithLearnRate(lr))
}

// TrainBatch runs one optimization step on up to BatchSize samples. x holds
// the samples in NCHW order with values in 0..255.
func (c *Classifier) TrainBatch(x []float32, labels []int) (Metrics, error) {
	m, err := c.run(x, labels, true)
	if err != nil {
		c.vm.Reset()
		return m, err
	}
	if math32.IsNaN(float32(m.Loss)) || math32.IsInf(float32(m.Loss), 0) {
		c.vm.Reset()
		return m, ErrDiverged
	}
	for _, bn := range c.norms {
		bn.update()
	}
	if err := c.solver.Step(G.NodesToValueGrads(c.learnables)); err != nil {
		c.vm.Reset()
		return m, errors.Wrap(err, "optimizer step")
	}
	c.vm.Reset()
	return m, nil
}

// EvalBatch computes loss and accuracy without updating weights
func (c *Classifier) EvalBatch(x []float32, labels []int) (Metrics, error) {
	m, err := c.run(x, labels, false)
	c.vm.Reset()
	return m, err
}

// Predict returns the class probabilities of every sample in x
func (c *Classifier) Predict(x []float32) ([][]float32, error) {
	size := c.cfg.SampleSize()
	if len(x)%size != 0 {
		return nil, errors.Errorf("input length %d is not a multiple of %d", len(x), size)
	}
	n := len(x) / size
	probs := make([][]float32, 0, n)
	for start := 0; start < n; start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > n {
			end = n
		}
		if _, err := c.run(x[start*size:end*size], make([]int, end-start), false); err != nil {
			c.vm.Reset()
			return nil, err
		}
		out := c.outVal.Data().([]float32)
		k := c.cfg.NumClasses
		for i := 0; i < end-start; i++ {
			row := make([]float32, k)
			copy(row, out[i*k:(i+1)*k])
			probs = append(probs, row)
		}
		c.vm.Reset()
	}
	return probs, nil
}

func (c *Classifier) run(x []float32, labels []int, training bool) (Metrics, error) {
	bs, k, size := c.cfg.BatchSize, c.cfg.NumClasses, c.cfg.SampleSize()
	n := len(labels)
	if n == 0 || n > bs {
		return Metrics{}, errors.Errorf("batch of %d samples, want 1..%d", n, bs)
	}
	if len(x) != n*size {
		return Metrics{}, errors.Errorf("input length %d, want %d", len(x), n*size)
	}

	xb := make([]float32, bs*size)
	copy(xb, x)
	yb := make([]float32, bs*k)
	for i, l := range labels {
		if l < 0 || l >= k {
			return Metrics{}, errors.Errorf("label %d out of range [0, %d)", l, k)
		}
		yb[i*k+l] = 1
	}

	if err := G.Let(c.x, tensor.New(tensor.WithShape(bs, channels, c.cfg.InputHeight, c.cfg.InputWidth), tensor.WithBacking(xb))); err != nil {
		return Metrics{}, errors.Wrap(err, "bind input")
	}
	if err := G.Let(c.y, tensor.New(tensor.WithShape(bs, k), tensor.WithBacking(yb))); err != nil {
		return Metrics{}, errors.Wrap(err, "bind labels")
	}
	if err := G.Let(c.mask, tensor.New(tensor.WithShape(bs, hidden), tensor.WithBacking(c.dropoutMask(training)))); err != nil {
		return Metrics{}, errors.Wrap(err, "bind dropout mask")
	}
	if err := G.Let(c.scale, G.NewF32(1/float32(n))); err != nil {
		return Metrics{}, errors.Wrap(err, "bind scale")
	}

	rows := make([]float32, bs)
	for i := 0; i < n; i++ {
		rows[i] = 1
	}
	if err := G.Let(c.rowMask, tensor.New(tensor.WithShape(bs, 1, 1, 1), tensor.WithBacking(rows))); err != nil {
		return Metrics{}, errors.Wrap(err, "bind row mask")
	}
	useBatch := float32(0)
	if training {
		useBatch = 1
	}
	if err := G.Let(c.useBatch, G.NewF32(useBatch)); err != nil {
		return Metrics{}, errors.Wrap(err, "bind batch norm mode")
	}
	for _, bn := range c.norms {
		if err := bn.bind(); err != nil {
			return Metrics{}, err
		}
	}

	if err := c.vm.RunAll(); err != nil {
		return Metrics{}, errors.Wrap(err, "run graph")
	}

	out := c.outVal.Data().([]float32)
	correct := 0
	for i, l := range labels {
		if argmax(out[i*k:(i+1)*k]) == l {
			correct++
		}
	}
	return Metrics{
		Loss:     float64(c.costVal.Data().(float32)),
		Accuracy: float64(correct) / float64(n),
		Count:    n,
	}, nil
}

// dropoutMask is inverted dropout: kept units are scaled by 1/(1-p) during
// training and the mask is all ones otherwise.
func (c *Classifier) dropoutMask(training bool) []float32 {
	m := make([]float32, c.cfg.BatchSize*hidden)
	keep := float32(1 - c.cfg.Dropout)
	for i := range m {
		switch {
		case !training:
			m[i] = 1
		case c.rng.Float32() < keep:
			m[i] = 1 / keep
		}
	}
	return m
}

func argmax(row []float32) int {
	best, idx := math32.Inf(-1), 0
	for i, v := range row {
		if v > best {
			best, idx = v, i
		}
	}
	return idx
}

// NumParams returns the number of trainable scalars
func (c *Classifier) NumParams() int {
	n := 0
	for _, p := range c.learnables {
		n += p.Shape().TotalSize()
	}
	return n
}

// Summary describes the layers, their output shapes and parameter counts
func (c *Classifier) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %-22s %s\n", "layer", "output", "params")
	for _, l := range c.layers {
		n := 0
		for _, p := range l.params {
			n += p.Shape().TotalSize()
		}
		fmt.Fprintf(&sb, "%-12s %-22v %d\n", l.name, l.output, n)
	}
	fmt.Fprintf(&sb, "total params: %d\n", c.NumParams())
	return sb.String()
}

// Close releases the tape machine
func (c *Classifier) Close() error {
	if c.vm == nil {
		return nil
	}
	return c.vm.Close()
}
