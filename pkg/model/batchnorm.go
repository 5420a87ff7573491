package model

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// batchNorm normalizes each channel of an NCHW activation. In training the
// statistics come from the real rows of the batch (padding rows are masked
// out) and are folded into moving averages; otherwise the moving averages are
// used, so every sample is normalized independently of its batch.
type batchNorm struct {
	channels int

	gamma *G.Node
	beta  *G.Node

	// moving statistics, bound as inputs on every run
	movingMean *G.Node
	movingVar  *G.Node

	batchMeanVal G.Value
	batchVarVal  G.Value

	mean     []float32
	variance []float32
}

func (c *Classifier) batchNorm(x *G.Node, ch, idx int) (*batchNorm, *G.Node, error) {
	dt := tensor.Float32
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != ch {
		return nil, nil, errors.Errorf("want NCHW input with %d channels, got %v", ch, shape)
	}

	bn := &batchNorm{
		channels:   ch,
		gamma:      G.NewTensor(c.g, dt, 4, G.WithShape(1, ch, 1, 1), G.WithName(fmt.Sprintf("bn%d_gamma", idx)), G.WithInit(G.Ones())),
		beta:       G.NewTensor(c.g, dt, 4, G.WithShape(1, ch, 1, 1), G.WithName(fmt.Sprintf("bn%d_beta", idx)), G.WithInit(G.Zeroes())),
		movingMean: G.NewVector(c.g, dt, G.WithShape(ch), G.WithName(fmt.Sprintf("bn%d_moving_mean", idx))),
		movingVar:  G.NewVector(c.g, dt, G.WithShape(ch), G.WithName(fmt.Sprintf("bn%d_moving_var", idx))),
		mean:       make([]float32, ch),
		variance:   make([]float32, ch),
	}
	for i := range bn.variance {
		bn.variance[i] = 1
	}

	// 1 / (real rows * H * W)
	perValue, err := G.Mul(c.scale, G.NewConstant(float32(1/float64(shape[2]*shape[3]))))
	if err != nil {
		return nil, nil, err
	}

	channelMean := func(t *G.Node) (*G.Node, error) {
		masked, err := G.BroadcastHadamardProd(t, c.rowMask, nil, []byte{1, 2, 3})
		if err != nil {
			return nil, err
		}
		sum, err := G.Sum(masked, 0, 2, 3)
		if err != nil {
			return nil, err
		}
		return G.Mul(sum, perValue)
	}

	batchMean, err := channelMean(x)
	if err != nil {
		return nil, nil, errors.Wrap(err, "batch mean")
	}
	centered, err := G.BroadcastSub(x, G.Must(G.Reshape(batchMean, tensor.Shape{1, ch, 1, 1})), nil, []byte{0, 2, 3})
	if err != nil {
		return nil, nil, err
	}
	batchVar, err := channelMean(G.Must(G.Square(centered)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "batch variance")
	}

	// pick batch or moving statistics with the 0/1 mode input
	useMoving, err := G.Sub(G.NewConstant(float32(1)), c.useBatch)
	if err != nil {
		return nil, nil, err
	}
	mix := func(batch, moving *G.Node) (*G.Node, error) {
		return G.Add(G.Must(G.Mul(batch, c.useBatch)), G.Must(G.Mul(moving, useMoving)))
	}
	mean, err := mix(batchMean, bn.movingMean)
	if err != nil {
		return nil, nil, err
	}
	variance, err := mix(batchVar, bn.movingVar)
	if err != nil {
		return nil, nil, err
	}
	invStd, err := G.Inverse(G.Must(G.Sqrt(G.Must(G.Add(variance, G.NewConstant(float32(bnEpsilon)))))))
	if err != nil {
		return nil, nil, err
	}

	out, err := G.BroadcastSub(x, G.Must(G.Reshape(mean, tensor.Shape{1, ch, 1, 1})), nil, []byte{0, 2, 3})
	if err != nil {
		return nil, nil, err
	}
	if out, err = G.BroadcastHadamardProd(out, G.Must(G.Reshape(invStd, tensor.Shape{1, ch, 1, 1})), nil, []byte{0, 2, 3}); err != nil {
		return nil, nil, err
	}
	if out, err = G.BroadcastHadamardProd(out, bn.gamma, nil, []byte{0, 2, 3}); err != nil {
		return nil, nil, err
	}
	if out, err = G.BroadcastAdd(out, bn.beta, nil, []byte{0, 2, 3}); err != nil {
		return nil, nil, err
	}

	G.Read(batchMean, &bn.batchMeanVal)
	G.Read(batchVar, &bn.batchVarVal)
	return bn, out, nil
}

// bind feeds the moving statistics into the graph
func (bn *batchNorm) bind() error {
	mean := append([]float32(nil), bn.mean...)
	variance := append([]float32(nil), bn.variance...)
	if err := G.Let(bn.movingMean, tensor.New(tensor.WithShape(bn.channels), tensor.WithBacking(mean))); err != nil {
		return errors.Wrap(err, "bind moving mean")
	}
	if err := G.Let(bn.movingVar, tensor.New(tensor.WithShape(bn.channels), tensor.WithBacking(variance))); err != nil {
		return errors.Wrap(err, "bind moving variance")
	}
	return nil
}

// update folds the statistics of the last training batch into the moving
// averages
func (bn *batchNorm) update() {
	if bn.batchMeanVal == nil || bn.batchVarVal == nil {
		return
	}
	bm := bn.batchMeanVal.Data().([]float32)
	bv := bn.batchVarVal.Data().([]float32)
	for i := range bn.mean {
		bn.mean[i] = bnMomentum*bn.mean[i] + (1-bnMomentum)*bm[i]
		bn.variance[i] = bnMomentum*bn.variance[i] + (1-bnMomentum)*bv[i]
	}
}
