package rescale

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

func TestRescaleExample(t *testing.T) {
	anns := []types.Annotation{
		{FileName: "a.jpg", Width: 200, Height: 100, BBox: []float64{10, 10, 50, 20}, Name: "x", IDAnn: 1},
	}

	out, err := New(Config{TargetWidth: 100, TargetHeight: 50}).Rescale(anns)
	require.NoError(t, err)
	require.NotNil(t, out[0].Scaled)
	assert.Equal(t, []float64{5, 5, 25, 10}, out[0].Scaled.Slice())

	assert.Nil(t, anns[0].Scaled, "input must not be modified")
}

func TestRescaleSentinel(t *testing.T) {
	tests := []struct {
		name string
		bbox []float64
	}{
		{"nil", nil},
		{"nan", []float64{math.NaN(), 1, 2, 3}},
		{"inf", []float64{1, math.Inf(1), 2, 3}},
		{"short", []float64{1, 2, 3}},
		{"long", []float64{1, 2, 3, 4, 5}},
		{"empty", []float64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anns := []types.Annotation{{FileName: "a.jpg", Width: 10, Height: 10, BBox: tt.bbox}}
			out, err := New(Config{TargetWidth: 5, TargetHeight: 5}).Rescale(anns)
			require.NoError(t, err)
			assert.Nil(t, out[0].Scaled)
		})
	}
}

func TestRescaleRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w1, h1 := 640.0, 480.0
	w2, h2 := 224.0, 300.0

	for i := 0; i < 100; i++ {
		bbox := []float64{rng.Float64() * w1, rng.Float64() * h1, rng.Float64() * 100, rng.Float64() * 100}

		there := ScaleBox(bbox, w2/w1, h2/h1)
		require.NotNil(t, there)
		back := ScaleBox(there.Slice(), w1/w2, h1/h2)
		require.NotNil(t, back)

		assert.InDeltaSlice(t, bbox, back.Slice(), 1e-9)
	}
}

func TestRescaleNoAspectLock(t *testing.T) {
	box := ScaleBox([]float64{10, 10, 10, 10}, 2, 0.5)
	require.NotNil(t, box)
	assert.Equal(t, types.Box{X: 20, Y: 5, W: 20, H: 5}, *box)
}

func TestRescaleUniformRejectsMixedResolution(t *testing.T) {
	anns := []types.Annotation{
		{FileName: "a.jpg", Width: 200, Height: 100, BBox: []float64{1, 1, 1, 1}},
		{FileName: "b.jpg", Width: 400, Height: 100, BBox: []float64{1, 1, 1, 1}},
	}

	_, err := New(Config{TargetWidth: 100, TargetHeight: 50}).Rescale(anns)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMixedResolution))
}

func TestRescalePerRow(t *testing.T) {
	anns := []types.Annotation{
		{FileName: "a.jpg", Width: 200, Height: 100, BBox: []float64{10, 10, 50, 20}},
		{FileName: "b.jpg", Width: 400, Height: 200, BBox: []float64{20, 20, 100, 40}},
	}

	out, err := New(Config{TargetWidth: 100, TargetHeight: 50, Policy: PerRow}).Rescale(anns)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5, 25, 10}, out[0].Scaled.Slice())
	assert.Equal(t, []float64{5, 5, 25, 10}, out[1].Scaled.Slice())
}

func TestRescalePerRowInvalidSize(t *testing.T) {
	anns := []types.Annotation{
		{FileName: "a.jpg", Width: 200, Height: 100, BBox: []float64{10, 10, 50, 20}},
		{FileName: "c.jpg", Width: 0, Height: 80, BBox: []float64{1, 1, 1, 1}},
	}

	out, err := New(Config{TargetWidth: 100, TargetHeight: 50, Policy: PerRow}).Rescale(anns)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSize))
	assert.Contains(t, err.Error(), "c.jpg")
	assert.Nil(t, out)
}

func TestRescaleInvalidSizes(t *testing.T) {
	anns := []types.Annotation{{FileName: "a.jpg", Width: 0, Height: 100, BBox: []float64{1, 1, 1, 1}}}

	_, err := New(Config{TargetWidth: 100, TargetHeight: 50}).Rescale(anns)
	assert.True(t, errors.Is(err, ErrInvalidSize))

	_, err = New(Config{TargetWidth: 0, TargetHeight: 50}).Rescale(nil)
	assert.True(t, errors.Is(err, ErrInvalidSize))
}

func TestRescaleEmpty(t *testing.T) {
	out, err := New(Config{TargetWidth: 10, TargetHeight: 10}).Rescale(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("per-row")
	require.NoError(t, err)
	assert.Equal(t, PerRow, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Uniform, p)

	_, err = ParsePolicy("nearest")
	assert.Error(t, err)
}
