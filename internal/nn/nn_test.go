package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

const gradStep = 1e-6

func newTestRNG() *rand.Rand {
	return rand.New(rand.NewPCG(7, 7))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// checkGradients compares the analytic gradients of L = <layer(x), w> with
// central differences, for the input and for every parameter.
func checkGradients(t *testing.T, layer Layer, x *tensor.Tensor, rng *rand.Rand) {
	t.Helper()

	out, err := layer.Forward(x)
	require.NoError(t, err)
	w := tensor.RandN(rng, out.Shape()...)

	for _, p := range layer.Parameters() {
		p.ZeroGrad()
	}
	dx, err := layer.Backward(w)
	require.NoError(t, err)

	analyticInput := append([]float64(nil), dx.Data()...)
	analyticParams := make([][]float64, 0)
	for _, p := range layer.Parameters() {
		analyticParams = append(analyticParams, append([]float64(nil), p.Grad...))
	}

	loss := func() float64 {
		o, err := layer.Forward(x)
		require.NoError(t, err)
		return dot(o.Data(), w.Data())
	}
	numeric := func(values []float64, i int) float64 {
		orig := values[i]
		values[i] = orig + gradStep
		plus := loss()
		values[i] = orig - gradStep
		minus := loss()
		values[i] = orig
		return (plus - minus) / (2 * gradStep)
	}

	for i := range x.Data() {
		want := numeric(x.Data(), i)
		assert.InDelta(t, want, analyticInput[i], 1e-4+1e-4*math.Abs(want), "input %d", i)
	}
	for pi, p := range layer.Parameters() {
		for i := range p.Value {
			want := numeric(p.Value, i)
			assert.InDelta(t, want, analyticParams[pi][i], 1e-4+1e-4*math.Abs(want), "%s[%d]", p.Name, i)
		}
	}
}

func TestConv2dOutputShape(t *testing.T) {
	rng := newTestRNG()
	conv := NewConv2d("enc", 3, 5, 4, 2, 1, rng)

	out, err := conv.Forward(tensor.RandN(rng, 2, 3, 16, 16))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8, 8}, out.Shape())

	proj := NewConv2d("mu", 5, 7, 4, 1, 0, rng)
	out, err = proj.Forward(tensor.RandN(rng, 2, 5, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7, 1, 1}, out.Shape())
}

func TestConv2dMatchesDirectConvolution(t *testing.T) {
	rng := newTestRNG()
	conv := NewConv2d("enc", 2, 3, 4, 2, 1, rng)
	for i := range conv.Bias.Value {
		conv.Bias.Value[i] = rng.NormFloat64()
	}
	x := tensor.RandN(rng, 1, 2, 6, 6)

	out, err := conv.Forward(x)
	require.NoError(t, err)

	w, err := tensor.New([]int{3, 2, 4, 4}, conv.Weight.Value)
	require.NoError(t, err)
	for o := 0; o < 3; o++ {
		for y := 0; y < 3; y++ {
			for xx := 0; xx < 3; xx++ {
				want := conv.Bias.Value[o]
				for c := 0; c < 2; c++ {
					for ki := 0; ki < 4; ki++ {
						for kj := 0; kj < 4; kj++ {
							iy, ix := y*2-1+ki, xx*2-1+kj
							if iy < 0 || iy >= 6 || ix < 0 || ix >= 6 {
								continue
							}
							want += w.At(o, c, ki, kj) * x.At(0, c, iy, ix)
						}
					}
				}
				assert.InDelta(t, want, out.At(0, o, y, xx), 1e-9)
			}
		}
	}
}

func TestConvTransposeIsAdjointOfConv(t *testing.T) {
	rng := newTestRNG()
	conv := NewConv2d("enc", 2, 3, 4, 2, 1, rng)
	deconv := NewConvTranspose2d("dec", 3, 2, 4, 2, 1, rng)
	copy(deconv.Weight.Value, conv.Weight.Value)

	x := tensor.RandN(rng, 1, 2, 8, 8)
	y := tensor.RandN(rng, 1, 3, 4, 4)

	cx, err := conv.Forward(x)
	require.NoError(t, err)
	ty, err := deconv.Forward(y)
	require.NoError(t, err)
	require.Equal(t, x.Shape(), ty.Shape())

	assert.InDelta(t, dot(cx.Data(), y.Data()), dot(x.Data(), ty.Data()), 1e-9)
}

func TestConvTransposeOutputShape(t *testing.T) {
	rng := newTestRNG()

	first := NewConvTranspose2d("dec", 6, 4, 4, 1, 0, rng)
	out, err := first.Forward(tensor.RandN(rng, 3, 6, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4, 4}, out.Shape())

	up := NewConvTranspose2d("up", 4, 2, 4, 2, 1, rng)
	out, err = up.Forward(out)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 8, 8}, out.Shape())
}

func TestKaimingInitialization(t *testing.T) {
	rng := newTestRNG()
	conv := NewConv2d("enc", 16, 32, 4, 2, 1, rng)

	mean, sq := 0.0, 0.0
	for _, v := range conv.Weight.Value {
		mean += v
		sq += v * v
	}
	n := float64(conv.Weight.Len())
	mean /= n
	std := math.Sqrt(sq/n - mean*mean)

	assert.InDelta(t, 0, mean, 0.01)
	assert.InDelta(t, math.Sqrt(2.0/float64(32*16)), std, 0.005)
	for _, v := range conv.Bias.Value {
		assert.Zero(t, v)
	}
}

func TestConvGradients(t *testing.T) {
	rng := newTestRNG()

	t.Run("strided conv", func(t *testing.T) {
		checkGradients(t, NewConv2d("enc", 2, 3, 4, 2, 1, rng), tensor.RandN(rng, 2, 2, 8, 8), rng)
	})
	t.Run("projection conv", func(t *testing.T) {
		checkGradients(t, NewConv2d("mu", 3, 2, 4, 1, 0, rng), tensor.RandN(rng, 2, 3, 4, 4), rng)
	})
	t.Run("strided transpose", func(t *testing.T) {
		checkGradients(t, NewConvTranspose2d("dec", 3, 2, 4, 2, 1, rng), tensor.RandN(rng, 2, 3, 4, 4), rng)
	})
	t.Run("latent transpose", func(t *testing.T) {
		checkGradients(t, NewConvTranspose2d("z", 3, 2, 4, 1, 0, rng), tensor.RandN(rng, 2, 3, 1, 1), rng)
	})
}

func TestBatchNormGradients(t *testing.T) {
	rng := newTestRNG()
	bn := NewBatchNorm2d("bn", 3, 0.1, 1e-5)
	for i := range bn.Gamma.Value {
		bn.Gamma.Value[i] = 0.5 + rng.Float64()
		bn.Beta.Value[i] = rng.NormFloat64()
	}

	checkGradients(t, bn, tensor.RandN(rng, 4, 3, 2, 2), rng)

	bn.SetTraining(false)
	checkGradients(t, bn, tensor.RandN(rng, 4, 3, 2, 2), rng)
}

func TestActivationGradients(t *testing.T) {
	rng := newTestRNG()
	checkGradients(t, NewReLU(), tensor.RandN(rng, 2, 2, 3, 3), rng)
	checkGradients(t, NewTanh(), tensor.RandN(rng, 2, 2, 3, 3), rng)
}

func TestBatchNormTrainingStatistics(t *testing.T) {
	rng := newTestRNG()
	bn := NewBatchNorm2d("bn", 2, 0.1, 1e-5)

	x := tensor.RandN(rng, 8, 2, 4, 4)
	for i, v := range x.Data() {
		x.Data()[i] = 3*v + 5
	}
	out, err := bn.Forward(x)
	require.NoError(t, err)

	for ch := 0; ch < 2; ch++ {
		var vals []float64
		for b := 0; b < 8; b++ {
			vals = append(vals, out.Sample(b)[ch*16:(ch+1)*16]...)
		}
		mean, sq := 0.0, 0.0
		for _, v := range vals {
			mean += v
			sq += v * v
		}
		mean /= float64(len(vals))
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, sq/float64(len(vals))-mean*mean, 1e-3)

		assert.InDelta(t, 0.5, bn.RunningMean.Value[ch], 0.1)
		assert.Greater(t, bn.RunningVar.Value[ch], 1.0)
	}
}

func TestBatchNormEvalDoesNotMutateBuffers(t *testing.T) {
	rng := newTestRNG()
	bn := NewBatchNorm2d("bn", 2, 0.1, 1e-5)
	bn.RunningMean.Value[0] = 1.5
	bn.RunningVar.Value[1] = 4
	bn.SetTraining(false)

	x := tensor.RandN(rng, 3, 2, 2, 2)
	first, err := bn.Forward(x)
	require.NoError(t, err)
	second, err := bn.Forward(x)
	require.NoError(t, err)

	assert.Equal(t, first.Data(), second.Data())
	assert.Equal(t, []float64{1.5, 0}, bn.RunningMean.Value)
	assert.Equal(t, []float64{1, 4}, bn.RunningVar.Value)
	assert.InDelta(t, (x.At(0, 0, 0, 0)-1.5)/math.Sqrt(1+1e-5), first.At(0, 0, 0, 0), 1e-12)
}

func TestTanhRange(t *testing.T) {
	rng := newTestRNG()
	x := tensor.RandN(rng, 2, 3, 4, 4)
	for i := range x.Data() {
		x.Data()[i] *= 50
	}

	out, err := NewTanh().Forward(x)
	require.NoError(t, err)
	for _, v := range out.Data() {
		assert.LessOrEqual(t, math.Abs(v), 1.0)
	}
}

func TestLayerShapeErrors(t *testing.T) {
	rng := newTestRNG()
	conv := NewConv2d("enc", 3, 4, 4, 2, 1, rng)

	_, err := conv.Forward(tensor.RandN(rng, 2, 1, 8, 8))
	assert.ErrorIs(t, err, errors.ErrInvalidShape)

	_, err = conv.Forward(tensor.RandN(rng, 3, 8, 8))
	assert.ErrorIs(t, err, errors.ErrInvalidShape)

	fresh := NewConv2d("enc", 3, 4, 4, 2, 1, rng)
	_, err = fresh.Backward(tensor.Zeros(2, 4, 4, 4))
	assert.ErrorIs(t, err, errors.ErrInternal)

	_, err = conv.Forward(tensor.RandN(rng, 2, 3, 8, 8))
	require.NoError(t, err)
	_, err = conv.Backward(tensor.Zeros(2, 4, 2, 2))
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestParameterRestore(t *testing.T) {
	p := NewParameter("enc.weight", 2, 3)
	p.Fill(2)
	snap := p.Snapshot()
	p.Fill(0)

	require.NoError(t, p.Restore(snap))
	assert.Equal(t, []float64{2, 2, 2, 2, 2, 2}, p.Value)

	snap.Name = "dec.weight"
	assert.Error(t, p.Restore(snap))

	snap.Name = "enc.weight"
	snap.Data = snap.Data[:2]
	assert.Error(t, p.Restore(snap))
}
