package bayesian

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/kernels"
	"github.com/copyleftdev/gpr/internal/optimization/likelihoods"
	"github.com/copyleftdev/gpr/internal/optimization/means"
	"github.com/copyleftdev/gpr/internal/optimization/testutil"
)

func testConfig() optimization.OptimizerConfig {
	return optimization.OptimizerConfig{
		MaxEpoch:          200,
		NumInitCandidates: 10,
		RandomSeed:        1,
	}
}

// fixedParams returns [noise_log, mean, log_width, log_amplitude] for a
// non-ARD Gaussian kernel.
func fixedParams(noise, mean, width, amplitude float64) []float64 {
	return []float64{0.5 * math.Log(noise), mean, math.Log(width), 0.5 * math.Log(amplitude)}
}

func TestGPStateMachine(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	y := mat.NewVecDense(3, []float64{1, 2, 1})
	gp := NewGaussianGP(1, false)

	assert.Equal(t, StateUninitialized, gp.State())
	assert.Nil(t, gp.Params())

	err := gp.Prepare(x, y)
	assert.ErrorIs(t, err, optimization.ErrNotFitted)

	_, err = gp.PredictMean(x, x)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared)
	_, err = gp.PredictVariance(x)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared)
	_, _, err = gp.NegativeLogMarginalLikelihood(x, y)
	assert.ErrorIs(t, err, optimization.ErrNotFitted)

	require.NoError(t, gp.SetParams(fixedParams(0.01, 0, 1, 1)))
	assert.Equal(t, StateFitted, gp.State())

	_, err = gp.PredictMean(x, x)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared, "parameters alone are not enough to predict")

	require.NoError(t, gp.Prepare(x, y))
	assert.Equal(t, StatePrepared, gp.State())
	_, err = gp.PredictMean(x, x)
	require.NoError(t, err)

	// Setting parameters drops the cached factorization.
	require.NoError(t, gp.SetParams(fixedParams(0.02, 0, 1, 1)))
	assert.Equal(t, StateFitted, gp.State())
	_, err = gp.PredictVariance(x)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared)
	assert.Equal(t, "fitted", gp.State().String())
}

func TestGPSetParamsLength(t *testing.T) {
	gp := NewGaussianGP(3, true)
	assert.Equal(t, 1+1+4, gp.Layout().Len())

	err := gp.SetParams([]float64{1, 2, 3})
	assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
	assert.Equal(t, StateUninitialized, gp.State())
}

func TestGPFitShapeErrors(t *testing.T) {
	gp := NewGaussianGP(2, false)
	ctx := context.Background()

	tests := []struct {
		name string
		x    *mat.Dense
		y    *mat.VecDense
	}{
		{"nil input", nil, nil},
		{"row mismatch", mat.NewDense(3, 2, nil), mat.NewVecDense(2, nil)},
		{"column mismatch", mat.NewDense(3, 3, nil), mat.NewVecDense(3, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gp.Fit(ctx, tt.x, tt.y, testConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
			assert.Equal(t, StateUninitialized, gp.State())
		})
	}
}

func TestGPMatchesClosedFormPosterior(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x, y := testutil.SineData(rng, 10, 2, 0.1)
	xs := testutil.RandomMatrix(rng, 4, 2, -2, 2)

	gp := NewGaussianGP(2, false)
	params := fixedParams(0.05, 0.3, 0.8, 1.5)
	require.NoError(t, gp.SetParams(params))
	require.NoError(t, gp.Prepare(x, y))

	mean, err := gp.PredictMean(x, xs)
	require.NoError(t, err)
	variance, err := gp.PredictVariance(xs)
	require.NoError(t, err)

	// Explicit posterior: K⁻¹ computed directly.
	cov := params[2:]
	kernel := gp.Kernel()
	kxx, err := kernel.SymMatrix(x, cov)
	require.NoError(t, err)
	k := mat.DenseCopyOf(kxx)
	for i := 0; i < 10; i++ {
		k.Set(i, i, k.At(i, i)+0.05)
	}
	var kinv mat.Dense
	require.NoError(t, kinv.Inverse(k))
	ksx, err := kernel.Matrix(xs, x, cov)
	require.NoError(t, err)

	r := mat.NewVecDense(10, nil)
	for i := 0; i < 10; i++ {
		r.SetVec(i, y.AtVec(i)-0.3)
	}
	var a mat.VecDense
	a.MulVec(&kinv, r)

	for i := 0; i < 4; i++ {
		row := ksx.RowView(i)
		assert.InDelta(t, 0.3+mat.Dot(row, &a), mean.AtVec(i), 1e-8)
		want := 1.5 - mat.Inner(row, &kinv, row)
		assert.InDelta(t, math.Max(0, want), variance.AtVec(i), 1e-8)
	}
}

func TestGPFitAndPredict(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x, y := testutil.SineData(rng, 60, 1, 0.05)
	xTest, yTest := testutil.SineData(rng, 30, 1, 0)

	gp := NewGaussianGP(1, false)
	result, err := gp.Fit(context.Background(), x, y, testConfig())
	require.NoError(t, err)
	require.NotNil(t, result.BestSolution)
	assert.Equal(t, StateFitted, gp.State())
	assert.Equal(t, result.BestSolution.Parameters, gp.Params())

	require.NoError(t, gp.Prepare(x, y))

	// Training points are reproduced to within the noise level.
	fitted, err := gp.PredictMean(x, x)
	require.NoError(t, err)
	var sse float64
	for i := 0; i < y.Len(); i++ {
		d := fitted.AtVec(i) - y.AtVec(i)
		sse += d * d
	}
	assert.Less(t, math.Sqrt(sse/float64(y.Len())), 0.15)

	// Held-out error is a small fraction of the signal variance.
	mean, variance, err := gp.Predict(xTest)
	require.NoError(t, err)
	var mse float64
	for i := 0; i < yTest.Len(); i++ {
		d := mean.AtVec(i) - yTest.AtVec(i)
		mse += d * d
		assert.GreaterOrEqual(t, variance.AtVec(i), 0.0)
	}
	mse /= float64(yTest.Len())
	assert.Less(t, mse, 0.25*stat.Variance(yTest.RawVector().Data, nil))

	// The refinement trace never goes uphill.
	for i := 1; i < len(result.Trace); i++ {
		if result.Trace[i].Restart == result.Trace[i-1].Restart {
			assert.LessOrEqual(t, result.Trace[i].Value, result.Trace[i-1].Value)
		}
	}

	nlml, err := gp.PreparedNLML()
	require.NoError(t, err)
	assert.InDelta(t, result.BestSolution.Value, nlml, 1e-8)
}

func TestGPFitARD(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	x, y := testutil.SineData(rng, 25, 3, 0.1)

	gp := NewGaussianGP(3, false)
	cfg := testConfig()
	cfg.ARD = true
	cfg.MaxEpoch = 30

	_, err := gp.Fit(context.Background(), x, y, cfg)
	require.NoError(t, err)
	assert.True(t, gp.Kernel().ARD())
	assert.Len(t, gp.Params(), 1+1+3+1)
}

func TestGPFitReplaysZeroSeed(t *testing.T) {
	// Enough rows that the data statistics subsample pairs with the seed.
	rng := rand.New(rand.NewSource(11))
	X, y := testutil.SineData(rng, 80, 1, 0.1)

	cfg := testConfig()
	cfg.RandomSeed = 0
	cfg.MaxEpoch = 30

	first, err := NewGaussianGP(1, false).Fit(context.Background(), X, y, cfg)
	require.NoError(t, err)
	require.NotZero(t, first.RandomSeed, "a zero seed is resolved before the fit")

	cfg.RandomSeed = first.RandomSeed
	replay, err := NewGaussianGP(1, false).Fit(context.Background(), X, y, cfg)
	require.NoError(t, err)
	assert.Equal(t, first.RandomSeed, replay.RandomSeed)
	assert.Equal(t, first.BestSolution.Parameters, replay.BestSolution.Parameters)
	assert.Equal(t, first.BestSolution.Value, replay.BestSolution.Value)
}

func TestGPFitCancelled(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	x, y := testutil.SineData(rng, 10, 1, 0.1)
	gp := NewGaussianGP(1, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gp.Fit(ctx, x, y, testConfig())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateUninitialized, gp.State())
}

func TestGPParamsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	x, y := testutil.SineData(rng, 40, 2, 0.1)
	xTest := testutil.RandomMatrix(rng, 10, 2, -2, 2)

	original := NewGaussianGP(2, false)
	cfg := testConfig()
	cfg.MaxEpoch = 50
	_, err := original.Fit(context.Background(), x, y, cfg)
	require.NoError(t, err)
	require.NoError(t, original.Prepare(x, y))
	wantMean, wantVar, err := original.Predict(xTest)
	require.NoError(t, err)

	restored := NewGaussianGP(2, false)
	require.NoError(t, restored.SetParams(original.Params()))
	require.NoError(t, restored.Prepare(x, y))
	gotMean, err := restored.PredictMean(x, xTest)
	require.NoError(t, err)
	gotVar, err := restored.PredictVariance(xTest)
	require.NoError(t, err)

	testutil.AssertFloat64SlicesEqual(t, gotMean.RawVector().Data, wantMean.RawVector().Data, 1e-12)
	testutil.AssertFloat64SlicesEqual(t, gotVar.RawVector().Data, wantVar.RawVector().Data, 1e-12)
}

func TestGPSnapshotRestore(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	x, y := testutil.SineData(rng, 15, 2, 0.1)
	xTest := testutil.RandomMatrix(rng, 5, 2, -2, 2)

	gp := NewGP(kernels.NewMatern52(2, true), means.Constant{}, likelihoods.Gaussian{})
	_, err := gp.Snapshot()
	assert.ErrorIs(t, err, optimization.ErrNotFitted)

	require.NoError(t, gp.SetParams([]float64{-2, 0.1, 0.2, -0.1, 0.3}))
	require.NoError(t, gp.Prepare(x, y))
	want, _, err := gp.Predict(xTest)
	require.NoError(t, err)

	snap, err := gp.Snapshot()
	require.NoError(t, err)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	restored, err := Restore(decoded)
	require.NoError(t, err)
	assert.Equal(t, StateFitted, restored.State())
	require.NoError(t, restored.Prepare(x, y))

	got, _, err := restored.Predict(xTest)
	require.NoError(t, err)
	testutil.AssertFloat64SlicesEqual(t, got.RawVector().Data, want.RawVector().Data, 1e-12)

	_, err = Restore(Snapshot{Kernel: "periodic", Dims: 2})
	assert.Error(t, err)
	_, err = Restore(Snapshot{Kernel: "gaussian", Dims: 2, Params: []float64{1}})
	assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
}

func TestGPSingleTrainingPoint(t *testing.T) {
	x := mat.NewDense(1, 2, []float64{0.5, -0.5})
	y := mat.NewVecDense(1, []float64{2})

	gp := NewGaussianGP(2, false)
	require.NoError(t, gp.SetParams(fixedParams(1e-4, 0, 1, 1)))
	require.NoError(t, gp.Prepare(x, y))

	xTest := mat.NewDense(2, 2, []float64{0.5, -0.5, 3, 3})
	mean, variance, err := gp.Predict(xTest)
	require.NoError(t, err)

	assert.InDelta(t, 2, mean.AtVec(0), 1e-3)
	assert.InDelta(t, 0, mean.AtVec(1), 1e-3, "far from data the prior mean returns")
	for i := 0; i < 2; i++ {
		assert.False(t, math.IsNaN(variance.AtVec(i)))
		assert.GreaterOrEqual(t, variance.AtVec(i), 0.0)
	}

	_, err = gp.Fit(context.Background(), x, y, testConfig())
	require.NoError(t, err)
}

func TestGPPredictMeanRequiresPreparedSet(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	y := mat.NewVecDense(3, []float64{1, 2, 1})
	gp := NewGaussianGP(1, false)
	require.NoError(t, gp.SetParams(fixedParams(0.01, 0, 1, 1)))
	require.NoError(t, gp.Prepare(x, y))

	other := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	_, err := gp.PredictMean(other, x)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared)

	_, err = gp.PredictMean(nil, x)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared)

	_, err = gp.PredictMean(x, mat.NewDense(1, 2, nil))
	assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
}

func TestGPPredictCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	x, y := testutil.SineData(rng, 12, 1, 0.1)
	xTest := testutil.RandomMatrix(rng, 6, 1, -3, 3)

	gp := NewGaussianGP(1, false)
	require.NoError(t, gp.SetParams(fixedParams(0.01, 0, 0.7, 1)))
	require.NoError(t, gp.Prepare(x, y))

	cov, err := gp.PredictCovariance(xTest)
	require.NoError(t, err)
	variance, err := gp.PredictVariance(xTest)
	require.NoError(t, err)

	require.Equal(t, 6, cov.SymmetricDim())
	for i := 0; i < 6; i++ {
		assert.InDelta(t, variance.AtVec(i), cov.At(i, i), 1e-10)
		for j := 0; j < 6; j++ {
			assert.Equal(t, cov.At(i, j), cov.At(j, i))
		}
	}
}

func TestGPVarianceIsNonNegative(t *testing.T) {
	// Repeated inputs and negligible noise push the subtraction below zero
	// in floating point.
	x := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})
	y := mat.NewVecDense(6, []float64{0, 0, 0, 1, 1, 1})
	gp := NewGaussianGP(1, false)
	require.NoError(t, gp.SetParams(fixedParams(1e-14, 0.5, 2, 10)))
	require.NoError(t, gp.Prepare(x, y))

	variance, err := gp.PredictVariance(x)
	require.NoError(t, err)
	for i := 0; i < variance.Len(); i++ {
		assert.GreaterOrEqual(t, variance.AtVec(i), 0.0)
	}
}

func TestGPSampling(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	y := mat.NewVecDense(3, []float64{1, 2, 1})

	gp := NewGaussianGP(1, false)
	require.NoError(t, gp.SetParams(fixedParams(1e-2, 0, 1, 1)))
	require.NoError(t, gp.Prepare(x, y))

	// Generate samples with a fixed seed for reproducibility
	rng := rand.New(rand.NewSource(42))
	xTest := mat.NewDense(4, 1, []float64{0, 1.5, 2.5, 4})
	samples, err := gp.Sample(xTest, 5, rng)
	require.NoError(t, err)

	// Rows are test points, columns are samples.
	nPoints, nSamples := samples.Dims()
	assert.Equal(t, 4, nPoints)
	assert.Equal(t, 5, nSamples)

	// Check that samples are different
	for i := 1; i < nSamples; i++ {
		same := true
		for j := 0; j < nPoints; j++ {
			if samples.At(j, i) != samples.At(j, 0) {
				same = false
				break
			}
		}
		assert.False(t, same, "samples should be different")
	}

	_, err = gp.Sample(xTest, 0, rng)
	assert.Error(t, err)

	unprepared := NewGaussianGP(1, false)
	_, err = unprepared.Sample(xTest, 1, rng)
	assert.ErrorIs(t, err, optimization.ErrNotPrepared)
}

func TestGPNegativeLogMarginalLikelihood(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	x, y := testutil.SineData(rng, 10, 2, 0.1)

	gp := NewGaussianGP(2, false)
	params := fixedParams(0.05, 0, 1, 1)
	require.NoError(t, gp.SetParams(params))

	value, grad, err := gp.NegativeLogMarginalLikelihood(x, y)
	require.NoError(t, err)
	assert.Len(t, grad, len(params))

	kernel := gp.Kernel()
	assert.InDelta(t, explicitNLML(t, kernel, x, y, params), value, 1e-9)
}
