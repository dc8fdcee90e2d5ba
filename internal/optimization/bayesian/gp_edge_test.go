package bayesian

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/kernels"
	"github.com/copyleftdev/gpr/internal/optimization/testutil"
)

func TestGPEdgeCases(t *testing.T) {
	t.Run("high_dimensional_input", func(t *testing.T) {
		rng := rand.New(rand.NewSource(101))
		nSamples, nFeatures := 10, 50

		X := testutil.RandomMatrix(rng, nSamples, nFeatures, -1, 1)
		y := testutil.RandomVector(rng, nSamples, -1, 1)

		gp := NewGaussianGP(nFeatures, false)
		cfg := testConfig()
		cfg.MaxEpoch = 20
		_, err := gp.Fit(context.Background(), X, y, cfg)
		require.NoError(t, err, "should not error with high-dimensional input")
		require.NoError(t, gp.Prepare(X, y))

		XTest := testutil.RandomMatrix(rng, 1, nFeatures, -1, 1)
		mean, variance, err := gp.Predict(XTest)
		require.NoError(t, err, "prediction should succeed")
		assert.Equal(t, 1, mean.Len())
		assert.Equal(t, 1, variance.Len())
	})

	t.Run("large_number_of_samples", func(t *testing.T) {
		rng := rand.New(rand.NewSource(102))
		X, y := testutil.SineData(rng, 300, 3, 0.1)

		gp := NewGaussianGP(3, false, WithKernelOptions(kernels.WithWorkers(4)))
		require.NoError(t, gp.SetParams(fixedParams(0.01, 0, 1, 1)))
		require.NoError(t, gp.Prepare(X, y), "should handle a large training set")

		variance, err := gp.PredictVariance(X)
		require.NoError(t, err)
		for i := 0; i < variance.Len(); i++ {
			assert.Less(t, variance.AtVec(i), 0.1, "training points are well determined")
		}
	})

	t.Run("extreme_kernel_parameters", func(t *testing.T) {
		tests := []struct {
			name      string
			width     float64
			amplitude float64
		}{
			{"very_small_length_scale", 1e-8, 1.0},
			{"very_large_length_scale", 1e8, 1.0},
			{"very_small_variance", 1.0, 1e-10},
			{"very_large_variance", 1.0, 1e10},
		}

		X := mat.NewDense(5, 2, []float64{
			0, 0,
			1, 1,
			2, 2,
			3, 3,
			4, 4,
		})
		y := mat.NewVecDense(5, []float64{0, 1, 0.5, -1, 0})
		XTest := mat.NewDense(1, 2, []float64{1.5, 1.5})

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				gp := NewGaussianGP(2, false)
				require.NoError(t, gp.SetParams(fixedParams(1e-6, 0, tt.width, tt.amplitude)))
				require.NoError(t, gp.Prepare(X, y), "should factorize with %s", tt.name)

				mean, variance, err := gp.Predict(XTest)
				require.NoError(t, err)
				assert.False(t, math.IsNaN(mean.AtVec(0)))
				assert.False(t, math.IsInf(mean.AtVec(0), 0))
				assert.GreaterOrEqual(t, variance.AtVec(0), 0.0)
			})
		}
	})

	t.Run("duplicate_points", func(t *testing.T) {
		X := mat.NewDense(6, 1, []float64{0, 0, 1, 1, 2, 2})
		y := mat.NewVecDense(6, []float64{0.1, -0.1, 0.9, 1.1, 0.2, 0.0})

		gp := NewGaussianGP(1, false)
		_, err := gp.Fit(context.Background(), X, y, testConfig())
		require.NoError(t, err, "repeated inputs must not break the fit")
		require.NoError(t, gp.Prepare(X, y))

		mean, err := gp.PredictMean(X, mat.NewDense(1, 1, []float64{1}))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, mean.AtVec(0), -0.1)
		assert.LessOrEqual(t, mean.AtVec(0), 1.1)
	})

	t.Run("different_kernel_types", func(t *testing.T) {
		rng := rand.New(rand.NewSource(103))
		X, y := testutil.SineData(rng, 40, 2, 0.05)

		tests := []struct {
			name   string
			kernel kernels.Kernel
		}{
			{"gaussian", kernels.NewGaussian(2, false)},
			{"matern52", kernels.NewMatern52(2, false)},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				gp := NewGP(tt.kernel, nil, nil)
				_, err := gp.Fit(context.Background(), X, y, testConfig())
				require.NoError(t, err, "%s kernel should fit successfully", tt.name)
				require.NoError(t, gp.Prepare(X, y))

				XTest := mat.NewDense(1, 2, []float64{0.5, 0.5})
				mean, variance, err := gp.Predict(XTest)
				require.NoError(t, err)
				assert.InDelta(t, 2*math.Sin(1), mean.AtVec(0), 0.5, "%s kernel: mean", tt.name)
				assert.GreaterOrEqual(t, variance.AtVec(0), 0.0, "%s kernel: variance should be non-negative", tt.name)
			})
		}
	})

	t.Run("optimization_failure_keeps_model", func(t *testing.T) {
		X := mat.NewDense(3, 1, []float64{0, 1, 2})
		y := mat.NewVecDense(3, []float64{0, 1, 0})

		gp := NewGaussianGP(1, false)
		before := fixedParams(0.01, 0, 1, 1)
		require.NoError(t, gp.SetParams(before))

		_, err := gp.Fit(context.Background(), X, y, optimization.OptimizerConfig{Method: "newton"})
		require.Error(t, err)
		assert.Equal(t, before, gp.Params(), "a failed fit leaves the parameters untouched")
	})
}

func TestGPSamplingEdgeCases(t *testing.T) {
	t.Run("sample_at_training_points", func(t *testing.T) {
		// Negligible noise leaves a near-singular posterior covariance at
		// the training inputs.
		rng := rand.New(rand.NewSource(104))
		X, y := testutil.SineData(rng, 5, 2, 0)

		gp := NewGaussianGP(2, false)
		require.NoError(t, gp.SetParams(fixedParams(1e-10, 0, 1, 1)))
		require.NoError(t, gp.Prepare(X, y))

		samples, err := gp.Sample(X, 3, rand.New(rand.NewSource(42)))
		require.NoError(t, err, "should sample from a degenerate posterior")

		nPoints, nSamples := samples.Dims()
		assert.Equal(t, 5, nPoints, "number of points should match input rows")
		assert.Equal(t, 3, nSamples, "should return 3 samples")
		for i := 0; i < nPoints; i++ {
			for j := 0; j < nSamples; j++ {
				assert.InDelta(t, y.AtVec(i), samples.At(i, j), 0.05)
			}
		}
	})

	t.Run("sample_from_posterior", func(t *testing.T) {
		X := mat.NewDense(5, 2, []float64{
			0, 0,
			1, 1,
			2, 2,
			3, 3,
			4, 4,
		})
		y := mat.NewVecDense(5, []float64{0, 1, 0.5, -1, 0})
		XTest := mat.NewDense(3, 2, []float64{
			0.5, 0.5,
			1.5, 1.5,
			2.5, 2.5,
		})

		gp := NewGaussianGP(2, false)
		require.NoError(t, gp.SetParams(fixedParams(1e-4, 0, 1, 1)))
		require.NoError(t, gp.Prepare(X, y))

		rng := rand.New(rand.NewSource(42))
		samples, err := gp.Sample(XTest, 2000, rng)
		require.NoError(t, err, "should sample from posterior")
		rows, cols := samples.Dims()
		assert.Equal(t, 3, rows)
		assert.Equal(t, 2000, cols)

		// Sample moments approach the analytic posterior.
		mean, variance, err := gp.Predict(XTest)
		require.NoError(t, err)
		for i := 0; i < rows; i++ {
			row := mat.Row(nil, i, samples)
			var m, v float64
			for _, s := range row {
				m += s
			}
			m /= float64(cols)
			for _, s := range row {
				v += (s - m) * (s - m)
			}
			v /= float64(cols - 1)
			sd := math.Sqrt(variance.AtVec(i))
			assert.InDelta(t, mean.AtVec(i), m, 4*sd/math.Sqrt(float64(cols))+1e-9)
			assert.InDelta(t, variance.AtVec(i), v, 0.2*variance.AtVec(i)+1e-9)
		}
	})
}
