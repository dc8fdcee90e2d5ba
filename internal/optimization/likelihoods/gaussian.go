// Package likelihoods provides observation models for Gaussian process
// regression.
package likelihoods

import (
	"math"

	"github.com/copyleftdev/gpr/internal/optimization"
)

// Likelihood maps its hyperparameters to the observation noise variance
// added to the diagonal of the training covariance.
type Likelihood interface {
	Name() string
	NumParams() int
	// NoiseVariance returns σ².
	NoiseVariance(params []float64) (float64, error)
	// Gradient returns ∂σ²/∂θₚ for every hyperparameter.
	Gradient(params []float64) ([]float64, error)
	InitRanges(stats optimization.DataStats) [][2]float64
}

// Gaussian is i.i.d. Gaussian noise with σ² = exp(2θ).
type Gaussian struct{}

func (Gaussian) Name() string { return "gaussian" }

func (Gaussian) NumParams() int { return 1 }

func (g Gaussian) NoiseVariance(params []float64) (float64, error) {
	if err := g.check(params, "NoiseVariance"); err != nil {
		return 0, err
	}
	return math.Exp(2 * params[0]), nil
}

func (g Gaussian) Gradient(params []float64) ([]float64, error) {
	if err := g.check(params, "Gradient"); err != nil {
		return nil, err
	}
	return []float64{2 * math.Exp(2*params[0])}, nil
}

// InitRanges spans the noise variance from 1e-4 to 0.5 times the target
// variance.
func (Gaussian) InitRanges(stats optimization.DataStats) [][2]float64 {
	v := stats.TargetVariance
	if v <= 0 {
		v = 1
	}
	return [][2]float64{{0.5 * math.Log(1e-4*v), 0.5 * math.Log(0.5*v)}}
}

func (g Gaussian) check(params []float64, op string) error {
	if len(params) != g.NumParams() {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"gaussian likelihood expects 1 parameter, got %d", len(params)).
			WithComponent("likelihoods").WithOperation(op)
	}
	return nil
}
