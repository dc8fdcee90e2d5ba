package bayesian

import (
	"github.com/copyleftdev/gpr/internal/optimization"
)

// Layout records how many hyperparameters each function object owns. The
// flat vector is ordered likelihood, mean, covariance.
type Layout struct {
	Likelihood int
	Mean       int
	Covariance int
}

// Len returns the total number of hyperparameters.
func (l Layout) Len() int { return l.Likelihood + l.Mean + l.Covariance }

// Split returns read-only views of the three blocks of params.
func (l Layout) Split(params []float64) (lik, mean, cov []float64) {
	m0 := l.Likelihood
	c0 := m0 + l.Mean
	return params[:m0:m0], params[m0:c0:c0], params[c0:l.Len():l.Len()]
}

// ParameterVector is the flat hyperparameter vector of a GP model.
type ParameterVector struct {
	layout Layout
	values []float64
}

// NewParameterVector returns a zero vector with the given layout.
func NewParameterVector(layout Layout) *ParameterVector {
	return &ParameterVector{
		layout: layout,
		values: make([]float64, layout.Len()),
	}
}

// Layout returns the block sizes of the vector.
func (p *ParameterVector) Layout() Layout { return p.layout }

// Len returns the number of hyperparameters.
func (p *ParameterVector) Len() int { return len(p.values) }

// Values returns a copy of the flat vector.
func (p *ParameterVector) Values() []float64 {
	return append([]float64(nil), p.values...)
}

// SetValues replaces the vector with a copy of values.
func (p *ParameterVector) SetValues(values []float64) error {
	if len(values) != len(p.values) {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"parameter vector has length %d, got %d", len(p.values), len(values)).
			WithComponent("gaussian_process").WithOperation("ParameterVector.SetValues")
	}
	copy(p.values, values)
	return nil
}

// Likelihood returns the likelihood block. The slice must not be modified.
func (p *ParameterVector) Likelihood() []float64 {
	lik, _, _ := p.layout.Split(p.values)
	return lik
}

// Mean returns the mean block. The slice must not be modified.
func (p *ParameterVector) Mean() []float64 {
	_, mean, _ := p.layout.Split(p.values)
	return mean
}

// Covariance returns the covariance block. The slice must not be modified.
func (p *ParameterVector) Covariance() []float64 {
	_, _, cov := p.layout.Split(p.values)
	return cov
}

// Clone returns an independent copy.
func (p *ParameterVector) Clone() *ParameterVector {
	return &ParameterVector{layout: p.layout, values: p.Values()}
}
