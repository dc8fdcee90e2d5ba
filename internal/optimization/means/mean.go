// Package means provides prior mean functions for Gaussian process models.
package means

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
)

// Mean is a prior mean function m(x) with its own hyperparameters.
type Mean interface {
	// Name identifies the mean flavor.
	Name() string

	// NumParams returns the number of mean hyperparameters.
	NumParams() int

	// Eval returns m(xᵢ) for every row of x.
	Eval(x mat.Matrix, params []float64) (*mat.VecDense, error)

	// Gradient returns ∂m(X)/∂θₚ for every hyperparameter.
	Gradient(x mat.Matrix, params []float64) ([]*mat.VecDense, error)

	// InitRanges returns a search interval per hyperparameter.
	InitRanges(stats optimization.DataStats) [][2]float64
}

// New returns the mean registered under name, or nil.
func New(name string) Mean {
	switch name {
	case "", "constant":
		return Constant{}
	case "zero":
		return Zero{}
	}
	return nil
}

// Constant is m(x) = c with a single parameter c.
type Constant struct{}

func (Constant) Name() string { return "constant" }

func (Constant) NumParams() int { return 1 }

func (c Constant) Eval(x mat.Matrix, params []float64) (*mat.VecDense, error) {
	n, err := checkArgs(c, x, params, "Eval")
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetVec(i, params[0])
	}
	return out, nil
}

func (c Constant) Gradient(x mat.Matrix, params []float64) ([]*mat.VecDense, error) {
	n, err := checkArgs(c, x, params, "Gradient")
	if err != nil {
		return nil, err
	}
	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1)
	}
	return []*mat.VecDense{ones}, nil
}

// InitRanges centers the constant on the target mean, one standard
// deviation either side.
func (Constant) InitRanges(stats optimization.DataStats) [][2]float64 {
	sd := math.Sqrt(stats.TargetVariance)
	if sd <= 0 || math.IsNaN(sd) {
		sd = 1
	}
	return [][2]float64{{stats.TargetMean - sd, stats.TargetMean + sd}}
}

// Zero is m(x) = 0. It has no parameters.
type Zero struct{}

func (Zero) Name() string { return "zero" }

func (Zero) NumParams() int { return 0 }

func (z Zero) Eval(x mat.Matrix, params []float64) (*mat.VecDense, error) {
	n, err := checkArgs(z, x, params, "Eval")
	if err != nil {
		return nil, err
	}
	return mat.NewVecDense(n, nil), nil
}

func (z Zero) Gradient(x mat.Matrix, params []float64) ([]*mat.VecDense, error) {
	if _, err := checkArgs(z, x, params, "Gradient"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (Zero) InitRanges(optimization.DataStats) [][2]float64 { return nil }

func checkArgs(m Mean, x mat.Matrix, params []float64, op string) (int, error) {
	if len(params) != m.NumParams() {
		return 0, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"%s mean expects %d parameters, got %d", m.Name(), m.NumParams(), len(params)).
			WithComponent("means").WithOperation(op)
	}
	if x == nil {
		return 0, optimization.WrapError(optimization.ErrDimensionMismatch, "nil input matrix").
			WithComponent("means").WithOperation(op)
	}
	n, _ := x.Dims()
	if n == 0 {
		return 0, optimization.WrapError(optimization.ErrDimensionMismatch, "input matrix has no rows").
			WithComponent("means").WithOperation(op)
	}
	return n, nil
}
