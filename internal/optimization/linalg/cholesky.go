// Package linalg holds the numerically delicate pieces of Gaussian process
// inference: jittered Cholesky factorization, triangular solves and
// log-determinants.
package linalg

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
)

const component = "linalg"

// JitterConfig controls the diagonal jitter added when a plain Cholesky
// factorization fails. Jitter starts at Initial times the mean diagonal
// entry and doubles on every retry.
type JitterConfig struct {
	Initial     float64
	MaxAttempts int
}

// DefaultJitter returns the jitter schedule used by the engine.
func DefaultJitter() JitterConfig {
	return JitterConfig{Initial: 1e-6, MaxAttempts: 5}
}

// Factor is a Cholesky factorization K = L·Lᵀ of a symmetric positive
// definite matrix, possibly with jitter added to its diagonal.
type Factor struct {
	chol     mat.Cholesky
	lower    *mat.TriDense
	n        int
	jitter   float64
	attempts int
}

// Factorize computes the Cholesky factor of a. When a is not numerically
// positive definite it retries with increasing diagonal jitter and fails
// with ErrNumericalInstability once the retries are exhausted.
func Factorize(a mat.Symmetric, cfg JitterConfig) (*Factor, error) {
	const op = "Factorize"

	n := a.SymmetricDim()
	if n == 0 {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "empty matrix").
			WithComponent(component).WithOperation(op)
	}

	var trace float64
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := a.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, optimization.WrapErrorf(optimization.ErrNumericalInstability,
					"non-finite entry at (%d,%d)", i, j).WithComponent(component).WithOperation(op)
			}
		}
		trace += a.At(i, i)
	}
	scale := trace / float64(n)
	if scale <= 0 {
		scale = 1
	}
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultJitter().Initial
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}

	f := &Factor{n: n}
	if f.chol.Factorize(a) {
		f.attempts = 1
		return f, nil
	}

	work := mat.NewSymDense(n, nil)
	jitter := cfg.Initial * scale
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		work.CopySym(a)
		for i := 0; i < n; i++ {
			work.SetSym(i, i, work.At(i, i)+jitter)
		}
		if f.chol.Factorize(work) {
			f.jitter = jitter
			f.attempts = attempt + 1
			return f, nil
		}
		jitter *= 2
	}

	return nil, optimization.WrapErrorf(optimization.ErrNumericalInstability,
		"matrix not positive definite after %d jitter retries (last jitter %g)", cfg.MaxAttempts, jitter/2).
		WithComponent(component).WithOperation(op)
}

// Size returns the order of the factorized matrix.
func (f *Factor) Size() int { return f.n }

// Jitter returns the diagonal jitter that made the factorization succeed.
func (f *Factor) Jitter() float64 { return f.jitter }

// Attempts returns how many factorizations were tried.
func (f *Factor) Attempts() int { return f.attempts }

// LogDet returns log|K|.
func (f *Factor) LogDet() float64 { return f.chol.LogDet() }

// HalfLogDet returns Σ log Lᵢᵢ, which equals 0.5·log|K|.
func (f *Factor) HalfLogDet() float64 { return 0.5 * f.chol.LogDet() }

// L returns the lower triangular factor. The result must not be modified.
func (f *Factor) L() *mat.TriDense {
	if f.lower == nil {
		f.lower = mat.NewTriDense(f.n, mat.Lower, nil)
		f.chol.LTo(f.lower)
	}
	return f.lower
}

// SolveVec stores K⁻¹b in dst using the forward and backward triangular
// solves of the factor.
func (f *Factor) SolveVec(dst *mat.VecDense, b mat.Vector) error {
	if b.Len() != f.n {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"vector has length %d, factor has order %d", b.Len(), f.n).WithComponent(component).WithOperation("SolveVec")
	}
	return tolerateCondition(f.chol.SolveVecTo(dst, b))
}

// Solve stores K⁻¹B in dst.
func (f *Factor) Solve(dst *mat.Dense, b mat.Matrix) error {
	if r, _ := b.Dims(); r != f.n {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"matrix has %d rows, factor has order %d", r, f.n).WithComponent(component).WithOperation("Solve")
	}
	return tolerateCondition(f.chol.SolveTo(dst, b))
}

// SolveLower stores L⁻¹B in dst.
func (f *Factor) SolveLower(dst *mat.Dense, b mat.Matrix) error {
	if r, _ := b.Dims(); r != f.n {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"matrix has %d rows, factor has order %d", r, f.n).WithComponent(component).WithOperation("SolveLower")
	}
	return tolerateCondition(dst.Solve(f.L(), b))
}

// TraceInverse returns tr(K⁻¹) = ‖L⁻¹‖²_F.
func (f *Factor) TraceInverse() (float64, error) {
	eye := mat.NewDiagDense(f.n, nil)
	for i := 0; i < f.n; i++ {
		eye.SetDiag(i, 1)
	}
	var linv mat.Dense
	if err := f.SolveLower(&linv, eye); err != nil {
		return 0, err
	}
	n := mat.Norm(&linv, 2)
	return n * n, nil
}

// tolerateCondition drops gonum's ill-conditioning warning; the solution is
// still written in that case.
func tolerateCondition(err error) error {
	var c mat.Condition
	if errors.As(err, &c) {
		return nil
	}
	return err
}
