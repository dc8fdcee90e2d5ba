package kernels

import (
	"fmt"
	"math"
	"runtime"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
)

// Kernel represents a covariance function for Gaussian Processes.
//
// Hyperparameters are not stored in the kernel. Every call receives the
// covariance slice of the model's parameter vector, laid out as
// [log widths..., log amplitude] with one shared width, or one width per
// input dimension when ARD is enabled. Widths and amplitude are recovered
// as exp(w) and exp(2a), so any real vector is valid.
type Kernel interface {
	// Name identifies the kernel flavor.
	Name() string

	// Dims returns the input dimension the kernel was sized for.
	Dims() int

	// ARD reports whether each input dimension has its own width.
	ARD() bool

	// NumParams returns the number of covariance hyperparameters.
	NumParams() int

	// Eval computes k(x1, x2) for a single pair of points. It has no error
	// return: a params vector of the wrong length, or a point whose length
	// is not Dims, yields NaN. Callers that cannot rule this out should
	// use Matrix, which reports ErrDimensionMismatch.
	Eval(x1, x2 []float64, params []float64) float64

	// Matrix computes K(X1, X2).
	Matrix(x1, x2 mat.Matrix, params []float64) (*mat.Dense, error)

	// SymMatrix computes K(X, X) with exactly symmetric storage.
	SymMatrix(x mat.Matrix, params []float64) (*mat.SymDense, error)

	// Diag computes k(xᵢ, xᵢ) for every row of x.
	Diag(x mat.Matrix, params []float64) ([]float64, error)

	// Gradient computes ∂K(X1, X2)/∂θₚ for every hyperparameter.
	Gradient(x1, x2 mat.Matrix, params []float64) ([]*mat.Dense, error)

	// SymGradient computes ∂K(X, X)/∂θₚ for every hyperparameter.
	SymGradient(x mat.Matrix, params []float64) ([]*mat.SymDense, error)

	// InitRanges returns a search interval per hyperparameter derived
	// from the training data.
	InitRanges(stats optimization.DataStats) [][2]float64

	// WithARD returns a kernel of the same flavor with ARD switched.
	WithARD(ard bool) Kernel
}

// New returns the kernel registered under name, or nil.
func New(name string, dims int, ard bool, opts ...Option) Kernel {
	switch name {
	case "", "gaussian", "rbf":
		return NewGaussian(dims, ard, opts...)
	case "matern52":
		return NewMatern52(dims, ard, opts...)
	}
	return nil
}

// Option configures a kernel.
type Option func(*stationary)

// WithWorkers bounds the number of goroutines used to fill large matrices.
// A value below 2 disables parallel evaluation.
func WithWorkers(n int) Option {
	return func(s *stationary) {
		s.workers = n
	}
}

// profile describes a stationary kernel as a function of the squared
// scaled distance r2 = Σ Δ_d²·exp(-2w_d), at unit amplitude.
type profile interface {
	name() string
	// value returns k/A.
	value(r2 float64) float64
	// slope returns g such that ∂k/∂w_d = A·g·Δ_d²·exp(-2w_d).
	slope(r2 float64) float64
}

// stationary implements Kernel for any profile.
type stationary struct {
	dims    int
	ard     bool
	workers int
	prof    profile
}

func newStationary(prof profile, dims int, ard bool, opts []Option) stationary {
	if dims <= 0 {
		panic(fmt.Sprintf("dims must be positive, got %d", dims))
	}
	s := stationary{
		dims:    dims,
		ard:     ard,
		workers: runtime.GOMAXPROCS(0),
		prof:    prof,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s *stationary) Name() string { return s.prof.name() }

func (s *stationary) Dims() int { return s.dims }

func (s *stationary) ARD() bool { return s.ard }

func (s *stationary) NumParams() int {
	if s.ard {
		return s.dims + 1
	}
	return 2
}

// decoded holds hyperparameters mapped out of log space.
type decoded struct {
	invWidth2 []float64 // exp(-2w_d) per dimension
	amp       float64   // exp(2a)
}

func (s *stationary) decode(params []float64) (decoded, error) {
	if len(params) != s.NumParams() {
		return decoded{}, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"%s kernel expects %d parameters, got %d", s.prof.name(), s.NumParams(), len(params)).
			WithComponent("kernels").WithOperation("decode")
	}
	d := decoded{
		invWidth2: make([]float64, s.dims),
		amp:       math.Exp(2 * params[len(params)-1]),
	}
	for i := range d.invWidth2 {
		w := params[0]
		if s.ard {
			w = params[i]
		}
		d.invWidth2[i] = math.Exp(-2 * w)
	}
	return d, nil
}

func (d decoded) scaledDist(x1, x2 []float64) float64 {
	var r2 float64
	for k, inv := range d.invWidth2 {
		diff := x1[k] - x2[k]
		r2 += diff * diff * inv
	}
	return r2
}

func (s *stationary) Eval(x1, x2 []float64, params []float64) float64 {
	d, err := s.decode(params)
	if err != nil || len(x1) != s.dims || len(x2) != s.dims {
		return math.NaN()
	}
	return d.amp * s.prof.value(d.scaledDist(x1, x2))
}

func (s *stationary) Matrix(x1, x2 mat.Matrix, params []float64) (*mat.Dense, error) {
	d, err := s.decode(params)
	if err != nil {
		return nil, err
	}
	a, err := s.rows(x1, "Matrix")
	if err != nil {
		return nil, err
	}
	b, err := s.rows(x2, "Matrix")
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(len(a), len(b), nil)
	s.forRows(len(a), len(b), func(i int) {
		for j := range b {
			out.Set(i, j, d.amp*s.prof.value(d.scaledDist(a[i], b[j])))
		}
	})
	return out, nil
}

func (s *stationary) SymMatrix(x mat.Matrix, params []float64) (*mat.SymDense, error) {
	d, err := s.decode(params)
	if err != nil {
		return nil, err
	}
	a, err := s.rows(x, "SymMatrix")
	if err != nil {
		return nil, err
	}

	out := mat.NewSymDense(len(a), nil)
	s.forRows(len(a), len(a), func(i int) {
		for j := i; j < len(a); j++ {
			out.SetSym(i, j, d.amp*s.prof.value(d.scaledDist(a[i], a[j])))
		}
	})
	return out, nil
}

func (s *stationary) Diag(x mat.Matrix, params []float64) ([]float64, error) {
	d, err := s.decode(params)
	if err != nil {
		return nil, err
	}
	a, err := s.rows(x, "Diag")
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = d.amp * s.prof.value(d.scaledDist(a[i], a[i]))
	}
	return out, nil
}

// pairGradient writes ∂k/∂θₚ for one pair of points into set.
func (s *stationary) pairGradient(d decoded, x1, x2 []float64, set func(p int, v float64)) {
	r2 := d.scaledDist(x1, x2)
	k := d.amp * s.prof.value(r2)
	g := d.amp * s.prof.slope(r2)
	if s.ard {
		for dim, inv := range d.invWidth2 {
			diff := x1[dim] - x2[dim]
			set(dim, g*diff*diff*inv)
		}
		set(s.dims, 2*k)
		return
	}
	set(0, g*r2)
	set(1, 2*k)
}

func (s *stationary) Gradient(x1, x2 mat.Matrix, params []float64) ([]*mat.Dense, error) {
	d, err := s.decode(params)
	if err != nil {
		return nil, err
	}
	a, err := s.rows(x1, "Gradient")
	if err != nil {
		return nil, err
	}
	b, err := s.rows(x2, "Gradient")
	if err != nil {
		return nil, err
	}

	grads := make([]*mat.Dense, s.NumParams())
	for p := range grads {
		grads[p] = mat.NewDense(len(a), len(b), nil)
	}
	s.forRows(len(a), len(b), func(i int) {
		for j := range b {
			s.pairGradient(d, a[i], b[j], func(p int, v float64) {
				grads[p].Set(i, j, v)
			})
		}
	})
	return grads, nil
}

func (s *stationary) SymGradient(x mat.Matrix, params []float64) ([]*mat.SymDense, error) {
	d, err := s.decode(params)
	if err != nil {
		return nil, err
	}
	a, err := s.rows(x, "SymGradient")
	if err != nil {
		return nil, err
	}

	grads := make([]*mat.SymDense, s.NumParams())
	for p := range grads {
		grads[p] = mat.NewSymDense(len(a), nil)
	}
	s.forRows(len(a), len(a), func(i int) {
		for j := i; j < len(a); j++ {
			s.pairGradient(d, a[i], a[j], func(p int, v float64) {
				grads[p].SetSym(i, j, v)
			})
		}
	})
	return grads, nil
}

// InitRanges spans widths from 0.1 to 10 times the observed input scale
// and the squared amplitude from 0.1 to 10 times the target variance.
func (s *stationary) InitRanges(stats optimization.DataStats) [][2]float64 {
	ranges := make([][2]float64, 0, s.NumParams())
	if s.ard {
		for j := 0; j < s.dims; j++ {
			spread := 1.0
			if j < len(stats.ColumnSpread) && stats.ColumnSpread[j] > 0 {
				spread = stats.ColumnSpread[j]
			}
			ranges = append(ranges, [2]float64{math.Log(0.1 * spread), math.Log(10 * spread)})
		}
	} else {
		scale := stats.MedianDistance
		if scale <= 0 {
			scale = 1
		}
		ranges = append(ranges, [2]float64{math.Log(0.1 * scale), math.Log(10 * scale)})
	}
	v := stats.TargetVariance
	if v <= 0 {
		v = 1
	}
	return append(ranges, [2]float64{0.5 * math.Log(0.1*v), 0.5 * math.Log(10*v)})
}

// rows returns the rows of x, checking the column count.
func (s *stationary) rows(x mat.Matrix, op string) ([][]float64, error) {
	if x == nil {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "nil input matrix").
			WithComponent("kernels").WithOperation(op)
	}
	n, c := x.Dims()
	if n == 0 {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "input matrix has no rows").
			WithComponent("kernels").WithOperation(op)
	}
	if c != s.dims {
		return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"input has %d columns, kernel was sized for %d", c, s.dims).
			WithComponent("kernels").WithOperation(op)
	}
	out := make([][]float64, n)
	if rm, ok := x.(mat.RawMatrixer); ok {
		raw := rm.RawMatrix()
		for i := range out {
			out[i] = raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		}
		return out, nil
	}
	for i := range out {
		out[i] = mat.Row(nil, i, x)
	}
	return out, nil
}
