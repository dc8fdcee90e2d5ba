package bayesian

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/kernels"
	"github.com/copyleftdev/gpr/internal/optimization/likelihoods"
	"github.com/copyleftdev/gpr/internal/optimization/linalg"
	"github.com/copyleftdev/gpr/internal/optimization/means"
)

const marginalComponent = "marginal_likelihood"

var log2Pi = math.Log(2 * math.Pi)

// MarginalLikelihood evaluates the negative log marginal likelihood of a
// fixed training set as a function of the flat hyperparameter vector. It
// implements optimization.Objective and is not safe for concurrent use.
type MarginalLikelihood struct {
	kernel     kernels.Kernel
	mean       means.Mean
	likelihood likelihoods.Likelihood
	layout     Layout

	x *mat.Dense
	t *mat.VecDense

	jitter linalg.JitterConfig
	pool   *linalg.Pool
	logger *zap.Logger

	evaluations int
}

// MarginalOption configures a MarginalLikelihood.
type MarginalOption func(*MarginalLikelihood)

// JitterSchedule overrides the Cholesky jitter schedule.
func JitterSchedule(cfg linalg.JitterConfig) MarginalOption {
	return func(m *MarginalLikelihood) {
		m.jitter = cfg
	}
}

// MarginalLogger sets the logger used to report jittered factorizations.
func MarginalLogger(logger *zap.Logger) MarginalOption {
	return func(m *MarginalLikelihood) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMarginalLikelihood binds the function objects to a copy of the training
// set x (N×D) and t (length N).
func NewMarginalLikelihood(kernel kernels.Kernel, mean means.Mean, likelihood likelihoods.Likelihood,
	x mat.Matrix, t mat.Vector, opts ...MarginalOption) (*MarginalLikelihood, error) {
	const op = "NewMarginalLikelihood"

	if err := checkTrainingSet(kernel, x, t); err != nil {
		return nil, optimization.WrapError(err, "invalid training set").
			WithComponent(marginalComponent).WithOperation(op)
	}

	m := &MarginalLikelihood{
		kernel:     kernel,
		mean:       mean,
		likelihood: likelihood,
		layout:     layoutOf(kernel, mean, likelihood),
		x:          mat.DenseCopyOf(x),
		t:          mat.VecDenseCopyOf(t),
		jitter:     linalg.DefaultJitter(),
		pool:       linalg.NewPool(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func layoutOf(kernel kernels.Kernel, mean means.Mean, likelihood likelihoods.Likelihood) Layout {
	return Layout{
		Likelihood: likelihood.NumParams(),
		Mean:       mean.NumParams(),
		Covariance: kernel.NumParams(),
	}
}

// checkTrainingSet validates the shapes of a training set against a kernel.
func checkTrainingSet(kernel kernels.Kernel, x mat.Matrix, t mat.Vector) error {
	if x == nil || t == nil {
		return optimization.WrapError(optimization.ErrDimensionMismatch, "features and targets must not be nil")
	}
	n, d := x.Dims()
	if n == 0 {
		return optimization.WrapError(optimization.ErrDimensionMismatch, "training set is empty")
	}
	if n != t.Len() {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"features have %d rows but targets have length %d", n, t.Len())
	}
	if d != kernel.Dims() {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"features have %d columns, kernel was sized for %d", d, kernel.Dims())
	}
	return nil
}

// Layout returns the hyperparameter layout the objective expects.
func (m *MarginalLikelihood) Layout() Layout { return m.layout }

// Evaluations returns how many times the objective has been computed.
func (m *MarginalLikelihood) Evaluations() int { return m.evaluations }

// Stats summarizes the bound training set.
func (m *MarginalLikelihood) Stats() optimization.DataStats {
	return optimization.NewDataStats(m.x, m.t, nil)
}

// InitRanges returns the phase-one search box for the flat vector.
func (m *MarginalLikelihood) InitRanges(stats optimization.DataStats) [][2]float64 {
	ranges := make([][2]float64, 0, m.layout.Len())
	ranges = append(ranges, m.likelihood.InitRanges(stats)...)
	ranges = append(ranges, m.mean.InitRanges(stats)...)
	return append(ranges, m.kernel.InitRanges(stats)...)
}

// posterior holds the quantities shared by the objective, its gradient and
// prediction.
type posterior struct {
	k        *mat.SymDense
	factor   *linalg.Factor
	residual *mat.VecDense
	alpha    *mat.VecDense
	noise    float64
}

// posterior factorizes K(X,X)+σ²I for params. The caller owns the result
// and releases k with release.
func (m *MarginalLikelihood) posterior(params []float64) (*posterior, error) {
	const op = "posterior"

	if len(params) != m.layout.Len() {
		return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"expected %d hyperparameters, got %d", m.layout.Len(), len(params)).
			WithComponent(marginalComponent).WithOperation(op)
	}
	likParams, meanParams, covParams := m.layout.Split(params)

	noise, err := m.likelihood.NoiseVariance(likParams)
	if err != nil {
		return nil, err
	}
	mu, err := m.mean.Eval(m.x, meanParams)
	if err != nil {
		return nil, err
	}
	kxx, err := m.kernel.SymMatrix(m.x, covParams)
	if err != nil {
		return nil, err
	}

	n := m.t.Len()
	k := m.pool.GetSymDense(n)
	k.CopySym(kxx)
	for i := 0; i < n; i++ {
		k.SetSym(i, i, k.At(i, i)+noise)
	}

	factor, err := linalg.Factorize(k, m.jitter)
	if err != nil {
		m.pool.PutSymDense(k)
		return nil, optimization.WrapError(err, "training covariance").
			WithComponent(marginalComponent).WithOperation(op)
	}
	if factor.Jitter() > 0 {
		m.logger.Debug("Added jitter to training covariance",
			zap.Float64("jitter", factor.Jitter()),
			zap.Int("attempts", factor.Attempts()),
		)
	}

	p := &posterior{
		k:        k,
		factor:   factor,
		residual: m.pool.GetVecDense(n),
		alpha:    m.pool.GetVecDense(n),
		noise:    noise,
	}
	p.residual.SubVec(m.t, mu)
	if err := factor.SolveVec(p.alpha, p.residual); err != nil {
		m.release(p)
		return nil, optimization.WrapError(err, "solve for alpha").
			WithComponent(marginalComponent).WithOperation(op)
	}
	return p, nil
}

// release returns p's scratch to the pool; p must not be used afterwards.
func (m *MarginalLikelihood) release(p *posterior) {
	m.pool.PutSymDense(p.k)
	m.pool.PutVecDense(p.residual)
	m.pool.PutVecDense(p.alpha)
	p.k, p.residual, p.alpha = nil, nil, nil
}

// nlml returns 0.5·rᵀα + Σ log Lᵢᵢ + 0.5·N·log 2π.
func (p *posterior) nlml() (float64, error) {
	n := float64(p.residual.Len())
	v := 0.5*mat.Dot(p.residual, p.alpha) + p.factor.HalfLogDet() + 0.5*n*log2Pi
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, optimization.WrapErrorf(optimization.ErrNumericalInstability,
			"non-finite marginal likelihood %v", v).WithComponent(marginalComponent).WithOperation("nlml")
	}
	return v, nil
}

// Value returns the negative log marginal likelihood at params.
func (m *MarginalLikelihood) Value(params []float64) (float64, error) {
	m.evaluations++
	p, err := m.posterior(params)
	if err != nil {
		return math.NaN(), err
	}
	defer m.release(p)
	return p.nlml()
}

// Evaluate returns the negative log marginal likelihood at params and its
// gradient ∂/∂θ = 0.5·tr((K⁻¹ − ααᵀ)·∂K/∂θ) − (∂m/∂θ)ᵀα.
func (m *MarginalLikelihood) Evaluate(params []float64) (float64, []float64, error) {
	const op = "Evaluate"

	m.evaluations++
	p, err := m.posterior(params)
	if err != nil {
		return math.NaN(), nil, err
	}
	defer m.release(p)

	value, err := p.nlml()
	if err != nil {
		return value, nil, err
	}

	likParams, meanParams, covParams := m.layout.Split(params)
	grad := make([]float64, 0, m.layout.Len())

	// Noise: ∂K/∂θ = (∂σ²/∂θ)·I.
	dNoise, err := m.likelihood.Gradient(likParams)
	if err != nil {
		return value, nil, err
	}
	if len(dNoise) > 0 {
		trInv, err := p.factor.TraceInverse()
		if err != nil {
			return value, nil, optimization.WrapError(err, "trace of inverse").
				WithComponent(marginalComponent).WithOperation(op)
		}
		aa := mat.Dot(p.alpha, p.alpha)
		for _, d := range dNoise {
			grad = append(grad, 0.5*d*(trInv-aa))
		}
	}

	dMean, err := m.mean.Gradient(m.x, meanParams)
	if err != nil {
		return value, nil, err
	}
	for _, dm := range dMean {
		grad = append(grad, -mat.Dot(dm, p.alpha))
	}

	dK, err := m.kernel.SymGradient(m.x, covParams)
	if err != nil {
		return value, nil, err
	}
	n := m.t.Len()
	work := m.pool.GetDense(n, n)
	defer m.pool.PutDense(work)
	for _, dk := range dK {
		if err := p.factor.Solve(work, dk); err != nil {
			return value, nil, optimization.WrapError(err, "solve against covariance gradient").
				WithComponent(marginalComponent).WithOperation(op)
		}
		grad = append(grad, 0.5*(mat.Trace(work)-mat.Inner(p.alpha, dk, p.alpha)))
	}

	for i, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return value, nil, optimization.WrapErrorf(optimization.ErrNumericalInstability,
				"non-finite gradient component %d", i).WithComponent(marginalComponent).WithOperation(op)
		}
	}
	return value, grad, nil
}
