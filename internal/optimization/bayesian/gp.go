package bayesian

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/kernels"
	"github.com/copyleftdev/gpr/internal/optimization/likelihoods"
	"github.com/copyleftdev/gpr/internal/optimization/linalg"
	"github.com/copyleftdev/gpr/internal/optimization/means"
)

const gpComponent = "gaussian_process"

// State is the lifecycle stage of a GP.
type State int

const (
	// StateUninitialized means no hyperparameters have been fitted or set.
	StateUninitialized State = iota
	// StateFitted means hyperparameters are set but nothing is prepared.
	StateFitted
	// StatePrepared means a training factorization is cached.
	StatePrepared
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateFitted:
		return "fitted"
	case StatePrepared:
		return "prepared"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// GP implements Gaussian Process regression with a pluggable covariance,
// mean and likelihood. A GP is not safe for concurrent use.
type GP struct {
	kernel     kernels.Kernel
	mean       means.Mean
	likelihood likelihoods.Likelihood

	// Hyperparameters; nil until fitted or set.
	params *ParameterVector

	// Cached training factorization, valid only for params.
	xTrain   *mat.Dense
	factor   *linalg.Factor
	alpha    *mat.VecDense
	prepNLML float64

	jitter     linalg.JitterConfig
	kernelOpts []kernels.Option

	// Logger for structured logging
	logger *zap.Logger
}

// Option configures a GP.
type Option func(*GP)

// WithLogger sets the logger. The GP logs under the name gaussian_process.
func WithLogger(logger *zap.Logger) Option {
	return func(gp *GP) {
		if logger != nil {
			gp.logger = logger
		}
	}
}

// WithJitter overrides the Cholesky jitter schedule.
func WithJitter(cfg linalg.JitterConfig) Option {
	return func(gp *GP) {
		gp.jitter = cfg
	}
}

// WithKernelOptions applies to kernels the GP builds itself, in
// NewGaussianGP and Restore.
func WithKernelOptions(opts ...kernels.Option) Option {
	return func(gp *GP) {
		gp.kernelOpts = append(gp.kernelOpts, opts...)
	}
}

func newGP(opts []Option) *GP {
	gp := &GP{
		jitter: linalg.DefaultJitter(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(gp)
	}
	gp.logger = gp.logger.Named(gpComponent)
	return gp
}

// NewGP creates a Gaussian Process model. A nil mean defaults to a
// constant mean and a nil likelihood to Gaussian noise.
func NewGP(kernel kernels.Kernel, mean means.Mean, likelihood likelihoods.Likelihood, opts ...Option) *GP {
	if kernel == nil {
		panic("bayesian: nil kernel")
	}
	gp := newGP(opts)
	gp.kernel = kernel
	gp.mean = mean
	if gp.mean == nil {
		gp.mean = means.Constant{}
	}
	gp.likelihood = likelihood
	if gp.likelihood == nil {
		gp.likelihood = likelihoods.Gaussian{}
	}
	return gp
}

// NewGaussianGP creates a model with a Gaussian kernel over dims inputs, a
// constant mean and Gaussian noise.
func NewGaussianGP(dims int, ard bool, opts ...Option) *GP {
	gp := newGP(opts)
	gp.kernel = kernels.NewGaussian(dims, ard, gp.kernelOpts...)
	gp.mean = means.Constant{}
	gp.likelihood = likelihoods.Gaussian{}
	return gp
}

// Kernel returns the covariance function.
func (gp *GP) Kernel() kernels.Kernel { return gp.kernel }

// Layout returns the hyperparameter layout of the current configuration.
func (gp *GP) Layout() Layout { return layoutOf(gp.kernel, gp.mean, gp.likelihood) }

// State returns the current lifecycle stage.
func (gp *GP) State() State {
	switch {
	case gp.params == nil:
		return StateUninitialized
	case gp.factor == nil:
		return StateFitted
	}
	return StatePrepared
}

// Params returns a copy of the flat hyperparameter vector
// [likelihood, mean, covariance], or nil when none is set.
func (gp *GP) Params() []float64 {
	if gp.params == nil {
		return nil
	}
	return gp.params.Values()
}

// SetParams replaces the hyperparameters, bypassing Fit. Any cached
// factorization is dropped.
func (gp *GP) SetParams(values []float64) error {
	pv := NewParameterVector(gp.Layout())
	if err := pv.SetValues(values); err != nil {
		return err
	}
	gp.params = pv
	gp.invalidate()
	return nil
}

func (gp *GP) invalidate() {
	gp.xTrain = nil
	gp.factor = nil
	gp.alpha = nil
	gp.prepNLML = 0
}

func (gp *GP) marginal(kernel kernels.Kernel, x *mat.Dense, t *mat.VecDense) (*MarginalLikelihood, error) {
	if x == nil || t == nil {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "features and targets must not be nil")
	}
	return NewMarginalLikelihood(kernel, gp.mean, gp.likelihood, x, t,
		JitterSchedule(gp.jitter), MarginalLogger(gp.logger))
}

// Fit learns hyperparameters for (x, t) by minimizing the negative log
// marginal likelihood. The kernel's ARD setting follows cfg.ARD. On
// failure the model is left unchanged; an ErrOptimizationFailed error
// carries the best valid vector, see optimization.FallbackParams.
func (gp *GP) Fit(ctx context.Context, x *mat.Dense, t *mat.VecDense, cfg optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	const op = "GP.Fit"

	kernel := gp.kernel
	if kernel.ARD() != cfg.ARD {
		kernel = kernel.WithARD(cfg.ARD)
	}

	ml, err := gp.marginal(kernel, x, t)
	if err != nil {
		return nil, optimization.WrapError(err, "fit").WithComponent(gpComponent).WithOperation(op)
	}

	// One seed drives both the data statistics and the optimizer.
	cfg = cfg.WithResolvedSeed()
	stats := optimization.NewDataStats(x, t, rand.New(rand.NewSource(cfg.RandomSeed)))
	bounds := ml.InitRanges(stats)

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", stats.NumSamples),
		zap.Int("features", stats.Dims),
		zap.String("kernel", kernel.Name()),
		zap.Bool("ard", kernel.ARD()),
		zap.String("method", string(cfg.WithDefaults().Method)),
	)

	opt, err := NewHyperparameterOptimizer(cfg, gp.logger)
	if err != nil {
		return nil, err
	}
	result, err := opt.Optimize(ctx, ml, bounds)
	if err != nil {
		if errors.Is(err, optimization.ErrOptimizationFailed) {
			gp.logger.Warn("Hyperparameter optimization failed", zap.Error(err))
		}
		return nil, err
	}

	gp.kernel = kernel
	pv := NewParameterVector(ml.Layout())
	if err := pv.SetValues(result.BestSolution.Parameters); err != nil {
		return nil, err
	}
	gp.params = pv
	gp.invalidate()

	gp.logger.Info("Fitted GP model",
		zap.Float64("nlml", result.BestSolution.Value),
		zap.Int("epochs", result.Epochs),
		zap.Int("evaluations", ml.Evaluations()),
		zap.Float64s("params", result.BestSolution.Parameters),
	)
	return result, nil
}

// Prepare factorizes the training covariance K(x,x)+σ²I for the current
// hyperparameters and caches it for prediction.
func (gp *GP) Prepare(x *mat.Dense, t *mat.VecDense) error {
	const op = "GP.Prepare"

	if gp.params == nil {
		return optimization.WrapError(optimization.ErrNotFitted, "prepare").
			WithComponent(gpComponent).WithOperation(op)
	}
	ml, err := gp.marginal(gp.kernel, x, t)
	if err != nil {
		return optimization.WrapError(err, "prepare").WithComponent(gpComponent).WithOperation(op)
	}
	post, err := ml.posterior(gp.params.Values())
	if err != nil {
		return optimization.WrapError(err, "prepare").WithComponent(gpComponent).WithOperation(op)
	}
	defer ml.release(post)

	nlml, err := post.nlml()
	if err != nil {
		return optimization.WrapError(err, "prepare").WithComponent(gpComponent).WithOperation(op)
	}

	gp.xTrain = ml.x
	gp.factor = post.factor
	// alpha is pooled scratch; the model keeps its own copy.
	gp.alpha = mat.VecDenseCopyOf(post.alpha)
	gp.prepNLML = nlml

	gp.logger.Debug("Prepared GP model",
		zap.Int("samples", gp.alpha.Len()),
		zap.Float64("noise_var", post.noise),
		zap.Float64("jitter", post.factor.Jitter()),
		zap.Float64("nlml", nlml),
	)
	return nil
}

// PreparedNLML returns the negative log marginal likelihood of the prepared
// training set.
func (gp *GP) PreparedNLML() (float64, error) {
	if gp.factor == nil {
		return 0, optimization.WrapError(optimization.ErrNotPrepared, "no cached factorization").
			WithComponent(gpComponent).WithOperation("GP.PreparedNLML")
	}
	return gp.prepNLML, nil
}

func (gp *GP) requirePrepared(op string) error {
	if gp.factor == nil || gp.params == nil {
		return optimization.WrapError(optimization.ErrNotPrepared, "call Prepare first").
			WithComponent(gpComponent).WithOperation(op)
	}
	return nil
}

// PredictMean returns m(xTest) + K(xTest, xTrain)·α. xTrain must be the set
// passed to Prepare; a set with a different shape fails with
// ErrNotPrepared.
func (gp *GP) PredictMean(xTrain, xTest mat.Matrix) (*mat.VecDense, error) {
	const op = "GP.PredictMean"

	if err := gp.requirePrepared(op); err != nil {
		return nil, err
	}
	if xTrain == nil {
		return nil, optimization.WrapError(optimization.ErrNotPrepared, "nil training set").
			WithComponent(gpComponent).WithOperation(op)
	}
	r, c := xTrain.Dims()
	pr, pc := gp.xTrain.Dims()
	if r != pr || c != pc {
		return nil, optimization.WrapErrorf(optimization.ErrNotPrepared,
			"training set is %d×%d but the model was prepared with %d×%d", r, c, pr, pc).
			WithComponent(gpComponent).WithOperation(op)
	}
	return gp.predictMean(xTest, op)
}

func (gp *GP) predictMean(xTest mat.Matrix, op string) (*mat.VecDense, error) {
	_, meanParams, covParams := gp.params.Layout().Split(gp.params.Values())

	mu, err := gp.mean.Eval(xTest, meanParams)
	if err != nil {
		return nil, optimization.WrapError(err, "prior mean").WithComponent(gpComponent).WithOperation(op)
	}
	ks, err := gp.kernel.Matrix(xTest, gp.xTrain, covParams)
	if err != nil {
		return nil, optimization.WrapError(err, "cross covariance").WithComponent(gpComponent).WithOperation(op)
	}
	out := mat.NewVecDense(mu.Len(), nil)
	out.MulVec(ks, gp.alpha)
	out.AddVec(out, mu)
	return out, nil
}

// crossSolve returns V = L⁻¹·K(xTrain, xTest).
func (gp *GP) crossSolve(xTest mat.Matrix, covParams []float64, op string) (*mat.Dense, error) {
	ks, err := gp.kernel.Matrix(gp.xTrain, xTest, covParams)
	if err != nil {
		return nil, optimization.WrapError(err, "cross covariance").WithComponent(gpComponent).WithOperation(op)
	}
	var v mat.Dense
	if err := gp.factor.SolveLower(&v, ks); err != nil {
		return nil, optimization.WrapError(err, "triangular solve").WithComponent(gpComponent).WithOperation(op)
	}
	return &v, nil
}

// PredictVariance returns the posterior variance of the latent function at
// every row of xTest, diag K(x*,x*) − diag(Vᵀ·V) with V = L⁻¹K(x,x*).
// Round-off below zero is clipped to zero. Observation noise is not
// included.
func (gp *GP) PredictVariance(xTest mat.Matrix) (*mat.VecDense, error) {
	const op = "GP.PredictVariance"

	if err := gp.requirePrepared(op); err != nil {
		return nil, err
	}
	_, _, covParams := gp.params.Layout().Split(gp.params.Values())

	kss, err := gp.kernel.Diag(xTest, covParams)
	if err != nil {
		return nil, optimization.WrapError(err, "prior variance").WithComponent(gpComponent).WithOperation(op)
	}
	v, err := gp.crossSolve(xTest, covParams, op)
	if err != nil {
		return nil, err
	}

	variance := mat.NewVecDense(len(kss), nil)
	for i, k := range kss {
		col := v.ColView(i)
		variance.SetVec(i, math.Max(0, k-mat.Dot(col, col)))
	}
	return variance, nil
}

// PredictCovariance returns the full posterior covariance
// K(x*,x*) − Vᵀ·V of the latent function at xTest. Diagonal entries are
// clipped at zero.
func (gp *GP) PredictCovariance(xTest mat.Matrix) (*mat.SymDense, error) {
	const op = "GP.PredictCovariance"

	if err := gp.requirePrepared(op); err != nil {
		return nil, err
	}
	_, _, covParams := gp.params.Layout().Split(gp.params.Values())

	kss, err := gp.kernel.SymMatrix(xTest, covParams)
	if err != nil {
		return nil, optimization.WrapError(err, "prior covariance").WithComponent(gpComponent).WithOperation(op)
	}
	v, err := gp.crossSolve(xTest, covParams, op)
	if err != nil {
		return nil, err
	}

	cov := mat.NewSymDense(kss.SymmetricDim(), nil)
	cov.SymRankK(kss, -1, v.T())
	for i := 0; i < cov.SymmetricDim(); i++ {
		if cov.At(i, i) < 0 {
			cov.SetSym(i, i, 0)
		}
	}
	return cov, nil
}

// Predict returns the posterior mean and variance at xTest against the
// prepared training set.
func (gp *GP) Predict(xTest mat.Matrix) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if err := gp.requirePrepared(op); err != nil {
		return nil, nil, err
	}
	mean, err := gp.predictMean(xTest, op)
	if err != nil {
		return nil, nil, err
	}
	variance, err := gp.PredictVariance(xTest)
	if err != nil {
		return nil, nil, err
	}
	return mean, variance, nil
}

// Sample draws nSamples functions from the posterior at xTest. It returns
// a matrix where each column represents a sample.
func (gp *GP) Sample(xTest mat.Matrix, nSamples int, rng *rand.Rand) (*mat.Dense, error) {
	const op = "GP.Sample"

	if nSamples <= 0 {
		return nil, optimization.NewErrorf("number of samples must be positive, got %d", nSamples).
			WithComponent(gpComponent).WithOperation(op)
	}
	if rng == nil {
		return nil, optimization.NewError("nil random source").WithComponent(gpComponent).WithOperation(op)
	}

	mean, err := gp.predictMeanChecked(xTest, op)
	if err != nil {
		return nil, err
	}
	cov, err := gp.PredictCovariance(xTest)
	if err != nil {
		return nil, err
	}
	nTest := mean.Len()

	// Generate standard normal samples (nTest x nSamples)
	stdNorm := mat.NewDense(nTest, nSamples, nil)
	for i := 0; i < nTest; i++ {
		for j := 0; j < nSamples; j++ {
			stdNorm.Set(i, j, rng.NormFloat64())
		}
	}

	root, err := covarianceRoot(cov)
	if err != nil {
		return nil, optimization.WrapError(err, "posterior covariance root").
			WithComponent(gpComponent).WithOperation(op)
	}

	// samples = mean + root·z
	samples := mat.NewDense(nTest, nSamples, nil)
	samples.Mul(root, stdNorm)
	for i := 0; i < nTest; i++ {
		m := mean.AtVec(i)
		for j := 0; j < nSamples; j++ {
			samples.Set(i, j, samples.At(i, j)+m)
		}
	}
	return samples, nil
}

func (gp *GP) predictMeanChecked(xTest mat.Matrix, op string) (*mat.VecDense, error) {
	if err := gp.requirePrepared(op); err != nil {
		return nil, err
	}
	return gp.predictMean(xTest, op)
}

// covarianceRoot returns R with R·Rᵀ = cov, using a jittered Cholesky factor
// and falling back to a symmetric square root from the eigendecomposition
// for rank-deficient covariances.
func covarianceRoot(cov *mat.SymDense) (mat.Matrix, error) {
	if f, err := linalg.Factorize(cov, linalg.DefaultJitter()); err == nil {
		return f.L(), nil
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, errors.New("eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	sqrtS := mat.NewDiagDense(len(values), nil)
	for i, val := range values {
		sqrtS.SetDiag(i, math.Sqrt(math.Max(0, val)))
	}
	var root mat.Dense
	root.Mul(&vectors, sqrtS)
	return &root, nil
}

// NegativeLogMarginalLikelihood returns the objective and its gradient for
// (x, t) at the current hyperparameters.
func (gp *GP) NegativeLogMarginalLikelihood(x *mat.Dense, t *mat.VecDense) (float64, []float64, error) {
	const op = "GP.NegativeLogMarginalLikelihood"

	if gp.params == nil {
		return 0, nil, optimization.WrapError(optimization.ErrNotFitted, "no hyperparameters").
			WithComponent(gpComponent).WithOperation(op)
	}
	ml, err := gp.marginal(gp.kernel, x, t)
	if err != nil {
		return 0, nil, optimization.WrapError(err, "nlml").WithComponent(gpComponent).WithOperation(op)
	}
	return ml.Evaluate(gp.params.Values())
}
