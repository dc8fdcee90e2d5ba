package bayesian

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/gpr/internal/optimization"
)

const optimizerComponent = "hyperparameter_optimizer"

// HyperparameterOptimizer minimizes an objective in two phases: a
// Latin-hypercube search over a bounded box, then gradient refinement from
// the best candidates.
type HyperparameterOptimizer struct {
	// Configuration
	config optimization.OptimizerConfig

	// Random number generator
	rng *rand.Rand

	logger *zap.Logger

	// Best solution found
	bestSolution *optimization.Solution

	// Phase-one candidate evaluations
	history []optimization.Evaluation
}

var _ optimization.Optimizer = (*HyperparameterOptimizer)(nil)

// NewHyperparameterOptimizer creates an optimizer. Zero fields of config
// take their default values; a nil logger discards output.
func NewHyperparameterOptimizer(config optimization.OptimizerConfig, logger *zap.Logger) (*HyperparameterOptimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.WithDefaults().WithResolvedSeed()
	rng := rand.New(rand.NewSource(config.RandomSeed))
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HyperparameterOptimizer{
		config:  config,
		rng:     rng,
		logger:  logger.Named(optimizerComponent),
		history: make([]optimization.Evaluation, 0, config.NumInitCandidates),
	}, nil
}

// Config returns the effective configuration.
func (o *HyperparameterOptimizer) Config() optimization.OptimizerConfig { return o.config }

// Optimize runs both phases and returns the best refined solution.
//
// A restart whose steps never yield a finite objective fails with
// ErrOptimizationFailed. The run fails only if every restart fails; the
// error then carries the best valid vector seen as its fallback.
func (o *HyperparameterOptimizer) Optimize(ctx context.Context, objective optimization.Objective, bounds [][2]float64) (*optimization.OptimizationResult, error) {
	const op = "Optimize"

	if len(bounds) == 0 {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "no parameters to optimize").
			WithComponent(optimizerComponent).WithOperation(op)
	}

	o.bestSolution = nil
	o.history = o.history[:0]

	seeds, err := o.search(ctx, objective, bounds)
	if err != nil {
		return nil, err
	}
	seed := seeds[0]

	o.logger.Info("Initial search complete",
		zap.Int("candidates", len(o.history)),
		zap.Int("valid", len(seeds)),
		zap.Float64("best_nlml", seed.Value),
	)

	result := &optimization.OptimizationResult{
		Seed:       copySolution(seed),
		History:    append([]optimization.Evaluation(nil), o.history...),
		RandomSeed: o.config.RandomSeed,
	}

	var best *refinement
	var firstErr error
	fallback := copySolution(seed)
	nRestarts := min(o.config.NumRestarts, len(seeds))
	for r := 0; r < nRestarts; r++ {
		ref, err := o.refine(ctx, objective, seeds[r], r)
		if ref != nil {
			result.Trace = append(result.Trace, ref.trace...)
			result.Epochs += ref.epochs
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			o.logger.Warn("Refinement failed",
				zap.Int("restart", r),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			if ref != nil && ref.best.Value < fallback.Value {
				fallback = copySolution(ref.best)
			}
			continue
		}
		o.updateBestSolution(ref.best.Parameters, ref.best.Value)
		if best == nil || ref.best.Value < best.best.Value {
			best = ref
		}
	}

	if best == nil {
		return nil, optimization.WrapError(firstErr, "every restart failed").
			WithComponent(optimizerComponent).WithOperation(op).WithFallback(fallback.Parameters)
	}

	result.BestSolution = copySolution(best.best)
	result.Converged = best.converged

	o.logger.Info("Optimization complete",
		zap.Float64("nlml", result.BestSolution.Value),
		zap.Int("epochs", result.Epochs),
		zap.Bool("converged", result.Converged),
	)
	return result, nil
}

// GetBestSolution returns the best solution found so far
func (o *HyperparameterOptimizer) GetBestSolution() *optimization.Solution {
	return o.bestSolution
}

// GetHistory returns the phase-one evaluations
func (o *HyperparameterOptimizer) GetHistory() []optimization.Evaluation {
	return o.history
}

// search evaluates the phase-one candidates and returns the valid ones
// ordered by objective value, earlier candidates first on ties.
func (o *HyperparameterOptimizer) search(ctx context.Context, objective optimization.Objective, bounds [][2]float64) ([]*optimization.Solution, error) {
	candidates := o.latinHypercubeSample(bounds, o.config.NumInitCandidates)

	valid := make([]*optimization.Solution, 0, len(candidates))
	var lastErr error
	for i, x := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := objective.Value(x)
		if err == nil && !isFinite(value) {
			err = optimization.NewErrorf("non-finite objective %v", value)
		}

		eval := optimization.Evaluation{Iteration: i, Error: err}
		if err == nil {
			eval.Solution = &optimization.Solution{Parameters: x, Value: value}
			valid = append(valid, eval.Solution)
			o.updateBestSolution(x, value)
		} else {
			lastErr = err
			o.logger.Debug("Skipping candidate",
				zap.Int("candidate", i),
				zap.Error(err),
			)
		}
		o.history = append(o.history, eval)
	}

	if len(valid) == 0 {
		return nil, optimization.WrapErrorf(optimization.ErrOptimizationFailed,
			"none of %d initial candidates had a finite objective (last error: %v)", len(candidates), lastErr).
			WithComponent(optimizerComponent).WithOperation("search")
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Value < valid[j].Value
	})
	return valid, nil
}

// refinement is the outcome of one phase-two restart.
type refinement struct {
	best      *optimization.Solution
	trace     []optimization.TracePoint
	epochs    int
	converged bool
}

func (o *HyperparameterOptimizer) refine(ctx context.Context, objective optimization.Objective, start *optimization.Solution, restart int) (*refinement, error) {
	if o.config.Method == optimization.MethodLBFGS {
		return o.refineLBFGS(ctx, objective, start, restart)
	}
	return o.refineDescent(ctx, objective, start, restart)
}

// refineDescent runs gradient descent or Adam. A step is accepted only if it
// yields a finite objective no larger than the current one; otherwise the
// step size halves up to MaxStepHalvings times.
func (o *HyperparameterOptimizer) refineDescent(ctx context.Context, objective optimization.Objective, start *optimization.Solution, restart int) (*refinement, error) {
	const op = "refine"
	cfg := o.config

	x := append([]float64(nil), start.Parameters...)
	f, g, err := objective.Evaluate(x)
	if err == nil && !isFinite(f) {
		err = optimization.NewErrorf("non-finite objective %v", f)
	}
	ref := &refinement{
		best:  &optimization.Solution{Parameters: x, Value: start.Value},
		trace: []optimization.TracePoint{{Restart: restart, Epoch: 0, Value: start.Value}},
	}
	if err != nil {
		return ref, optimization.WrapError(optimization.ErrOptimizationFailed, "gradient unavailable at start").
			WithComponent(optimizerComponent).WithOperation(op).WithFallback(x)
	}
	ref.best.Value = f
	ref.trace[0].Value = f

	// Adam moments.
	var m, v []float64
	if cfg.Method == optimization.MethodAdam {
		m = make([]float64, len(x))
		v = make([]float64, len(x))
	}

	dir := make([]float64, len(x))
	cand := make([]float64, len(x))
	step := cfg.LearningRate

	for epoch := 1; epoch <= cfg.MaxEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		ref.epochs = epoch

		if cfg.Method == optimization.MethodAdam {
			adamDirection(dir, g, m, v, epoch, cfg)
		} else {
			copy(dir, g)
		}

		var (
			accepted  bool
			sawFinite bool
			fc        float64
			gc        []float64
		)
		for try := 0; try <= cfg.MaxStepHalvings; try++ {
			floats.AddScaledTo(cand, x, -step, dir)
			val, grad, err := objective.Evaluate(cand)
			if err == nil && isFinite(val) {
				sawFinite = true
				if val <= f {
					accepted, fc, gc = true, val, grad
					break
				}
			}
			step /= 2
		}

		if !accepted {
			if !sawFinite {
				return ref, optimization.WrapErrorf(optimization.ErrOptimizationFailed,
					"no finite objective after %d step halvings at epoch %d", cfg.MaxStepHalvings, epoch).
					WithComponent(optimizerComponent).WithOperation(op).WithFallback(x)
			}
			// Finite but uphill in every direction tried: a local minimum.
			ref.converged = true
			break
		}

		improvement := (f - fc) / math.Max(math.Abs(f), 1)
		copy(x, cand)
		f, g = fc, gc
		ref.best.Value = f
		ref.trace = append(ref.trace, optimization.TracePoint{Restart: restart, Epoch: epoch, Value: f})
		step = math.Min(2*step, cfg.LearningRate)

		if epoch%cfg.LogInterval == 0 {
			o.logger.Info("Refinement progress",
				zap.Int("restart", restart),
				zap.Int("epoch", epoch),
				zap.Float64("nlml", f),
				zap.Float64("step", step),
			)
		}

		if improvement < cfg.ConvergenceTolerance {
			ref.converged = true
			break
		}
	}

	return ref, nil
}

// adamDirection updates the moment estimates with g and writes the
// bias-corrected step direction into dir.
func adamDirection(dir, g, m, v []float64, t int, cfg optimization.OptimizerConfig) {
	c1 := 1 - math.Pow(cfg.Beta1, float64(t))
	c2 := 1 - math.Pow(cfg.Beta2, float64(t))
	for i, gi := range g {
		m[i] = cfg.Beta1*m[i] + (1-cfg.Beta1)*gi
		v[i] = cfg.Beta2*v[i] + (1-cfg.Beta2)*gi*gi
		dir[i] = (m[i] / c1) / (math.Sqrt(v[i]/c2) + cfg.Epsilon)
	}
}

// refineLBFGS delegates to gonum's limited-memory BFGS.
func (o *HyperparameterOptimizer) refineLBFGS(ctx context.Context, objective optimization.Objective, start *optimization.Solution, restart int) (*refinement, error) {
	const op = "refineLBFGS"
	cfg := o.config

	cache := &evalCache{objective: objective}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			f, _, err := cache.eval(x)
			if err != nil {
				return math.Inf(1)
			}
			return f
		},
		Grad: func(grad, x []float64) {
			_, g, err := cache.eval(x)
			if err != nil {
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			copy(grad, g)
		},
	}

	f0, _, err := cache.eval(start.Parameters)
	ref := &refinement{
		best:  &optimization.Solution{Parameters: append([]float64(nil), start.Parameters...), Value: start.Value},
		trace: []optimization.TracePoint{{Restart: restart, Epoch: 0, Value: start.Value}},
	}
	if err != nil {
		return ref, optimization.WrapError(optimization.ErrOptimizationFailed, "gradient unavailable at start").
			WithComponent(optimizerComponent).WithOperation(op).WithFallback(start.Parameters)
	}
	ref.best.Value = f0
	ref.trace[0].Value = f0

	rec := &traceRecorder{ctx: ctx, restart: restart, logger: o.logger, interval: cfg.LogInterval}
	settings := &optimize.Settings{
		MajorIterations: cfg.MaxEpoch,
		Converger: &optimize.FunctionConverge{
			Absolute:   cfg.ConvergenceTolerance,
			Relative:   cfg.ConvergenceTolerance,
			Iterations: 1,
		},
		Recorder: rec,
	}

	res, err := optimize.Minimize(problem, start.Parameters, settings, &optimize.LBFGS{})
	ref.trace = append(ref.trace, rec.trace...)
	ref.epochs = rec.epochs
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ref, ctxErr
	}
	if res != nil && isFinite(res.F) && res.F <= ref.best.Value {
		ref.best = &optimization.Solution{Parameters: append([]float64(nil), res.X...), Value: res.F}
	}
	if err != nil && res == nil {
		return ref, optimization.WrapError(optimization.ErrOptimizationFailed, err.Error()).
			WithComponent(optimizerComponent).WithOperation(op).WithFallback(ref.best.Parameters)
	}
	if err != nil {
		o.logger.Debug("L-BFGS stopped early", zap.Int("restart", restart), zap.Error(err))
	}
	ref.converged = res.Status == optimize.FunctionConvergence || res.Status == optimize.GradientThreshold
	return ref, nil
}

// evalCache remembers the last objective evaluation so that gonum's
// separate Func and Grad callbacks share one factorization.
type evalCache struct {
	objective optimization.Objective
	x         []float64
	f         float64
	g         []float64
	err       error
}

func (c *evalCache) eval(x []float64) (float64, []float64, error) {
	if c.x != nil && floats.Equal(c.x, x) {
		return c.f, c.g, c.err
	}
	c.x = append(c.x[:0], x...)
	c.f, c.g, c.err = c.objective.Evaluate(x)
	if c.err == nil && !isFinite(c.f) {
		c.err = optimization.NewErrorf("non-finite objective %v", c.f)
	}
	return c.f, c.g, c.err
}

// traceRecorder implements optimize.Recorder, collecting major iterations
// and stopping the run when ctx is done.
type traceRecorder struct {
	ctx      context.Context
	restart  int
	logger   *zap.Logger
	interval int

	trace  []optimization.TracePoint
	epochs int
}

func (r *traceRecorder) Init() error { return nil }

func (r *traceRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if op != optimize.MajorIteration {
		return nil
	}
	r.epochs = stats.MajorIterations
	r.trace = append(r.trace, optimization.TracePoint{Restart: r.restart, Epoch: r.epochs, Value: loc.F})
	if r.interval > 0 && r.epochs%r.interval == 0 {
		r.logger.Info("Refinement progress",
			zap.Int("restart", r.restart),
			zap.Int("epoch", r.epochs),
			zap.Float64("nlml", loc.F),
		)
	}
	return nil
}

// updateBestSolution updates the best solution if the new solution is better
func (o *HyperparameterOptimizer) updateBestSolution(params []float64, value float64) {
	if o.bestSolution == nil || value < o.bestSolution.Value {
		o.bestSolution = &optimization.Solution{
			Parameters: append([]float64(nil), params...),
			Value:      value,
		}
	}
}

// latinHypercubeSample generates n points inside bounds using Latin
// Hypercube Sampling
func (o *HyperparameterOptimizer) latinHypercubeSample(bounds [][2]float64, n int) [][]float64 {
	nDims := len(bounds)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, nDims)
	}

	strata := make([]float64, n)
	for i := 0; i < nDims; i++ {
		// Generate stratified random samples
		for j := 0; j < n; j++ {
			strata[j] = (float64(j) + o.rng.Float64()) / float64(n)
		}

		// Shuffle
		o.rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})

		// Scale to parameter bounds and store
		lo, hi := bounds[i][0], bounds[i][1]
		for j := 0; j < n; j++ {
			samples[j][i] = lo + strata[j]*(hi-lo)
		}
	}

	return samples
}

func copySolution(s *optimization.Solution) *optimization.Solution {
	return &optimization.Solution{
		Parameters: append([]float64(nil), s.Parameters...),
		Value:      s.Value,
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
