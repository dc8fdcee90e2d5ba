package optimization

import (
	"context"
	"fmt"
	"time"
)

// Method selects the phase-two refinement algorithm.
type Method string

const (
	// MethodGradientDescent takes steps along the negative gradient.
	MethodGradientDescent Method = "gradient_descent"
	// MethodAdam scales steps by running moment estimates of the gradient.
	MethodAdam Method = "adam"
	// MethodLBFGS delegates refinement to gonum's limited-memory BFGS.
	MethodLBFGS Method = "lbfgs"
)

// Optimizer defines the interface for hyperparameter search algorithms.
type Optimizer interface {
	// Optimize minimizes objective inside bounds, one [min, max] per parameter.
	Optimize(ctx context.Context, objective Objective, bounds [][2]float64) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the phase-one candidate evaluations
	GetHistory() []Evaluation
}

// Objective is a differentiable function to minimize.
type Objective interface {
	// Value returns the objective at params.
	Value(params []float64) (float64, error)
	// Evaluate returns the objective and its gradient at params.
	Evaluate(params []float64) (float64, []float64, error)
}

// OptimizerConfig contains configuration for hyperparameter learning.
// A zero field takes the value from DefaultOptimizerConfig.
type OptimizerConfig struct {
	// MaxEpoch caps the number of refinement epochs per restart.
	MaxEpoch int

	// NumInitCandidates is the number of randomized phase-one candidates.
	NumInitCandidates int

	// NumRestarts is how many of the best phase-one candidates are refined.
	NumRestarts int

	// LearningRate is the initial step size of gradient descent and Adam.
	LearningRate float64

	// ConvergenceTolerance stops refinement once the relative improvement
	// between epochs drops below it.
	ConvergenceTolerance float64

	// MaxStepHalvings bounds the step-size backoff of a single epoch.
	MaxStepHalvings int

	// ARD selects one kernel width per input dimension.
	ARD bool

	// Method selects the refinement algorithm.
	Method Method

	// LogInterval is the number of epochs between progress log lines.
	LogInterval int

	// RandomSeed seeds every random draw of a fit: the data statistics
	// that size the search box and the phase-one candidates. Zero draws
	// one time-based seed per fit, reported in OptimizationResult.RandomSeed
	// so the run can be replayed.
	RandomSeed int64

	// Adam moment decay rates and denominator guard.
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultOptimizerConfig returns a fresh default configuration.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxEpoch:             500,
		NumInitCandidates:    20,
		NumRestarts:          1,
		LearningRate:         0.05,
		ConvergenceTolerance: 1e-6,
		MaxStepHalvings:      10,
		Method:               MethodGradientDescent,
		LogInterval:          50,
		Beta1:                0.9,
		Beta2:                0.999,
		Epsilon:              1e-8,
	}
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c OptimizerConfig) WithDefaults() OptimizerConfig {
	d := DefaultOptimizerConfig()
	if c.MaxEpoch <= 0 {
		c.MaxEpoch = d.MaxEpoch
	}
	if c.NumInitCandidates <= 0 {
		c.NumInitCandidates = d.NumInitCandidates
	}
	if c.NumRestarts <= 0 {
		c.NumRestarts = d.NumRestarts
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.ConvergenceTolerance <= 0 {
		c.ConvergenceTolerance = d.ConvergenceTolerance
	}
	if c.MaxStepHalvings <= 0 {
		c.MaxStepHalvings = d.MaxStepHalvings
	}
	if c.Method == "" {
		c.Method = d.Method
	}
	if c.LogInterval <= 0 {
		c.LogInterval = d.LogInterval
	}
	if c.Beta1 <= 0 {
		c.Beta1 = d.Beta1
	}
	if c.Beta2 <= 0 {
		c.Beta2 = d.Beta2
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	return c
}

// Validate checks values that cannot be defaulted.
func (c OptimizerConfig) Validate() error {
	switch c.Method {
	case "", MethodGradientDescent, MethodAdam, MethodLBFGS:
	default:
		return NewErrorf("unknown method %q", c.Method).WithOperation("OptimizerConfig.Validate")
	}
	if c.Beta1 >= 1 || c.Beta2 >= 1 {
		return NewErrorf("adam decay rates must be below 1, got %v and %v", c.Beta1, c.Beta2).
			WithOperation("OptimizerConfig.Validate")
	}
	if c.NumRestarts > 0 && c.NumInitCandidates > 0 && c.NumRestarts > c.NumInitCandidates {
		return NewErrorf("num restarts %d exceeds num init candidates %d", c.NumRestarts, c.NumInitCandidates).
			WithOperation("OptimizerConfig.Validate")
	}
	return nil
}

// WithResolvedSeed replaces a zero RandomSeed with a time-based one.
func (c OptimizerConfig) WithResolvedSeed() OptimizerConfig {
	for c.RandomSeed == 0 {
		c.RandomSeed = time.Now().UnixNano()
	}
	return c
}

// Solution represents a point in parameter space and its objective value.
type Solution struct {
	Parameters []float64
	Value      float64
}

// Evaluation represents a single phase-one candidate evaluation.
type Evaluation struct {
	Iteration int
	Solution  *Solution
	Error     error
}

// TracePoint is one accepted refinement epoch.
type TracePoint struct {
	Restart int
	Epoch   int
	Value   float64
}

func (p TracePoint) String() string {
	return fmt.Sprintf("restart=%d epoch=%d nlml=%.6g", p.Restart, p.Epoch, p.Value)
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	// BestSolution is the lowest objective found over all restarts.
	BestSolution *Solution
	// Seed is the best phase-one candidate.
	Seed *Solution
	// History lists every phase-one candidate.
	History []Evaluation
	// Trace lists accepted refinement epochs.
	Trace []TracePoint
	// Epochs counts refinement epochs over all restarts.
	Epochs int
	// Converged reports whether the winning restart met the tolerance
	// before the epoch cap.
	Converged bool
	// RandomSeed is the seed the run actually used.
	RandomSeed int64
}
