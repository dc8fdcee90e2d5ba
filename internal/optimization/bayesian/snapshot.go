package bayesian

import (
	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/kernels"
	"github.com/copyleftdev/gpr/internal/optimization/likelihoods"
	"github.com/copyleftdev/gpr/internal/optimization/means"
)

// Snapshot is the persisted form of a trained model. Params keeps the
// [likelihood, mean, covariance] order of GP.Params.
type Snapshot struct {
	Kernel     string    `json:"kernel"`
	Mean       string    `json:"mean"`
	Likelihood string    `json:"likelihood"`
	Dims       int       `json:"dims"`
	ARD        bool      `json:"ard"`
	Params     []float64 `json:"params"`
}

// Snapshot captures the configuration and hyperparameters of gp.
func (gp *GP) Snapshot() (Snapshot, error) {
	if gp.params == nil {
		return Snapshot{}, optimization.WrapError(optimization.ErrNotFitted, "nothing to snapshot").
			WithComponent(gpComponent).WithOperation("GP.Snapshot")
	}
	return Snapshot{
		Kernel:     gp.kernel.Name(),
		Mean:       gp.mean.Name(),
		Likelihood: gp.likelihood.Name(),
		Dims:       gp.kernel.Dims(),
		ARD:        gp.kernel.ARD(),
		Params:     gp.params.Values(),
	}, nil
}

// Restore rebuilds a fitted model from a snapshot. The result still needs
// Prepare before it can predict.
func Restore(s Snapshot, opts ...Option) (*GP, error) {
	const op = "Restore"

	if s.Dims <= 0 {
		return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch, "dims must be positive, got %d", s.Dims).
			WithComponent(gpComponent).WithOperation(op)
	}

	gp := newGP(opts)
	if gp.kernel = kernels.New(s.Kernel, s.Dims, s.ARD, gp.kernelOpts...); gp.kernel == nil {
		return nil, optimization.NewErrorf("unknown kernel %q", s.Kernel).WithComponent(gpComponent).WithOperation(op)
	}
	if gp.mean = means.New(s.Mean); gp.mean == nil {
		return nil, optimization.NewErrorf("unknown mean %q", s.Mean).WithComponent(gpComponent).WithOperation(op)
	}
	if gp.likelihood = likelihoods.New(s.Likelihood); gp.likelihood == nil {
		return nil, optimization.NewErrorf("unknown likelihood %q", s.Likelihood).WithComponent(gpComponent).WithOperation(op)
	}
	if err := gp.SetParams(s.Params); err != nil {
		return nil, err
	}
	return gp, nil
}
