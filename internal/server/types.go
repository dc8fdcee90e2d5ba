package server

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/bayesian"
)

// optimizerSettings overrides the server's optimizer defaults for one fit.
// Zero values keep the default.
type optimizerSettings struct {
	MaxEpoch             int     `json:"max_epoch,omitempty"`
	NumInitCandidates    int     `json:"num_init_candidates,omitempty"`
	NumRestarts          int     `json:"num_restarts,omitempty"`
	LearningRate         float64 `json:"learning_rate,omitempty"`
	ConvergenceTolerance float64 `json:"convergence_tolerance,omitempty"`
	Method               string  `json:"method,omitempty"`
	Seed                 int64   `json:"seed,omitempty"`
}

func (o *optimizerSettings) apply(cfg optimization.OptimizerConfig) optimization.OptimizerConfig {
	if o == nil {
		return cfg
	}
	if o.MaxEpoch > 0 {
		cfg.MaxEpoch = o.MaxEpoch
	}
	if o.NumInitCandidates > 0 {
		cfg.NumInitCandidates = o.NumInitCandidates
	}
	if o.NumRestarts > 0 {
		cfg.NumRestarts = o.NumRestarts
	}
	if o.LearningRate > 0 {
		cfg.LearningRate = o.LearningRate
	}
	if o.ConvergenceTolerance > 0 {
		cfg.ConvergenceTolerance = o.ConvergenceTolerance
	}
	if o.Method != "" {
		cfg.Method = optimization.Method(o.Method)
	}
	if o.Seed != 0 {
		cfg.RandomSeed = o.Seed
	}
	return cfg
}

// modelSpec is the structural configuration of a hosted model.
type modelSpec struct {
	Kernel string
	Mean   string
	Dims   int
	ARD    bool
}

type fitRequest struct {
	Features [][]float64        `json:"features"`
	Targets  []float64          `json:"targets"`
	Kernel   string             `json:"kernel,omitempty"`
	Mean     string             `json:"mean,omitempty"`
	ARD      *bool              `json:"ard,omitempty"`
	Config   *optimizerSettings `json:"config,omitempty"`
}

func (r fitRequest) spec(x *mat.Dense, ardDefault bool) modelSpec {
	_, dims := x.Dims()
	ard := ardDefault
	if r.ARD != nil {
		ard = *r.ARD
	}
	kernel := r.Kernel
	if kernel == "" {
		kernel = "gaussian"
	}
	mean := r.Mean
	if mean == "" {
		mean = "constant"
	}
	return modelSpec{Kernel: kernel, Mean: mean, Dims: dims, ARD: ard}
}

type importRequest struct {
	Features   [][]float64 `json:"features"`
	Targets    []float64   `json:"targets"`
	Kernel     string      `json:"kernel,omitempty"`
	Mean       string      `json:"mean,omitempty"`
	Likelihood string      `json:"likelihood,omitempty"`
	ARD        bool        `json:"ard,omitempty"`
	Params     []float64   `json:"params"`
}

func (r importRequest) snapshot(x *mat.Dense) bayesian.Snapshot {
	_, dims := x.Dims()
	return bayesian.Snapshot{
		Kernel:     r.Kernel,
		Mean:       r.Mean,
		Likelihood: r.Likelihood,
		Dims:       dims,
		ARD:        r.ARD,
		Params:     r.Params,
	}
}

type predictRequest struct {
	ModelID        string      `json:"model_id,omitempty"`
	Features       [][]float64 `json:"features"`
	FullCovariance bool        `json:"full_covariance,omitempty"`
}

type predictResponse struct {
	Mean       []float64   `json:"mean"`
	Variance   []float64   `json:"variance"`
	Covariance [][]float64 `json:"covariance,omitempty"`
}

type paramsRequest struct {
	ModelID string    `json:"model_id,omitempty"`
	Params  []float64 `json:"params"`
}

type tracePoint struct {
	Restart int     `json:"restart"`
	Epoch   int     `json:"epoch"`
	Value   float64 `json:"value"`
}

// modelView is the JSON form of a hosted model.
type modelView struct {
	ID             string       `json:"model_id"`
	Status         ModelStatus  `json:"status"`
	Kernel         string       `json:"kernel"`
	Mean           string       `json:"mean"`
	Dims           int          `json:"dims"`
	ARD            bool         `json:"ard"`
	Samples        int          `json:"samples"`
	Params         []float64    `json:"params,omitempty"`
	NLML           *float64     `json:"nlml,omitempty"`
	Epochs         int          `json:"epochs,omitempty"`
	Converged      bool         `json:"converged,omitempty"`
	Seed           int64        `json:"seed,omitempty"`
	Trace          []tracePoint `json:"trace,omitempty"`
	Error          string       `json:"error,omitempty"`
	FallbackParams []float64    `json:"fallback_params,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// view renders m; the caller holds m.mu.
func (m *model) view(withTrace bool) modelView {
	v := modelView{
		ID:             m.id,
		Status:         m.status,
		Kernel:         m.kernel,
		Mean:           m.mean,
		Dims:           m.dims,
		ARD:            m.ard,
		FallbackParams: m.fallback,
		CreatedAt:      m.createdAt,
		UpdatedAt:      m.updatedAt,
		FinishedAt:     m.endedAt,
	}
	if m.x != nil {
		v.Samples, _ = m.x.Dims()
	}
	if m.gp != nil {
		v.Params = m.gp.Params()
	}
	if m.status == StatusReady {
		nlml := m.nlml
		v.NLML = &nlml
	}
	if m.err != nil {
		v.Error = m.err.Error()
	}
	if m.result != nil {
		v.Epochs = m.result.Epochs
		v.Converged = m.result.Converged
		v.Seed = m.result.RandomSeed
		if withTrace {
			v.Trace = make([]tracePoint, len(m.result.Trace))
			for i, p := range m.result.Trace {
				v.Trace[i] = tracePoint{Restart: p.Restart, Epoch: p.Epoch, Value: p.Value}
			}
		}
	}
	return v
}

// matrix copies rows into a dense matrix, rejecting empty, ragged or
// non-finite input.
func matrix(data [][]float64) (*mat.Dense, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "features must be a non-empty matrix")
	}
	cols := len(data[0])
	x := mat.NewDense(len(data), cols, nil)
	for i, row := range data {
		if len(row) != cols {
			return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
				"row %d has %d columns, expected %d", i, len(row), cols)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch, "features[%d][%d] is not finite", i, j)
			}
		}
		x.SetRow(i, row)
	}
	return x, nil
}

func trainingSet(features [][]float64, targets []float64) (*mat.Dense, *mat.VecDense, error) {
	x, err := matrix(features)
	if err != nil {
		return nil, nil, err
	}
	if len(targets) != len(features) {
		return nil, nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"%d feature rows but %d targets", len(features), len(targets))
	}
	for i, v := range targets {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch, "targets[%d] is not finite", i)
		}
	}
	return x, mat.NewVecDense(len(targets), append([]float64(nil), targets...)), nil
}

func rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
