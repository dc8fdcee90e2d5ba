package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/config"
	apperrors "github.com/copyleftdev/gpr/internal/errors"
	"github.com/copyleftdev/gpr/internal/logging"
	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/bayesian"
	"github.com/copyleftdev/gpr/internal/optimization/kernels"
	"github.com/copyleftdev/gpr/internal/optimization/means"
)

// ModelStatus is the lifecycle stage of a hosted model.
type ModelStatus string

const (
	StatusPending   ModelStatus = "pending"
	StatusFitting   ModelStatus = "fitting"
	StatusReady     ModelStatus = "ready"
	StatusFailed    ModelStatus = "failed"
	StatusCancelled ModelStatus = "cancelled"
)

// errModelNotFound is reported for unknown model IDs.
var errModelNotFound = errors.New("model not found")

// model is one hosted GP with the training set it was prepared on. mu
// guards every field; a GP is not safe for concurrent use.
type model struct {
	mu sync.Mutex

	id        string
	status    ModelStatus
	kernel    string
	mean      string
	dims      int
	ard       bool
	gp        *bayesian.GP
	x         *mat.Dense
	t         *mat.VecDense
	result    *optimization.OptimizationResult
	nlml      float64
	err       error
	fallback  []float64
	cancel    context.CancelFunc
	createdAt time.Time
	updatedAt time.Time
	endedAt   *time.Time
}

// Server implements the HTTP and JSON-RPC interface of the model service.
// Fits run in background goroutines, bounded by GP.MaxConcurrentFits.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	gpLogger *zap.Logger

	models   map[string]*model
	modelsMu sync.RWMutex // Protects the models map

	fitSlots *semaphore.Weighted
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewServer creates a new server instance with the given config and logger.
// Library logs from fits are routed into the same logger.
func NewServer(cfg *config.Config, logger *logging.Logger) *Server {
	slots := int64(cfg.GP.MaxConcurrentFits)
	if slots < 1 {
		slots = 1
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		gpLogger: logging.NewZapLogger(logger),
		models:   make(map[string]*model),
		fitSlots: semaphore.NewWeighted(slots),
		now:      time.Now,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/models", s.handleList)
		r.Post("/models", s.handleFit)
		r.Post("/models/import", s.handleImport)
		r.Route("/models/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleDelete)
			r.Post("/predict", s.handlePredict)
			r.Put("/params", s.handleSetParams)
			r.Get("/export", s.handleExport)
		})
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

func (s *Server) lookup(id string) (*model, error) {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, apperrors.Wrap(errModelNotFound, id).WithStatus(http.StatusNotFound)
	}
	return m, nil
}

func (s *Server) register(m *model) {
	s.modelsMu.Lock()
	s.models[m.id] = m
	s.modelsMu.Unlock()
	activeModels.Inc()
}

func (s *Server) newModel(spec modelSpec, x *mat.Dense, t *mat.VecDense) *model {
	now := s.now()
	return &model{
		id:        uuid.NewString(),
		status:    StatusPending,
		kernel:    spec.Kernel,
		mean:      spec.Mean,
		dims:      spec.Dims,
		ard:       spec.ARD,
		x:         x,
		t:         t,
		createdAt: now,
		updatedAt: now,
	}
}

func (s *Server) kernelOptions() []kernels.Option {
	if s.cfg.GP.KernelWorkers > 0 {
		return []kernels.Option{kernels.WithWorkers(s.cfg.GP.KernelWorkers)}
	}
	return nil
}

// buildGP creates an unfitted model for spec.
func (s *Server) buildGP(spec modelSpec) (*bayesian.GP, error) {
	kernel := kernels.New(spec.Kernel, spec.Dims, spec.ARD, s.kernelOptions()...)
	if kernel == nil {
		return nil, apperrors.Errorf("unknown kernel %q", spec.Kernel).WithStatus(http.StatusBadRequest)
	}
	mean := means.New(spec.Mean)
	if mean == nil {
		return nil, apperrors.Errorf("unknown mean %q", spec.Mean).WithStatus(http.StatusBadRequest)
	}
	return bayesian.NewGP(kernel, mean, nil, bayesian.WithLogger(s.gpLogger)), nil
}

// startFit registers a model and fits it in the background.
func (s *Server) startFit(req fitRequest) (*modelView, error) {
	x, t, err := trainingSet(req.Features, req.Targets)
	if err != nil {
		return nil, err
	}
	spec := req.spec(x, s.cfg.GP.ARD)
	gp, err := s.buildGP(spec)
	if err != nil {
		return nil, err
	}
	cfg := req.Config.apply(s.cfg.OptimizerConfig())
	cfg.ARD = spec.ARD
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, "invalid optimizer config").WithStatus(http.StatusBadRequest)
	}

	m := s.newModel(spec, x, t)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	// Rendered before the model is shared with runFit and other requests.
	view := m.view(false)
	s.register(m)

	s.wg.Add(1)
	go s.runFit(ctx, m, gp, cfg)

	return &view, nil
}

// runFit executes the fit in a goroutine. The model's GP is swapped in
// only after Prepare succeeds.
func (s *Server) runFit(ctx context.Context, m *model, gp *bayesian.GP, cfg optimization.OptimizerConfig) {
	defer s.wg.Done()
	defer m.cancel()

	logger := s.logger.WithField("model_id", m.id)

	if err := s.fitSlots.Acquire(ctx, 1); err != nil {
		s.finish(m, 0, err)
		return
	}
	defer s.fitSlots.Release(1)

	m.mu.Lock()
	m.status = StatusFitting
	m.updatedAt = s.now()
	x, t := m.x, m.t
	m.mu.Unlock()

	logger.Info("Fit started", map[string]interface{}{
		"samples": x.RawMatrix().Rows,
		"dims":    x.RawMatrix().Cols,
		"method":  string(cfg.WithDefaults().Method),
	})

	start := time.Now()
	result, err := gp.Fit(ctx, x, t, cfg)
	fitDuration.WithLabelValues(string(cfg.WithDefaults().Method)).Observe(time.Since(start).Seconds())
	if err == nil {
		err = gp.Prepare(x, t)
	}
	var nlml float64
	if err == nil {
		nlml, err = gp.PreparedNLML()
	}
	if err != nil {
		gp = nil
		logger.WithError(err).Warn("Fit failed")
	} else {
		fitNLML.Observe(nlml)
		logger.Info("Fit finished", map[string]interface{}{
			"nlml":      nlml,
			"epochs":    result.Epochs,
			"converged": result.Converged,
		})
	}

	m.mu.Lock()
	m.gp = gp
	m.result = result
	m.mu.Unlock()
	s.finish(m, nlml, err)
}

func (s *Server) finish(m *model, nlml float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := s.now()
	m.updatedAt = now
	m.endedAt = &now
	switch {
	case err == nil:
		m.status = StatusReady
		m.nlml = nlml
		fitsTotal.WithLabelValues("success").Inc()
	case errors.Is(err, context.Canceled):
		m.status = StatusCancelled
		m.err = err
		fitsTotal.WithLabelValues("cancelled").Inc()
	default:
		m.status = StatusFailed
		m.err = err
		if fallback, ok := optimization.FallbackParams(err); ok {
			m.fallback = fallback
		}
		fitsTotal.WithLabelValues("failure").Inc()
	}
}

func (s *Server) status(id string, withTrace bool) (*modelView, error) {
	m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	view := m.view(withTrace)
	return &view, nil
}

func (s *Server) list() []modelView {
	s.modelsMu.RLock()
	models := make([]*model, 0, len(s.models))
	for _, m := range s.models {
		models = append(models, m)
	}
	s.modelsMu.RUnlock()

	views := make([]modelView, 0, len(models))
	for _, m := range models {
		m.mu.Lock()
		views = append(views, m.view(false))
		m.mu.Unlock()
	}
	return views
}

func (s *Server) predict(id string, req predictRequest) (*predictResponse, error) {
	m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	xTest, err := matrix(req.Features)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gp == nil {
		return nil, apperrors.Wrapf(optimization.ErrNotPrepared, "model is %s", m.status)
	}
	mean, variance, err := m.gp.Predict(xTest)
	if err != nil {
		return nil, err
	}
	resp := &predictResponse{
		Mean:     mean.RawVector().Data,
		Variance: variance.RawVector().Data,
	}
	if req.FullCovariance {
		cov, err := m.gp.PredictCovariance(xTest)
		if err != nil {
			return nil, err
		}
		resp.Covariance = rows(cov)
	}
	predictedPoints.Add(float64(len(resp.Mean)))
	return resp, nil
}

// setParams replaces the hyperparameters of a model that is not fitting
// and re-prepares it on its training set.
func (s *Server) setParams(id string, params []float64) (*modelView, error) {
	m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusPending, StatusFitting:
		return nil, apperrors.Errorf("model is %s", m.status).WithStatus(http.StatusConflict)
	}

	// A fresh GP keeps the current one intact if Prepare fails.
	gp, err := s.buildGP(modelSpec{Kernel: m.kernel, Mean: m.mean, Dims: m.dims, ARD: m.ard})
	if err != nil {
		return nil, err
	}
	if err := gp.SetParams(params); err != nil {
		return nil, err
	}
	if err := gp.Prepare(m.x, m.t); err != nil {
		return nil, err
	}
	nlml, err := gp.PreparedNLML()
	if err != nil {
		return nil, err
	}

	m.gp = gp
	m.status = StatusReady
	m.nlml = nlml
	m.err = nil
	m.fallback = nil
	m.updatedAt = s.now()
	view := m.view(false)
	return &view, nil
}

// importModel restores exported parameters and prepares the model on the
// supplied training set.
func (s *Server) importModel(req importRequest) (*modelView, error) {
	x, t, err := trainingSet(req.Features, req.Targets)
	if err != nil {
		return nil, err
	}
	snap := req.snapshot(x)
	gp, err := bayesian.Restore(snap,
		bayesian.WithLogger(s.gpLogger), bayesian.WithKernelOptions(s.kernelOptions()...))
	if err != nil {
		return nil, apperrors.Wrap(err, "restore").WithStatus(http.StatusBadRequest)
	}
	if err := gp.Prepare(x, t); err != nil {
		return nil, err
	}
	nlml, err := gp.PreparedNLML()
	if err != nil {
		return nil, err
	}

	spec := modelSpec{Kernel: gp.Kernel().Name(), Mean: snap.Mean, Dims: snap.Dims, ARD: snap.ARD}
	if spec.Mean == "" {
		spec.Mean = "constant"
	}
	m := s.newModel(spec, x, t)
	m.gp = gp
	m.status = StatusReady
	m.nlml = nlml
	view := m.view(false)
	s.register(m)

	s.logger.Info("Model imported", map[string]interface{}{"model_id": m.id, "nlml": nlml})
	return &view, nil
}

func (s *Server) export(id string) (*bayesian.Snapshot, error) {
	m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gp == nil {
		return nil, apperrors.Wrapf(optimization.ErrNotFitted, "model is %s", m.status)
	}
	snap, err := m.gp.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// deleteModel cancels any running fit and forgets the model.
func (s *Server) deleteModel(id string) error {
	s.modelsMu.Lock()
	m, ok := s.models[id]
	delete(s.models, id)
	s.modelsMu.Unlock()
	if !ok {
		return apperrors.Wrap(errModelNotFound, id).WithStatus(http.StatusNotFound)
	}
	activeModels.Dec()

	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close cancels running fits and waits for them to return.
func (s *Server) Close() error {
	s.modelsMu.RLock()
	for _, m := range s.models {
		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()
	}
	s.modelsMu.RUnlock()

	s.wg.Wait()
	return nil
}
