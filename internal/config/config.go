package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/gpr/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		MaxBodyBytes    int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"33554432"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	GP struct {
		MaxEpoch             int     `env:"GP_MAX_EPOCH" envDefault:"500"`
		NumInitCandidates    int     `env:"GP_NUM_INIT_CANDIDATES" envDefault:"20"`
		NumRestarts          int     `env:"GP_NUM_RESTARTS" envDefault:"1"`
		LearningRate         float64 `env:"GP_LEARNING_RATE" envDefault:"0.05"`
		ConvergenceTolerance float64 `env:"GP_CONVERGENCE_TOLERANCE" envDefault:"1e-6"`
		Method               string  `env:"GP_METHOD" envDefault:"gradient_descent"`
		ARD                  bool    `env:"GP_ARD" envDefault:"false"`
		Seed                 int64   `env:"GP_SEED" envDefault:"0"`
		KernelWorkers        int     `env:"GP_KERNEL_WORKERS" envDefault:"0"`
		// MaxConcurrentFits bounds background fits across all models.
		MaxConcurrentFits int `env:"GP_MAX_CONCURRENT_FITS" envDefault:"4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if err := cfg.OptimizerConfig().Validate(); err != nil {
		return nil, fmt.Errorf("invalid GP settings: %w", err)
	}
	if cfg.GP.MaxConcurrentFits < 1 {
		return nil, fmt.Errorf("GP_MAX_CONCURRENT_FITS must be positive, got %d", cfg.GP.MaxConcurrentFits)
	}

	return cfg, nil
}

// OptimizerConfig returns the hyperparameter search settings. Zero values
// fall back to optimization.DefaultOptimizerConfig.
func (c *Config) OptimizerConfig() optimization.OptimizerConfig {
	return optimization.OptimizerConfig{
		MaxEpoch:             c.GP.MaxEpoch,
		NumInitCandidates:    c.GP.NumInitCandidates,
		NumRestarts:          c.GP.NumRestarts,
		LearningRate:         c.GP.LearningRate,
		ConvergenceTolerance: c.GP.ConvergenceTolerance,
		Method:               optimization.Method(c.GP.Method),
		ARD:                  c.GP.ARD,
		RandomSeed:           c.GP.Seed,
	}
}
