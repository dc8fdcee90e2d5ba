package kernels

import "math"

// Gaussian implements the Gaussian (RBF, squared exponential) kernel
//
//	k(x, x') = A·exp(-0.5·Σ_d (x_d - x'_d)² / ℓ_d²)
//
// with ℓ_d = exp(w_d) and A = exp(2a).
type Gaussian struct {
	stationary
}

var _ Kernel = (*Gaussian)(nil)

// NewGaussian creates a Gaussian kernel for dims input dimensions.
func NewGaussian(dims int, ard bool, opts ...Option) *Gaussian {
	return &Gaussian{stationary: newStationary(gaussianProfile{}, dims, ard, opts)}
}

// WithARD returns a copy of the kernel with ARD switched.
func (k *Gaussian) WithARD(ard bool) Kernel {
	c := *k
	c.ard = ard
	return &c
}

type gaussianProfile struct{}

func (gaussianProfile) name() string { return "gaussian" }

func (gaussianProfile) value(r2 float64) float64 { return math.Exp(-0.5 * r2) }

func (gaussianProfile) slope(r2 float64) float64 { return math.Exp(-0.5 * r2) }
