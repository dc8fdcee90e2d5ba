package kernels

import "math"

var sqrt5 = math.Sqrt(5)

// Matern52 implements the Matérn 5/2 kernel
//
//	k(x, x') = A·(1 + √5·r + 5r²/3)·exp(-√5·r),  r² = Σ_d (x_d - x'_d)² / ℓ_d²
//
// with the same parameter layout as Gaussian.
type Matern52 struct {
	stationary
}

var _ Kernel = (*Matern52)(nil)

// NewMatern52 creates a Matérn 5/2 kernel for dims input dimensions.
func NewMatern52(dims int, ard bool, opts ...Option) *Matern52 {
	return &Matern52{stationary: newStationary(matern52Profile{}, dims, ard, opts)}
}

// WithARD returns a copy of the kernel with ARD switched.
func (k *Matern52) WithARD(ard bool) Kernel {
	c := *k
	c.ard = ard
	return &c
}

type matern52Profile struct{}

func (matern52Profile) name() string { return "matern52" }

func (matern52Profile) value(r2 float64) float64 {
	r := math.Sqrt(r2)
	return (1 + sqrt5*r + 5.0/3.0*r2) * math.Exp(-sqrt5*r)
}

func (matern52Profile) slope(r2 float64) float64 {
	r := math.Sqrt(r2)
	return 5.0 / 3.0 * (1 + sqrt5*r) * math.Exp(-sqrt5*r)
}
