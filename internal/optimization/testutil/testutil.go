// Package testutil provides fixtures and assertions shared by the
// optimization test suites.
package testutil

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// Quadratic is the objective Σ (xᵢ - Centerᵢ)², with Center defaulting to
// the origin.
type Quadratic struct {
	Center []float64
}

func (q Quadratic) center(i int) float64 {
	if i < len(q.Center) {
		return q.Center[i]
	}
	return 0
}

// Value implements optimization.Objective.
func (q Quadratic) Value(x []float64) (float64, error) {
	var sum float64
	for i, v := range x {
		d := v - q.center(i)
		sum += d * d
	}
	return sum, nil
}

// Evaluate implements optimization.Objective.
func (q Quadratic) Evaluate(x []float64) (float64, []float64, error) {
	f, _ := q.Value(x)
	g := make([]float64, len(x))
	for i, v := range x {
		g[i] = 2 * (v - q.center(i))
	}
	return f, g, nil
}

// ErrUnstable is returned by Cliff outside its stable region.
var ErrUnstable = errors.New("objective undefined")

// Cliff wraps an objective and fails wherever any coordinate exceeds Limit
// in absolute value.
type Cliff struct {
	Inner interface {
		Value([]float64) (float64, error)
		Evaluate([]float64) (float64, []float64, error)
	}
	Limit float64
}

func (c Cliff) outside(x []float64) bool {
	for _, v := range x {
		if math.Abs(v) > c.Limit {
			return true
		}
	}
	return false
}

// Value implements optimization.Objective.
func (c Cliff) Value(x []float64) (float64, error) {
	if c.outside(x) {
		return math.NaN(), ErrUnstable
	}
	return c.Inner.Value(x)
}

// Evaluate implements optimization.Objective.
func (c Cliff) Evaluate(x []float64) (float64, []float64, error) {
	if c.outside(x) {
		return math.NaN(), nil, ErrUnstable
	}
	return c.Inner.Evaluate(x)
}

// FiniteDifference approximates the gradient of f at x with central
// differences of width h.
func FiniteDifference(f func([]float64) float64, x []float64, h float64) []float64 {
	g := make([]float64, len(x))
	xp := append([]float64(nil), x...)
	for i := range x {
		xp[i] = x[i] + h
		fp := f(xp)
		xp[i] = x[i] - h
		fm := f(xp)
		xp[i] = x[i]
		g[i] = (fp - fm) / (2 * h)
	}
	return g
}

// AssertFloat64SlicesEqual checks if two float64 slices are approximately equal
func AssertFloat64SlicesEqual(t testing.TB, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// AssertMatEqual checks if two matrices are approximately equal
func AssertMatEqual(t testing.TB, got, want mat.Matrix, tol float64) {
	t.Helper()

	rg, cg := got.Dims()
	rw, cw := want.Dims()
	if rg != rw || cg != cw {
		t.Fatalf("matrix dimensions mismatch: got %dx%d, want %dx%d", rg, cg, rw, cw)
	}

	for i := 0; i < rg; i++ {
		for j := 0; j < cg; j++ {
			g := got.At(i, j)
			w := want.At(i, j)
			if math.Abs(g-w) > tol {
				t.Fatalf("at (%d,%d): got %v, want %v (tolerance %v)", i, j, g, w, tol)
			}
		}
	}
}

// RandomMatrix generates a rows×cols matrix with entries in [min, max]
func RandomMatrix(rng *rand.Rand, rows, cols int, min, max float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = min + rng.Float64()*(max-min)
	}
	return mat.NewDense(rows, cols, data)
}

// RandomVector generates a vector with entries in [min, max]
func RandomVector(rng *rand.Rand, size int, min, max float64) *mat.VecDense {
	data := make([]float64, size)
	for i := range data {
		data[i] = min + rng.Float64()*(max-min)
	}
	return mat.NewVecDense(size, data)
}

// SineData samples n points uniformly in [-2, 2]^d with targets
// Σ sin(2xⱼ) plus Gaussian noise of standard deviation noise.
func SineData(rng *rand.Rand, n, d int, noise float64) (*mat.Dense, *mat.VecDense) {
	x := RandomMatrix(rng, n, d, -2, 2)
	t := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		var y float64
		for j := 0; j < d; j++ {
			y += math.Sin(2 * x.At(i, j))
		}
		t.SetVec(i, y+noise*rng.NormFloat64())
	}
	return x, t
}

// PermuteRows returns copies of x and t with rows reordered by perm.
func PermuteRows(x *mat.Dense, t *mat.VecDense, perm []int) (*mat.Dense, *mat.VecDense) {
	n, d := x.Dims()
	px := mat.NewDense(n, d, nil)
	pt := mat.NewVecDense(n, nil)
	for i, p := range perm {
		px.SetRow(i, x.RawRowView(p))
		pt.SetVec(i, t.AtVec(p))
	}
	return px, pt
}
