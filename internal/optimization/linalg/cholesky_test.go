package linalg

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gpr/internal/optimization"
	"github.com/copyleftdev/gpr/internal/optimization/testutil"
)

// spd returns AᵀA + n·I for a random A, which is well conditioned.
func spd(rng *rand.Rand, n int) *mat.SymDense {
	a := testutil.RandomMatrix(rng, n, n, -1, 1)
	var s mat.SymDense
	s.SymOuterK(1, a.T())
	for i := 0; i < n; i++ {
		s.SetSym(i, i, s.At(i, i)+float64(n))
	}
	return &s
}

func TestFactorizeAndSolve(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	k := spd(rng, 6)

	f, err := Factorize(k, DefaultJitter())
	require.NoError(t, err)
	assert.Equal(t, 6, f.Size())
	assert.Zero(t, f.Jitter())
	assert.Equal(t, 1, f.Attempts())

	b := testutil.RandomVector(rng, 6, -1, 1)
	var x mat.VecDense
	require.NoError(t, f.SolveVec(&x, b))

	var kx mat.VecDense
	kx.MulVec(k, &x)
	testutil.AssertFloat64SlicesEqual(t, kx.RawVector().Data, b.RawVector().Data, 1e-10)

	// L·Lᵀ reproduces K.
	var llt mat.Dense
	llt.Mul(f.L(), f.L().T())
	testutil.AssertMatEqual(t, &llt, k, 1e-10)
}

func TestLogDet(t *testing.T) {
	k := mat.NewSymDense(2, []float64{4, 2, 2, 3})
	f, err := Factorize(k, DefaultJitter())
	require.NoError(t, err)

	// det = 12 - 4 = 8
	assert.InDelta(t, math.Log(8), f.LogDet(), 1e-12)

	var sumLogDiag float64
	l := f.L()
	for i := 0; i < 2; i++ {
		sumLogDiag += math.Log(l.At(i, i))
	}
	assert.InDelta(t, sumLogDiag, f.HalfLogDet(), 1e-12)
}

func TestSingleElement(t *testing.T) {
	f, err := Factorize(mat.NewSymDense(1, []float64{9}), DefaultJitter())
	require.NoError(t, err)
	assert.InDelta(t, 3, f.L().At(0, 0), 1e-15)

	var x mat.VecDense
	require.NoError(t, f.SolveVec(&x, mat.NewVecDense(1, []float64{18})))
	assert.InDelta(t, 2, x.AtVec(0), 1e-15)
}

func TestJitterRescuesSingularMatrix(t *testing.T) {
	// Rank one: every entry 1.
	k := mat.NewSymDense(3, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
	f, err := Factorize(k, DefaultJitter())
	require.NoError(t, err)
	assert.Greater(t, f.Jitter(), 0.0)
	assert.Greater(t, f.Attempts(), 1)
}

func TestFactorizeFailures(t *testing.T) {
	tests := []struct {
		name string
		k    *mat.SymDense
		cfg  JitterConfig
	}{
		{
			name: "indefinite",
			k:    mat.NewSymDense(2, []float64{1, 0, 0, -5}),
			cfg:  DefaultJitter(),
		},
		{
			name: "no retries allowed",
			k:    mat.NewSymDense(2, []float64{1, 1, 1, 1}),
			cfg:  JitterConfig{Initial: 1e-6, MaxAttempts: 0},
		},
		{
			name: "non-finite entry",
			k:    mat.NewSymDense(2, []float64{1, math.NaN(), math.NaN(), 1}),
			cfg:  DefaultJitter(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Factorize(tt.k, tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, optimization.ErrNumericalInstability)
		})
	}
}

func TestSolveShapeChecks(t *testing.T) {
	f, err := Factorize(mat.NewSymDense(2, []float64{2, 0, 0, 2}), DefaultJitter())
	require.NoError(t, err)

	var v mat.VecDense
	assert.ErrorIs(t, f.SolveVec(&v, mat.NewVecDense(3, nil)), optimization.ErrDimensionMismatch)

	var d mat.Dense
	assert.ErrorIs(t, f.Solve(&d, mat.NewDense(3, 1, nil)), optimization.ErrDimensionMismatch)
	assert.ErrorIs(t, f.SolveLower(&d, mat.NewDense(1, 2, nil)), optimization.ErrDimensionMismatch)
}

func TestTraceInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	k := spd(rng, 5)
	f, err := Factorize(k, DefaultJitter())
	require.NoError(t, err)

	var inv mat.Dense
	require.NoError(t, inv.Inverse(k))

	got, err := f.TraceInverse()
	require.NoError(t, err)
	assert.InDelta(t, mat.Trace(&inv), got, 1e-10)
}

func TestSolveMatrix(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	k := spd(rng, 4)
	f, err := Factorize(k, DefaultJitter())
	require.NoError(t, err)

	b := testutil.RandomMatrix(rng, 4, 3, -1, 1)
	var x mat.Dense
	require.NoError(t, f.Solve(&x, b))
	var kx mat.Dense
	kx.Mul(k, &x)
	testutil.AssertMatEqual(t, &kx, b, 1e-10)

	var y mat.Dense
	require.NoError(t, f.SolveLower(&y, b))
	var ly mat.Dense
	ly.Mul(f.L(), &y)
	testutil.AssertMatEqual(t, &ly, b, 1e-10)
}

func TestPoolReuse(t *testing.T) {
	p := NewPool()

	s := p.GetSymDense(3)
	s.SetSym(0, 1, 5)
	p.PutSymDense(s)
	again := p.GetSymDense(3)
	assert.Same(t, s, again)
	assert.Zero(t, again.At(0, 1))

	p.PutSymDense(again)
	other := p.GetSymDense(4)
	assert.NotSame(t, again, other)
	assert.Equal(t, 4, other.SymmetricDim())

	d := p.GetDense(2, 3)
	d.Set(1, 2, 1)
	p.PutDense(d)
	assert.Same(t, d, p.GetDense(2, 3))
	assert.Zero(t, d.At(1, 2))

	v := p.GetVecDense(5)
	v.SetVec(4, 1)
	p.PutVecDense(v)
	assert.Same(t, v, p.GetVecDense(5))
	assert.Zero(t, v.AtVec(4))
}
