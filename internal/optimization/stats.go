package optimization

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// maxDistancePairs bounds the number of row pairs used for the median
// pairwise distance.
const maxDistancePairs = 2000

// DataStats summarizes training data so that function objects can derive
// sensible search ranges for their hyperparameters. Degenerate statistics
// (zero spread, a single sample) are replaced by 1.
type DataStats struct {
	NumSamples int
	Dims       int

	TargetMean     float64
	TargetVariance float64

	// ColumnSpread is the standard deviation of each feature column.
	ColumnSpread []float64

	// MedianDistance is the median Euclidean distance between rows.
	MedianDistance float64
}

// NewDataStats computes DataStats for x (N×D) and t (length N). Distances
// are estimated from a random subset of pairs drawn from rng when N is large.
func NewDataStats(x mat.Matrix, t mat.Vector, rng *rand.Rand) DataStats {
	n, d := x.Dims()
	s := DataStats{
		NumSamples:     n,
		Dims:           d,
		TargetVariance: 1,
		MedianDistance: 1,
		ColumnSpread:   make([]float64, d),
	}

	targets := make([]float64, t.Len())
	for i := range targets {
		targets[i] = t.AtVec(i)
	}
	if len(targets) > 0 {
		s.TargetMean = stat.Mean(targets, nil)
	}
	if len(targets) > 1 {
		_, v := stat.PopMeanVariance(targets, nil)
		if v > 0 && !math.IsInf(v, 0) {
			s.TargetVariance = v
		}
	}

	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, x)
		s.ColumnSpread[j] = 1
		if n > 1 {
			sd := stat.PopStdDev(col, nil)
			if sd > 0 {
				s.ColumnSpread[j] = sd
			}
		}
	}

	if n > 1 {
		if med := medianDistance(x, rng); med > 0 {
			s.MedianDistance = med
		}
	}
	return s
}

func medianDistance(x mat.Matrix, rng *rand.Rand) float64 {
	n, d := x.Dims()
	ri := make([]float64, d)
	rj := make([]float64, d)
	dist := func(i, j int) float64 {
		mat.Row(ri, i, x)
		mat.Row(rj, j, x)
		return floats.Distance(ri, rj, 2)
	}

	total := n * (n - 1) / 2
	var ds []float64
	if total <= maxDistancePairs || rng == nil {
		ds = make([]float64, 0, total)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				ds = append(ds, dist(i, j))
			}
		}
	} else {
		ds = make([]float64, 0, maxDistancePairs)
		for len(ds) < maxDistancePairs {
			i, j := rng.Intn(n), rng.Intn(n)
			if i == j {
				continue
			}
			ds = append(ds, dist(i, j))
		}
	}
	sort.Float64s(ds)
	return stat.Quantile(0.5, stat.Empirical, ds, nil)
}
