package kernels

import "golang.org/x/sync/errgroup"

// parallelMinCells is the smallest matrix that is filled concurrently.
const parallelMinCells = 4096

// forRows calls fill for every row index in [0, n). Large matrices are
// split across goroutines by row; fill must only write row i, which keeps
// the result independent of scheduling.
func (s *stationary) forRows(n, cols int, fill func(i int)) {
	if s.workers < 2 || n < 2 || n*cols < parallelMinCells {
		for i := 0; i < n; i++ {
			fill(i)
		}
		return
	}

	workers := min(s.workers, n)
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		lo, hi := start, min(start+chunk, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				fill(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}
