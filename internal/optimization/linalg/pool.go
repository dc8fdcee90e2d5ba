package linalg

import "gonum.org/v1/gonum/mat"

// Pool provides reusable matrix scratch space to reduce allocations across
// repeated marginal likelihood evaluations. Matrices of the wrong shape are
// dropped instead of returned. A Pool is not safe for concurrent use.
type Pool struct {
	syms  []*mat.SymDense
	dense []*mat.Dense
	vecs  []*mat.VecDense
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{
		syms:  make([]*mat.SymDense, 0, 4),
		dense: make([]*mat.Dense, 0, 4),
		vecs:  make([]*mat.VecDense, 0, 4),
	}
}

// GetSymDense returns a zeroed n×n symmetric matrix.
func (p *Pool) GetSymDense(n int) *mat.SymDense {
	for len(p.syms) > 0 {
		m := p.syms[len(p.syms)-1]
		p.syms = p.syms[:len(p.syms)-1]
		if m.SymmetricDim() == n {
			m.Zero()
			return m
		}
	}
	return mat.NewSymDense(n, nil)
}

// PutSymDense returns a symmetric matrix to the pool.
func (p *Pool) PutSymDense(m *mat.SymDense) {
	if m != nil && !m.IsEmpty() {
		p.syms = append(p.syms, m)
	}
}

// GetDense returns a zeroed r×c matrix.
func (p *Pool) GetDense(r, c int) *mat.Dense {
	for len(p.dense) > 0 {
		m := p.dense[len(p.dense)-1]
		p.dense = p.dense[:len(p.dense)-1]
		if mr, mc := m.Dims(); mr == r && mc == c {
			m.Zero()
			return m
		}
	}
	return mat.NewDense(r, c, nil)
}

// PutDense returns a dense matrix to the pool.
func (p *Pool) PutDense(m *mat.Dense) {
	if m != nil && !m.IsEmpty() {
		p.dense = append(p.dense, m)
	}
}

// GetVecDense returns a zeroed vector of length n.
func (p *Pool) GetVecDense(n int) *mat.VecDense {
	for len(p.vecs) > 0 {
		v := p.vecs[len(p.vecs)-1]
		p.vecs = p.vecs[:len(p.vecs)-1]
		if v.Len() == n {
			v.Zero()
			return v
		}
	}
	return mat.NewVecDense(n, nil)
}

// PutVecDense returns a vector to the pool.
func (p *Pool) PutVecDense(v *mat.VecDense) {
	if v != nil && !v.IsEmpty() {
		p.vecs = append(p.vecs, v)
	}
}
