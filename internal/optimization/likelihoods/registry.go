package likelihoods

// New returns the likelihood registered under name, or nil.
func New(name string) Likelihood {
	switch name {
	case "", "gaussian":
		return Gaussian{}
	}
	return nil
}
