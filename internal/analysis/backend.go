package analysis

import "context"

// Noop is a Backend that succeeds with an empty result, for tests that
// only care about the dispatcher's claim/complete bookkeeping.
type Noop struct {
	Type    string
	PerPage bool
}

func (b *Noop) AnalysisType() string       { return b.Type }
func (b *Noop) RequiresPerPageImage() bool { return b.PerPage }
func (b *Noop) Run(context.Context, Input) (Output, error) {
	return Output{}, nil
}

// Fixed is a Backend that always returns a canned Output (or error),
// for tests that need to assert on the result a dispatcher run produces.
type Fixed struct {
	Type    string
	PerPage bool
	Out     Output
	Err     error
}

func (b *Fixed) AnalysisType() string       { return b.Type }
func (b *Fixed) RequiresPerPageImage() bool { return b.PerPage }
func (b *Fixed) Run(context.Context, Input) (Output, error) {
	return b.Out, b.Err
}
