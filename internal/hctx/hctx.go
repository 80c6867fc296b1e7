package hctx

import "context"

// State holds per-attempt metadata the worker attaches to a transfer so it
// can label logs and spans.
type State struct {
	Worker  int
	Tag     string
	Attempt int
}

// New creates a fresh attempt state container.
func New(worker int, tag string, attempt int) *State {
	return &State{Worker: worker, Tag: tag, Attempt: attempt}
}

type ctxKey struct{}

// WithState returns a child context carrying the given attempt state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the attempt state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
