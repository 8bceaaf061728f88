package engine

import "context"

// CancelHandle is the cooperative cancellation signal threaded through
// a pipeline execution. It wraps a context.Context/CancelFunc pair so
// suspension points (stage execution, retry backoff, queue dequeue,
// middleware hooks, scheduler ticks — §5) can observe cancellation via
// the standard context idiom while exposing the explicit Signal/Err
// vocabulary the spec uses instead of exception-based control flow.
type CancelHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelHandle creates a handle derived from parent. Passing
// context.Background() is the common case for a top-level execute().
func NewCancelHandle(parent context.Context) *CancelHandle {
	ctx, cancel := context.WithCancel(parent)
	return &CancelHandle{ctx: ctx, cancel: cancel}
}

// Signal triggers cancellation. Safe to call multiple times and from
// multiple goroutines.
func (h *CancelHandle) Signal() {
	h.cancel()
}

// Done returns a channel closed once Signal has been called or the
// parent context was cancelled.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Err returns a non-nil *Error{Kind: ErrCancelled} once cancellation
// has been observed, nil otherwise.
func (h *CancelHandle) Err() error {
	if h.ctx.Err() == nil {
		return nil
	}
	return NewError(ErrCancelled, "", h.ctx.Err())
}

// Context returns the underlying context, for suspension points (I/O,
// timers) that need to select on it directly.
func (h *CancelHandle) Context() context.Context {
	return h.ctx
}

// Release is called by the orchestrator once a pipeline execution
// returns, per the ExecutionContext lifecycle invariant ("once the
// pipeline returns, cancel is released").
func (h *CancelHandle) Release() {
	h.cancel()
}
