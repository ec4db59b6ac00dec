// Package timeout implements the gateway's timeout wrapper: races a
// thunk against a deadline, cancelling the in-flight call (best-effort)
// and failing with a distinct timeout error kind when the deadline
// expires first. Nested timeouts compose by innermost-wins, since each
// Wrapper derives its own child context.WithTimeout from whatever
// context it is given.
package timeout

import (
	"context"
	"time"

	"github.com/wudi/canary-gateway/internal/gwerrors"
)

// Wrapper enforces a single deadline around a thunk invocation.
type Wrapper struct {
	duration time.Duration
}

// New creates a Wrapper with the given deadline. A non-positive duration
// disables the wrapper — Execute then runs fn with no deadline of its own.
func New(duration time.Duration) *Wrapper {
	return &Wrapper{duration: duration}
}

// Execute runs fn with ctx bound to the wrapper's deadline. fn must
// observe ctx.Done() promptly to make cancellation effective; the wrapper
// itself only stops waiting, it cannot forcibly preempt fn.
func (w *Wrapper) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if w.duration <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, w.duration)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := fn(ctx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.KindUpstreamTimeout, "upstream call exceeded deadline")
	}
}
