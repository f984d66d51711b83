package scheduler

import (
	"context"
	"errors"
)

// ErrDeferred is returned by middleware to signal that the job cannot run
// right now and should be pushed back onto the queue without consuming an
// attempt. The worker pool treats it as a reschedule, not a failure.
var ErrDeferred = errors.New("job deferred")

// RunContext carries per-execution state through the middleware chain and
// into the handler. Middleware may stash values in it (a lock handle, a
// span) for its After hook to pick up.
type RunContext struct {
	Job    *Job
	values map[string]any
}

// NewRunContext wraps a claimed job for one execution.
func NewRunContext(job *Job) *RunContext {
	return &RunContext{Job: job}
}

// Set stores a value for later retrieval by key.
func (rc *RunContext) Set(key string, value any) {
	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = value
}

// Value returns the value stored under key, or nil.
func (rc *RunContext) Value(key string) any {
	return rc.values[key]
}

// Delete removes a stored value.
func (rc *RunContext) Delete(key string) {
	delete(rc.values, key)
}

// Middleware brackets job execution. Before runs ahead of the handler and
// may veto the run; After always runs once Before succeeded, in reverse
// registration order, and receives the handler's error.
type Middleware interface {
	Before(ctx context.Context, rc *RunContext) error
	After(rc *RunContext, runErr error)
}
