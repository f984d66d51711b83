package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/lock"
)

const gateHandleKey = "gate.lock_handle"

// ConcurrencyGate is middleware that caps how many downloads run against one
// source at a time. Before each gated job it probes the per-key lock; when no
// slot is free the job is deferred back onto the queue instead of failing.
// Ungated job types pass straight through.
type ConcurrencyGate struct {
	locks      lock.KeyLocker
	gatedTypes map[string]struct{}
}

// NewConcurrencyGate builds a gate guarding the given job types.
func NewConcurrencyGate(locks lock.KeyLocker, gatedTypes ...string) *ConcurrencyGate {
	gated := make(map[string]struct{}, len(gatedTypes))
	for _, t := range gatedTypes {
		gated[t] = struct{}{}
	}
	return &ConcurrencyGate{locks: locks, gatedTypes: gated}
}

// Before takes a lock slot for the job's source key, or defers the job when
// every slot is busy. Jobs without a source key are never gated: there is
// nothing to serialise them against.
func (g *ConcurrencyGate) Before(ctx context.Context, rc *RunContext) error {
	if _, gated := g.gatedTypes[rc.Job.Type]; !gated {
		return nil
	}
	if rc.Job.SourceKey == "" {
		return nil
	}

	handle, ok := g.locks.TryAcquire(rc.Job.SourceKey)
	if !ok {
		log.Debug().
			Str("job_id", rc.Job.ID).
			Str("source_key", rc.Job.SourceKey).
			Msg("Source at capacity, deferring job")
		return ErrDeferred
	}

	rc.Set(gateHandleKey, handle)
	return nil
}

// After releases the slot taken in Before. The handle is removed from the
// context first, so a retried After can never double-release.
func (g *ConcurrencyGate) After(rc *RunContext, runErr error) {
	handle, ok := rc.Value(gateHandleKey).(lock.Handle)
	if !ok {
		return
	}
	rc.Delete(gateHandleKey)

	if err := handle.Release(); err != nil {
		log.Warn().Err(err).Str("job_id", rc.Job.ID).Msg("Failed to release source lock")
	}
}
