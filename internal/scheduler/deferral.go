package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultSweepInterval    = time.Minute
	defaultStaleLockTimeout = 15 * time.Minute
	defaultOverdueAfter     = 10 * time.Minute
)

// Coordinator is the background sweep that keeps the queue honest. It
// returns jobs abandoned by dead workers to pending and re-dates pending
// jobs that have sat runnable too long, so deferred work always comes back.
type Coordinator struct {
	store            *JobStore
	interval         time.Duration
	staleLockTimeout time.Duration
	overdueAfter     time.Duration
	cooldown         time.Duration
}

// NewCoordinator creates the recovery sweep with default timings.
func NewCoordinator(store *JobStore) *Coordinator {
	return &Coordinator{
		store:            store,
		interval:         defaultSweepInterval,
		staleLockTimeout: defaultStaleLockTimeout,
		overdueAfter:     defaultOverdueAfter,
		cooldown:         defaultDeferCooldown,
	}
}

// SetInterval overrides how often the sweep runs.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// SetStaleLockTimeout overrides how long a running job may hold its claim
// before being treated as abandoned.
func (c *Coordinator) SetStaleLockTimeout(d time.Duration) {
	if d > 0 {
		c.staleLockTimeout = d
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
	log.Info().
		Dur("interval", c.interval).
		Dur("stale_lock_timeout", c.staleLockTimeout).
		Msg("Deferred execution coordinator started")
}

// Sweep runs one recovery pass immediately. Exposed for the reconcile job.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.sweep(ctx)
}

func (c *Coordinator) sweep(ctx context.Context) {
	reset, err := c.store.ResetStaleRunning(ctx, c.staleLockTimeout, c.cooldown)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reset stale running jobs")
	} else if reset > 0 {
		log.Warn().Int64("jobs", reset).Msg("Reset stale running jobs to pending")
	}

	released, err := c.store.ReleaseOverdue(ctx, c.overdueAfter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to release overdue jobs")
	} else if released > 0 {
		log.Info().Int64("jobs", released).Msg("Released overdue pending jobs")
	}
}
