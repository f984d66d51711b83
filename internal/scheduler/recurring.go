package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultRecurringPollInterval = 30 * time.Second

// RecurringPoller turns due recurring registrations into queued jobs. The
// due rows are claimed with SKIP LOCKED, so running several instances of
// the poller only ever materialises each occurrence once.
type RecurringPoller struct {
	store    *JobStore
	interval time.Duration
}

// NewRecurringPoller creates a poller with the default interval.
func NewRecurringPoller(store *JobStore) *RecurringPoller {
	return &RecurringPoller{store: store, interval: defaultRecurringPollInterval}
}

// SetInterval overrides how often due schedules are checked.
func (p *RecurringPoller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// Start runs the poll loop until ctx is cancelled.
func (p *RecurringPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				enqueued, err := p.store.RunDueRecurring(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Msg("Recurring job poll failed")
					}
					continue
				}
				if enqueued > 0 {
					log.Debug().Int("jobs", enqueued).Msg("Enqueued due recurring jobs")
				}
			}
		}
	}()
	log.Info().Dur("interval", p.interval).Msg("Recurring job poller started")
}
