package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/metrics"
)

const (
	minIdleBackoff = 500 * time.Millisecond
	maxIdleBackoff = 10 * time.Second

	// retryBaseDelay seeds the exponential backoff between attempts.
	retryBaseDelay = 30 * time.Second
	maxRetryDelay  = 30 * time.Minute

	// deferCooldown is how long a middleware-deferred job waits before the
	// next probe.
	defaultDeferCooldown = 30 * time.Second

	notifyChannel = "new_jobs"
)

// WorkerPool runs a fixed set of workers over the job queues. Each worker
// claims from its assigned queues, sleeps with exponential backoff while
// idle, and is woken early by PostgreSQL NOTIFY when new jobs arrive.
type WorkerPool struct {
	store       *JobStore
	numWorkers  int
	assignments [][]string

	handlers    map[string]Handler
	middlewares []Middleware

	deferCooldown time.Duration

	notifyCh chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup

	listener *pq.Listener
}

// NewWorkerPool creates a pool of numWorkers workers sharing the given
// queues. Queues are dealt round-robin across workers; when there are fewer
// queues than workers the remainder watch every queue.
func NewWorkerPool(store *JobStore, numWorkers int, queues []string) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}

	assignments := make([][]string, numWorkers)
	for i, q := range queues {
		w := i % numWorkers
		assignments[w] = append(assignments[w], q)
	}
	for i := range assignments {
		if len(assignments[i]) == 0 {
			assignments[i] = queues
		}
	}

	return &WorkerPool{
		store:         store,
		numWorkers:    numWorkers,
		assignments:   assignments,
		handlers:      make(map[string]Handler),
		deferCooldown: defaultDeferCooldown,
		notifyCh:      make(chan struct{}, 1),
	}
}

// RegisterHandler binds a handler to a job type. Must be called before
// Start.
func (wp *WorkerPool) RegisterHandler(jobType string, handler Handler) {
	wp.handlers[jobType] = handler
}

// Use appends middleware to the execution chain. Before hooks run in
// registration order, After hooks in reverse.
func (wp *WorkerPool) Use(m Middleware) {
	wp.middlewares = append(wp.middlewares, m)
}

// SetDeferCooldown overrides how long deferred jobs wait before retrying.
func (wp *WorkerPool) SetDeferCooldown(d time.Duration) {
	if d > 0 {
		wp.deferCooldown = d
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().Int("workers", wp.numWorkers).Msg("Starting worker pool")
	go func() {
		<-ctx.Done()
		wp.stopping.Store(true)
	}()
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop flags the pool as shutting down and waits for in-flight jobs. Jobs
// interrupted by cancellation are returned to the queue without burning an
// attempt.
func (wp *WorkerPool) Stop() {
	wp.stopping.Store(true)
	wp.wg.Wait()
	if wp.listener != nil {
		wp.listener.Close()
	}
	log.Info().Msg("Worker pool stopped")
}

// StartNotifyListener subscribes to the new_jobs channel so idle workers
// wake as soon as a job is inserted. The pool still polls, so losing the
// listener degrades latency, not correctness.
func (wp *WorkerPool) StartNotifyListener(ctx context.Context, connString string) error {
	listener := pq.NewListener(connString, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Job notify listener event error")
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}
	wp.listener = listener

	go func() {
		pingTicker := time.NewTicker(90 * time.Second)
		defer pingTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// Connection dropped; pq reconnects on its own.
					continue
				}
				wp.wake()
			case <-pingTicker.C:
				if err := listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("Job notify listener ping failed")
				}
			}
		}
	}()

	log.Info().Str("channel", notifyChannel).Msg("Listening for job notifications")
	return nil
}

// wake nudges one idle worker without blocking.
func (wp *WorkerPool) wake() {
	select {
	case wp.notifyCh <- struct{}{}:
	default:
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	queues := wp.assignments[id]
	backoff := minIdleBackoff

	log.Debug().Int("worker", id).Strs("queues", queues).Msg("Worker started")

	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := wp.processNextJob(ctx, queues)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("Job processing error")
		}
		if worked {
			backoff = minIdleBackoff
			continue
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wp.notifyCh:
			timer.Stop()
			backoff = minIdleBackoff
		case <-timer.C:
			backoff *= 2
			if backoff > maxIdleBackoff {
				backoff = maxIdleBackoff
			}
		}
	}
}

// processNextJob claims and executes one job. Returns true when a job was
// claimed, whatever the outcome, so the caller knows the queue is live.
func (wp *WorkerPool) processNextJob(ctx context.Context, queues []string) (bool, error) {
	job, err := wp.store.Claim(ctx, queues)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	metrics.JobsStarted.WithLabelValues(job.Type).Inc()
	logger := log.With().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("queue", job.Queue).
		Int("attempt", job.Attempts).
		Logger()

	handler, ok := wp.handlers[job.Type]
	if !ok {
		logger.Error().Msg("No handler registered for job type")
		return true, wp.store.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for type %q", job.Type))
	}

	rc := NewRunContext(job)

	// Before hooks, in order. A deferral rolls back the attempt and puts
	// the job back on the queue after a cooldown.
	var entered []Middleware
	for _, m := range wp.middlewares {
		if err := m.Before(ctx, rc); err != nil {
			for i := len(entered) - 1; i >= 0; i-- {
				entered[i].After(rc, err)
			}
			if errors.Is(err, ErrDeferred) {
				metrics.JobsDeferred.WithLabelValues(job.Type).Inc()
				logger.Debug().Msg("Job deferred by middleware")
				return true, wp.store.Defer(ctx, job.ID, time.Now().UTC().Add(wp.deferCooldown))
			}
			return true, wp.retryOrFail(ctx, job, err, logger)
		}
		entered = append(entered, m)
	}

	span := sentry.StartSpan(ctx, "job.process")
	span.SetTag("job_type", job.Type)
	span.SetTag("queue", job.Queue)
	runErr := handler(span.Context(), job)
	span.Finish()

	for i := len(entered) - 1; i >= 0; i-- {
		entered[i].After(rc, runErr)
	}

	if runErr == nil {
		metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
		logger.Info().Msg("Job completed")
		return true, wp.store.Complete(ctx, job.ID)
	}

	// A shutdown interruption is not the job's fault. Give the attempt
	// back and let the next instance pick it up immediately.
	if errors.Is(runErr, context.Canceled) && wp.stopping.Load() {
		logger.Info().Msg("Job interrupted by shutdown, returning to queue")
		return true, wp.store.Defer(context.WithoutCancel(ctx), job.ID, time.Now().UTC())
	}

	return true, wp.retryOrFail(ctx, job, runErr, logger)
}

func (wp *WorkerPool) retryOrFail(ctx context.Context, job *Job, runErr error, logger zerolog.Logger) error {
	if job.Attempts < job.MaxAttempts {
		delay := retryDelay(job.Attempts)
		metrics.JobsRetried.WithLabelValues(job.Type).Inc()
		logger.Warn().Err(runErr).Dur("retry_in", delay).Msg("Job failed, will retry")
		return wp.store.RetryLater(ctx, job.ID, time.Now().UTC().Add(delay), runErr.Error())
	}

	metrics.JobsFailed.WithLabelValues(job.Type).Inc()
	logger.Error().Err(runErr).Msg("Job failed permanently")
	sentry.CaptureException(fmt.Errorf("job %s (%s) failed permanently: %w", job.ID, job.Type, runErr))
	return wp.store.Fail(ctx, job.ID, runErr.Error())
}

// retryDelay doubles per attempt from the base delay, capped.
func retryDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
