package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/db"
	"github.com/inkhound/inkhound/internal/metrics"
)

// JobStore persists jobs and recurring registrations in PostgreSQL. All
// writes go through the shared transaction helper; claims rely on
// FOR UPDATE SKIP LOCKED so concurrent workers never hand out the same job.
type JobStore struct {
	dbQueue *db.DbQueue
}

// NewJobStore creates a job store over the given transaction helper.
func NewJobStore(dbQueue *db.DbQueue) *JobStore {
	return &JobStore{dbQueue: dbQueue}
}

// Enqueue inserts a pending job and returns its id. A zero RunAt means the
// job is runnable immediately; a future RunAt delays it.
func (s *JobStore) Enqueue(ctx context.Context, spec JobSpec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("job type is required")
	}
	if spec.Queue == "" {
		spec.Queue = QueueDefault
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = JobMaxAttempts()
	}

	now := time.Now().UTC()
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	args, err := marshalArgs(spec.Args)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	err = s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, type, queue, args, source_key, status, run_at, max_attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, spec.Type, spec.Queue, args, spec.SourceKey, string(JobPending), runAt, spec.MaxAttempts, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

// Claim atomically takes the next runnable job from any of the given
// queues, marking it running and counting the attempt. Returns nil when no
// job is due.
func (s *JobStore) Claim(ctx context.Context, queues []string) (*Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}

	var job *Job
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, type, queue, args, source_key, status, run_at, attempts, max_attempts, error, created_at
			FROM jobs
			WHERE queue = ANY($1::text[])
			  AND status = $2
			  AND run_at <= NOW()
			ORDER BY run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, pq.Array(queues), string(JobPending))

		var j Job
		var args string
		err := row.Scan(&j.ID, &j.Type, &j.Queue, &args, &j.SourceKey, &j.Status,
			&j.RunAt, &j.Attempts, &j.MaxAttempts, &j.Error, &j.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select job: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
			return fmt.Errorf("failed to decode job args: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, attempts = attempts + 1, started_at = $2
			WHERE id = $3
		`, string(JobRunning), now, j.ID)
		if err != nil {
			return fmt.Errorf("failed to mark job running: %w", err)
		}

		j.Status = JobRunning
		j.Attempts++
		j.StartedAt = &now
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job as finished successfully.
func (s *JobStore) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, JobCompleted, "")
}

// Fail marks a job as permanently failed with the given error message.
func (s *JobStore) Fail(ctx context.Context, id, errMsg string) error {
	return s.finish(ctx, id, JobFailed, errMsg)
}

func (s *JobStore) finish(ctx context.Context, id string, status JobStatus, errMsg string) error {
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, error = $2, finished_at = $3
			WHERE id = $4
		`, string(status), errMsg, time.Now().UTC(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// RetryLater sends a running job back to pending with a new run time,
// recording the error that triggered the retry. The attempt already counted
// by Claim stands.
func (s *JobStore) RetryLater(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, run_at = $2, error = $3, started_at = NULL
			WHERE id = $4
		`, string(JobPending), runAt, errMsg, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// Defer pushes a job back to pending without consuming its attempt. Used
// when a middleware vetoed the run before any work happened.
func (s *JobStore) Defer(ctx context.Context, id string, runAt time.Time) error {
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, run_at = $2, attempts = GREATEST(attempts - 1, 0), started_at = NULL
			WHERE id = $3
		`, string(JobPending), runAt, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	return nil
}

// Delete removes a job outright. Used when its record is removed from the
// collection before the job ran.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// JobState returns the lifecycle state of a job. Pending jobs whose run time
// is still in the future report as scheduled; a missing row reports
// JobNotFound rather than an error, since records routinely outlive their
// jobs.
func (s *JobStore) JobState(ctx context.Context, id string) (JobStatus, error) {
	if id == "" {
		return JobNotFound, nil
	}

	var status string
	var runAt time.Time
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT status, run_at FROM jobs WHERE id = $1
		`, id).Scan(&status, &runAt)
	})
	if err == sql.ErrNoRows {
		return JobNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read job state: %w", err)
	}

	if JobStatus(status) == JobPending && runAt.After(time.Now().UTC()) {
		return JobScheduled, nil
	}
	return JobStatus(status), nil
}

// QueueDepths returns the number of outstanding (pending or running) jobs
// per queue. Queues with no jobs are absent from the map.
func (s *JobStore) QueueDepths(ctx context.Context, queues []string) (map[string]int, error) {
	depths := make(map[string]int)
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT queue, COUNT(*)
			FROM jobs
			WHERE queue = ANY($1::text[])
			  AND status IN ($2, $3)
			GROUP BY queue
		`, pq.Array(queues), string(JobPending), string(JobRunning))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var queue string
			var depth int
			if err := rows.Scan(&queue, &depth); err != nil {
				return err
			}
			depths[queue] = depth
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}
	for _, queue := range queues {
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depths[queue]))
	}
	return depths, nil
}

// ResetStaleRunning recovers jobs whose worker died mid-run: anything still
// marked running with a started_at older than staleAfter goes back to
// pending, runnable after the cooldown. Returns how many jobs were reset.
func (s *JobStore) ResetStaleRunning(ctx context.Context, staleAfter, cooldown time.Duration) (int64, error) {
	var reset int64
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $1, run_at = $2, attempts = GREATEST(attempts - 1, 0), started_at = NULL
			WHERE status = $3
			  AND started_at < $4
		`, string(JobPending), time.Now().UTC().Add(cooldown), string(JobRunning),
			time.Now().UTC().Add(-staleAfter))
		if err != nil {
			return err
		}
		reset, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	return reset, nil
}

// ReleaseOverdue re-dates pending jobs that have sat runnable far past
// their run time, which nudges them to the front of the claim order.
// Returns how many jobs were touched.
func (s *JobStore) ReleaseOverdue(ctx context.Context, overdueAfter time.Duration) (int64, error) {
	var released int64
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET run_at = NOW()
			WHERE status = $1
			  AND run_at < $2
		`, string(JobPending), time.Now().UTC().Add(-overdueAfter))
		if err != nil {
			return err
		}
		released, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release overdue jobs: %w", err)
	}
	return released, nil
}

// RegisterRecurring stores a cron-scheduled job under a stable key. When
// the key already exists its schedule is refreshed in place and existed is
// true, so callers can tell first registration from renewal.
func (s *JobStore) RegisterRecurring(ctx context.Context, key, cronExpr string, spec JobSpec) (existed bool, err error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return false, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	if spec.Queue == "" {
		spec.Queue = QueueDefault
	}

	args, err := marshalArgs(spec.Args)
	if err != nil {
		return false, err
	}
	nextRun := schedule.Next(time.Now().UTC())

	err = s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		var existing string
		selErr := tx.QueryRowContext(ctx, `SELECT key FROM recurring_jobs WHERE key = $1 FOR UPDATE`, key).Scan(&existing)
		if selErr != nil && selErr != sql.ErrNoRows {
			return selErr
		}
		existed = selErr == nil

		if existed {
			_, err := tx.ExecContext(ctx, `
				UPDATE recurring_jobs
				SET type = $1, queue = $2, args = $3, source_key = $4, cron = $5, next_run_at = $6, updated_at = NOW()
				WHERE key = $7
			`, spec.Type, spec.Queue, args, spec.SourceKey, cronExpr, nextRun, key)
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO recurring_jobs (key, type, queue, args, source_key, cron, next_run_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, key, spec.Type, spec.Queue, args, spec.SourceKey, cronExpr, nextRun)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to register recurring job: %w", err)
	}
	return existed, nil
}

// RemoveRecurring deletes a recurring registration. Removing a key that
// does not exist is not an error.
func (s *JobStore) RemoveRecurring(ctx context.Context, key string) error {
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM recurring_jobs WHERE key = $1`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove recurring job: %w", err)
	}
	return nil
}

// TriggerNow enqueues an immediate run of a recurring job, leaving its
// schedule untouched. Returns the enqueued job id.
func (s *JobStore) TriggerNow(ctx context.Context, key string) (string, error) {
	var rec RecurringJob
	var args string
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT key, type, queue, args, source_key FROM recurring_jobs WHERE key = $1
		`, key).Scan(&rec.Key, &rec.Type, &rec.Queue, &args, &rec.SourceKey)
	})
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("recurring job %q not registered", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load recurring job: %w", err)
	}
	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return "", fmt.Errorf("failed to decode recurring job args: %w", err)
	}

	return s.Enqueue(ctx, JobSpec{
		Type:      rec.Type,
		Queue:     rec.Queue,
		Args:      rec.Args,
		SourceKey: rec.SourceKey,
	})
}

// RunDueRecurring materialises a job for every recurring registration whose
// next run time has passed, then advances each schedule. Rows are claimed
// with SKIP LOCKED so multiple instances can poll safely. Returns how many
// jobs were enqueued.
func (s *JobStore) RunDueRecurring(ctx context.Context) (int, error) {
	enqueued := 0
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT key, type, queue, args, source_key, cron
			FROM recurring_jobs
			WHERE next_run_at <= NOW()
			FOR UPDATE SKIP LOCKED
		`)
		if err != nil {
			return err
		}

		var due []RecurringJob
		for rows.Next() {
			var rec RecurringJob
			var args string
			if err := rows.Scan(&rec.Key, &rec.Type, &rec.Queue, &args, &rec.SourceKey, &rec.Cron); err != nil {
				rows.Close()
				return err
			}
			if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
				rows.Close()
				return fmt.Errorf("failed to decode recurring job args: %w", err)
			}
			due = append(due, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		now := time.Now().UTC()
		for _, rec := range due {
			schedule, err := cron.ParseStandard(rec.Cron)
			if err != nil {
				// A bad expression only gets in through a code change.
				// Skip it rather than wedging every other schedule.
				log.Error().Err(err).Str("key", rec.Key).Msg("Invalid cron expression on recurring job")
				continue
			}

			args, err := marshalArgs(rec.Args)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO jobs (id, type, queue, args, source_key, status, run_at, max_attempts, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, uuid.New().String(), rec.Type, rec.Queue, args, rec.SourceKey,
				string(JobPending), now, JobMaxAttempts(), now)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE recurring_jobs SET next_run_at = $1, updated_at = NOW() WHERE key = $2
			`, schedule.Next(now), rec.Key)
			if err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to run due recurring jobs: %w", err)
	}
	return enqueued, nil
}

func marshalArgs(args map[string]string) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode job args: %w", err)
	}
	return string(encoded), nil
}
