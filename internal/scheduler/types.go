// Package scheduler implements the durable background job system: a
// PostgreSQL-backed queue claimed with FOR UPDATE SKIP LOCKED, a worker pool
// woken by LISTEN/NOTIFY, recurring registrations driven by cron expressions,
// and the middleware chain that guards job execution.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	// JobPending means the job is runnable once run_at has passed.
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"

	// JobScheduled is never stored. It is derived for pending jobs whose
	// run_at is still in the future, so callers can distinguish "waiting
	// for a worker" from "waiting for its time".
	JobScheduled JobStatus = "scheduled"

	// JobNotFound is reported when the job row no longer exists.
	JobNotFound JobStatus = "not_found"
)

// DefaultMaxAttempts bounds retries for jobs that do not specify their own.
const DefaultMaxAttempts = 10

var (
	attemptsMu         sync.RWMutex
	defaultMaxAttempts = DefaultMaxAttempts
)

// JobMaxAttempts returns the retry bound applied to specs that leave
// MaxAttempts unset.
func JobMaxAttempts() int {
	attemptsMu.RLock()
	defer attemptsMu.RUnlock()
	return defaultMaxAttempts
}

// SetDefaultMaxAttempts overrides the default retry bound. Values below one
// are ignored.
func SetDefaultMaxAttempts(n int) {
	if n < 1 {
		return
	}
	attemptsMu.Lock()
	defaultMaxAttempts = n
	attemptsMu.Unlock()
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	Type        string            `json:"type"`
	Queue       string            `json:"queue"`
	Args        map[string]string `json:"args,omitempty"`
	SourceKey   string            `json:"source_key,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	RunAt       time.Time         `json:"run_at,omitempty"`
}

// Job is a row from the jobs table.
type Job struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Queue       string            `json:"queue"`
	Args        map[string]string `json:"args"`
	SourceKey   string            `json:"source_key"`
	Status      JobStatus         `json:"status"`
	RunAt       time.Time         `json:"run_at"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// RecurringJob is a registered cron schedule that materialises jobs.
type RecurringJob struct {
	Key       string            `json:"key"`
	Type      string            `json:"type"`
	Queue     string            `json:"queue"`
	Args      map[string]string `json:"args"`
	SourceKey string            `json:"source_key"`
	Cron      string            `json:"cron"`
	NextRunAt time.Time         `json:"next_run_at"`
}

// Handler processes one claimed job. A nil return completes the job; an
// error sends it back for retry until max_attempts is exhausted.
type Handler func(ctx context.Context, job *Job) error
