// Package catalog holds the persistent domain records that drive the
// download pipeline: library subscriptions and the manga/chapter download
// state machines.
package catalog

import (
	"sync"
	"time"
)

// Status represents the current status of a download record
type Status string

const (
	// StatusPending means the record needs (re)scheduling. Records are
	// created in this state and fall back to it on failure.
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// DefaultStaleThreshold is how long an in-progress record may go without a
// status update before it is treated as abandoned and eligible to re-run.
const DefaultStaleThreshold = 24 * time.Hour

var (
	staleMu        sync.RWMutex
	staleThreshold = DefaultStaleThreshold
)

// StaleThreshold returns the configured staleness threshold.
func StaleThreshold() time.Duration {
	staleMu.RLock()
	defer staleMu.RUnlock()
	return staleThreshold
}

// SetStaleThreshold overrides the staleness threshold. Zero or negative
// values are ignored.
func SetStaleThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	staleMu.Lock()
	staleThreshold = d
	staleMu.Unlock()
}

// Library is a user subscription to one title from one source.
type Library struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	SourceID      string    `json:"source_id"`
	RemoteTitleID string    `json:"remote_title_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// recordState carries the status machinery shared by both download record
// types. All timestamps are UTC.
type recordState struct {
	JobID           string     `json:"job_id"`
	Status          Status     `json:"status"`
	StatusReason    *string    `json:"status_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
}

func newRecordState() recordState {
	now := time.Now().UTC()
	return recordState{
		Status:          StatusPending,
		CreatedAt:       now,
		StatusUpdatedAt: &now,
	}
}

func (r *recordState) touch() {
	now := time.Now().UTC()
	r.StatusUpdatedAt = &now
}

// MarkScheduled records the job handle for a scheduled run. The status
// reason is always cleared, whatever the prior status was.
func (r *recordState) MarkScheduled(jobID string) {
	r.Status = StatusScheduled
	r.JobID = jobID
	r.StatusReason = nil
	r.touch()
}

// MarkProcessing transitions the record to in-progress.
func (r *recordState) MarkProcessing() {
	r.Status = StatusInProgress
	r.touch()
}

// MarkComplete transitions the record to completed.
func (r *recordState) MarkComplete() {
	r.Status = StatusCompleted
	r.StatusReason = nil
	r.touch()
}

// MarkPending sends the record back for rescheduling, keeping the given
// reason for the UI. An empty reason clears the field.
func (r *recordState) MarkPending(reason string) {
	r.Status = StatusPending
	if reason == "" {
		r.StatusReason = nil
	} else {
		r.StatusReason = &reason
	}
	r.touch()
}

// MarkCancelled cancels the record. The job handle is always cleared so a
// dangling scheduler id can never be mistaken for a live job.
func (r *recordState) MarkCancelled(reason string) {
	r.Status = StatusCancelled
	r.JobID = ""
	r.StatusReason = &reason
	r.touch()
}

// IsStale reports whether the last status update is older than the
// configured staleness threshold.
func (r *recordState) IsStale() bool {
	if r.StatusUpdatedAt == nil {
		return true
	}
	return time.Since(*r.StatusUpdatedAt) > StaleThreshold()
}

// IsInProgress is true while a scheduled or running job is believed to be
// working on this record. A stale record no longer counts.
func (r *recordState) IsInProgress() bool {
	if r.Status != StatusScheduled && r.Status != StatusInProgress {
		return false
	}
	return !r.IsStale()
}

// IsReschedulable reports whether the record reached a terminal state and
// may be scheduled again.
func (r *recordState) IsReschedulable() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// ShouldRun reports whether a worker picking this record up should actually
// process it. In-progress records only qualify once they have gone stale,
// which recovers work orphaned by a crashed worker.
func (r *recordState) ShouldRun() bool {
	switch r.Status {
	case StatusPending, StatusScheduled:
		return true
	case StatusInProgress:
		return r.IsStale()
	default:
		return false
	}
}

// LastUpdatedStatusTotalDays returns the whole days elapsed since the last
// status update, truncated toward zero.
func (r *recordState) LastUpdatedStatusTotalDays() int {
	if r.StatusUpdatedAt == nil {
		return 0
	}
	return int(time.Since(*r.StatusUpdatedAt).Hours() / 24)
}

// MangaDownload is the root download record for one library entry.
type MangaDownload struct {
	ID        string `json:"id"`
	LibraryID string `json:"library_id"`
	recordState
}

// NewMangaDownload creates a pending manga download for a library entry.
func NewMangaDownload(id, libraryID string) *MangaDownload {
	return &MangaDownload{
		ID:          id,
		LibraryID:   libraryID,
		recordState: newRecordState(),
	}
}

// ChapterDownload tracks the download of a single remote chapter.
type ChapterDownload struct {
	ID              string  `json:"id"`
	MangaDownloadID string  `json:"manga_download_id"`
	SourceID        string  `json:"source_id"`
	RemoteChapterID string  `json:"remote_chapter_id"`
	Number          float64 `json:"chapter_number"`
	Volume          int     `json:"volume"`
	Title           string  `json:"chapter_title"`
	URL             string  `json:"chapter_url"`
	recordState
}

// NewChapterDownload creates a pending chapter download record.
func NewChapterDownload(id, mangaDownloadID, sourceID, remoteChapterID string) *ChapterDownload {
	return &ChapterDownload{
		ID:              id,
		MangaDownloadID: mangaDownloadID,
		SourceID:        sourceID,
		RemoteChapterID: remoteChapterID,
		recordState:     newRecordState(),
	}
}
