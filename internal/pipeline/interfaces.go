package pipeline

import (
	"context"

	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/scheduler"
	"github.com/inkhound/inkhound/internal/source"
)

// RecordStore is the slice of the catalog store the handlers need.
type RecordStore interface {
	GetLibrary(ctx context.Context, id string) (*catalog.Library, error)
	ListLibraries(ctx context.Context) ([]*catalog.Library, error)

	GetMangaByLibrary(ctx context.Context, libraryID string) (*catalog.MangaDownload, error)
	SaveManga(ctx context.Context, md *catalog.MangaDownload) error

	GetChapter(ctx context.Context, id string) (*catalog.ChapterDownload, error)
	FindChapterByRemote(ctx context.Context, sourceID, remoteChapterID string) (*catalog.ChapterDownload, error)
	SaveChapter(ctx context.Context, cd *catalog.ChapterDownload) error
	ListChaptersByManga(ctx context.Context, mangaDownloadID string) ([]*catalog.ChapterDownload, error)
}

// JobScheduler is the slice of the job store the handlers need.
type JobScheduler interface {
	Enqueue(ctx context.Context, spec scheduler.JobSpec) (string, error)
	QueueDepths(ctx context.Context, queues []string) (map[string]int, error)
	JobState(ctx context.Context, id string) (scheduler.JobStatus, error)
	RegisterRecurring(ctx context.Context, key, cronExpr string, spec scheduler.JobSpec) (bool, error)
	TriggerNow(ctx context.Context, key string) (string, error)
}

// SourceResolver looks up the connector for a source id.
type SourceResolver interface {
	Get(id string) (source.Source, error)
}

// Notifier delivers user-facing events.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}
