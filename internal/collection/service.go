// Package collection implements the user-facing operations on the manga
// collection: adding and removing titles and searching sources.
package collection

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/archive"
	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/pipeline"
	"github.com/inkhound/inkhound/internal/scheduler"
	"github.com/inkhound/inkhound/internal/source"
)

// RecordStore is the slice of the catalog store the service needs.
type RecordStore interface {
	CreateLibrary(ctx context.Context, lib *catalog.Library) error
	GetLibrary(ctx context.Context, id string) (*catalog.Library, error)

	GetMangaByLibrary(ctx context.Context, libraryID string) (*catalog.MangaDownload, error)
	SaveManga(ctx context.Context, md *catalog.MangaDownload) error

	ListChaptersByManga(ctx context.Context, mangaDownloadID string) ([]*catalog.ChapterDownload, error)
	SaveChapter(ctx context.Context, cd *catalog.ChapterDownload) error
}

// JobScheduler is the slice of the job store the service needs.
type JobScheduler interface {
	Enqueue(ctx context.Context, spec scheduler.JobSpec) (string, error)
	QueueDepths(ctx context.Context, queues []string) (map[string]int, error)
	Delete(ctx context.Context, id string) error
	RegisterRecurring(ctx context.Context, key, cronExpr string, spec scheduler.JobSpec) (bool, error)
	RemoveRecurring(ctx context.Context, key string) error
}

// SourceResolver looks up source connectors for search.
type SourceResolver interface {
	Get(id string) (source.Source, error)
}

// Notifier delivers user-facing events.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Service ties the collection operations together.
type Service struct {
	records          RecordStore
	jobs             JobScheduler
	sources          SourceResolver
	layout           archive.Layout
	notifier         Notifier
	schedulingQueues []string
}

// NewService creates the collection service.
func NewService(records RecordStore, jobs JobScheduler, sources SourceResolver,
	layout archive.Layout, notifier Notifier, schedulingQueues []string) *Service {
	return &Service{
		records:          records,
		jobs:             jobs,
		sources:          sources,
		layout:           layout,
		notifier:         notifier,
		schedulingQueues: schedulingQueues,
	}
}

// AddRequest identifies the title to add.
type AddRequest struct {
	SourceID      string `json:"source_id"`
	RemoteTitleID string `json:"remote_title_id"`
	Title         string `json:"title"`
}

// Add subscribes the collection to a title: it creates the library row and
// its download record, schedules the first download run on the least-loaded
// scheduling queue and registers the daily discovery schedule.
func (s *Service) Add(ctx context.Context, req AddRequest) (*catalog.Library, error) {
	if req.SourceID == "" || req.RemoteTitleID == "" || req.Title == "" {
		return nil, fmt.Errorf("source, remote title id and title are all required")
	}
	if _, err := s.sources.Get(req.SourceID); err != nil {
		return nil, err
	}

	library := &catalog.Library{
		ID:            uuid.New().String(),
		Title:         req.Title,
		SourceID:      req.SourceID,
		RemoteTitleID: req.RemoteTitleID,
	}
	if err := s.records.CreateLibrary(ctx, library); err != nil {
		return nil, err
	}

	record := catalog.NewMangaDownload(uuid.New().String(), library.ID)
	if err := s.records.SaveManga(ctx, record); err != nil {
		return nil, err
	}

	queue, err := scheduler.SelectLeastLoaded(ctx, monitorFunc(s.jobs.QueueDepths), s.schedulingQueues)
	if err != nil {
		return nil, err
	}
	jobID, err := s.jobs.Enqueue(ctx, scheduler.JobSpec{
		Type:      pipeline.TypeMangaDownload,
		Queue:     queue,
		Args:      map[string]string{"library_id": library.ID},
		SourceKey: library.SourceID,
	})
	if err != nil {
		return nil, err
	}

	record.MarkScheduled(jobID)
	if err := s.records.SaveManga(ctx, record); err != nil {
		return nil, err
	}

	key := pipeline.DiscoveryKey(library.Title, library.ID, library.SourceID)
	if _, err := s.jobs.RegisterRecurring(ctx, key, pipeline.DiscoveryCron, scheduler.JobSpec{
		Type:      pipeline.TypeMangaDownload,
		Queue:     queue,
		Args:      map[string]string{"library_id": library.ID},
		SourceKey: library.SourceID,
	}); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindMangaAdded,
		Title:   library.Title,
		Message: fmt.Sprintf("Added from %s", library.SourceID),
	})
	log.Info().
		Str("library_id", library.ID).
		Str("title", library.Title).
		Str("queue", queue).
		Msg("Added title to collection")
	return library, nil
}

// Remove unsubscribes a title: outstanding jobs are deleted, records are
// cancelled, the discovery schedule is dropped and the series directory is
// removed from disk. The records themselves stay for history.
func (s *Service) Remove(ctx context.Context, libraryID string) error {
	library, err := s.records.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if library == nil {
		return fmt.Errorf("library %s not found", libraryID)
	}

	manga, err := s.records.GetMangaByLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if manga != nil {
		if err := s.jobs.Delete(ctx, manga.JobID); err != nil {
			return err
		}

		chapters, err := s.records.ListChaptersByManga(ctx, manga.ID)
		if err != nil {
			return err
		}
		for _, chapter := range chapters {
			if chapter.IsReschedulable() {
				continue
			}
			if err := s.jobs.Delete(ctx, chapter.JobID); err != nil {
				return err
			}
			chapter.MarkCancelled("removed from collection")
			if err := s.records.SaveChapter(ctx, chapter); err != nil {
				return err
			}
		}

		manga.MarkCancelled("removed from collection")
		if err := s.records.SaveManga(ctx, manga); err != nil {
			return err
		}
	}

	key := pipeline.DiscoveryKey(library.Title, library.ID, library.SourceID)
	if err := s.jobs.RemoveRecurring(ctx, key); err != nil {
		return err
	}

	if err := s.layout.RemoveSeries(library.Title); err != nil {
		return err
	}

	log.Info().
		Str("library_id", library.ID).
		Str("title", library.Title).
		Msg("Removed title from collection")
	return nil
}

// Search queries one source for titles.
func (s *Service) Search(ctx context.Context, sourceID, query string, page source.Pagination) (*source.Paged[source.TitleSummary], error) {
	src, err := s.sources.Get(sourceID)
	if err != nil {
		return nil, err
	}
	return src.Search(ctx, query, page)
}

type monitorFunc func(ctx context.Context, queues []string) (map[string]int, error)

func (f monitorFunc) QueueDepths(ctx context.Context, queues []string) (map[string]int, error) {
	return f(ctx, queues)
}
