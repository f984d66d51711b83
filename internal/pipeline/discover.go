package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/scheduler"
	"github.com/inkhound/inkhound/internal/source"
	"github.com/inkhound/inkhound/internal/util"
)

// HandleChapterDiscover walks a title's remote chapter list and enqueues a
// download job for every chapter that needs one. Chapters already on disk
// or already being worked on are skipped, so discovery is safe to re-run at
// any time.
func (p *Pipeline) HandleChapterDiscover(ctx context.Context, job *scheduler.Job) error {
	libraryID := job.Args["library_id"]
	mangaDownloadID := job.Args["manga_download_id"]
	if libraryID == "" || mangaDownloadID == "" {
		return fmt.Errorf("chapter discovery job %s is missing its record references", job.ID)
	}

	library, err := p.records.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if library == nil {
		log.Warn().Str("library_id", libraryID).Msg("Library removed before discovery ran")
		return nil
	}

	src, err := p.sources.Get(library.SourceID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("library_id", libraryID).
		Str("title", library.Title).
		Str("source", library.SourceID).
		Logger()

	scheduled, skipped := 0, 0
	offset := 0
	for {
		page, err := src.ListChapters(ctx, library.RemoteTitleID, source.Pagination{
			Offset: offset,
			Limit:  p.config.DiscoveryPageSize,
		})
		if err != nil {
			return fmt.Errorf("failed to list chapters of %s: %w", library.Title, err)
		}
		if len(page.Items) == 0 {
			break
		}

		for _, chapter := range page.Items {
			wasScheduled, err := p.scheduleChapter(ctx, library, mangaDownloadID, chapter)
			if err != nil {
				return err
			}
			if wasScheduled {
				scheduled++
			} else {
				skipped++
			}

			if err := util.RandomWait(ctx, p.config.ChapterDelayMin, p.config.ChapterDelayMax); err != nil {
				return err
			}
		}

		offset += len(page.Items)
		if offset >= page.Total {
			break
		}

		if err := util.RandomWait(ctx, p.config.PageDelayMin, p.config.PageDelayMax); err != nil {
			return err
		}
	}

	logger.Info().
		Int("scheduled", scheduled).
		Int("skipped", skipped).
		Msg("Chapter discovery finished")
	return nil
}

// scheduleChapter decides whether one remote chapter needs a download job
// and enqueues it. Returns true when a job was scheduled.
func (p *Pipeline) scheduleChapter(ctx context.Context, library *catalog.Library, mangaDownloadID string, chapter source.ChapterSummary) (bool, error) {
	record, err := p.records.FindChapterByRemote(ctx, library.SourceID, chapter.RemoteID)
	if err != nil {
		return false, err
	}

	// An archive already on disk settles the matter. Heal the record if it
	// disagrees, e.g. after a restore from backup.
	if p.layout.ChapterExists(library.Title, chapter.Volume, chapter.Number) {
		if record != nil && record.Status != catalog.StatusCompleted {
			record.MarkComplete()
			if err := p.records.SaveChapter(ctx, record); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if record != nil {
		if record.IsInProgress() || record.Status == catalog.StatusCompleted || record.Status == catalog.StatusCancelled {
			return false, nil
		}
	} else {
		record = catalog.NewChapterDownload(newID(), mangaDownloadID, library.SourceID, chapter.RemoteID)
	}

	record.Number = chapter.Number
	record.Volume = chapter.Volume
	record.Title = chapter.Title
	record.URL = chapter.URL

	queue, err := p.selectQueue(ctx, p.config.DownloadQueues)
	if err != nil {
		return false, err
	}

	jobID, err := p.jobs.Enqueue(ctx, scheduler.JobSpec{
		Type:  TypeChapterDownload,
		Queue: queue,
		Args: map[string]string{
			"chapter_download_id": record.ID,
			"library_id":          library.ID,
		},
		SourceKey: library.SourceID,
	})
	if err != nil {
		return false, err
	}

	record.MarkScheduled(jobID)
	if err := p.records.SaveChapter(ctx, record); err != nil {
		return false, err
	}

	log.Debug().
		Str("chapter_download_id", record.ID).
		Str("remote_chapter_id", chapter.RemoteID).
		Str("queue", queue).
		Msg("Scheduled chapter download")
	return true, nil
}
