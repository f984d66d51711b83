package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/scheduler"
)

// HandleMangaDownload is the first pipeline stage. It moves the manga
// record to in-progress and fans out a discovery job on the least-loaded
// discovery queue.
func (p *Pipeline) HandleMangaDownload(ctx context.Context, job *scheduler.Job) error {
	libraryID := job.Args["library_id"]
	if libraryID == "" {
		return fmt.Errorf("manga download job %s has no library_id", job.ID)
	}

	library, err := p.records.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if library == nil {
		log.Warn().Str("library_id", libraryID).Msg("Library removed before manga download ran")
		return nil
	}

	record, err := p.records.GetMangaByLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if record == nil {
		record = catalog.NewMangaDownload(newID(), libraryID)
	}
	if !record.ShouldRun() {
		log.Debug().
			Str("library_id", libraryID).
			Str("status", string(record.Status)).
			Msg("Manga download already underway, skipping")
		return nil
	}

	record.MarkProcessing()
	if err := p.records.SaveManga(ctx, record); err != nil {
		return err
	}

	queue, err := p.selectQueue(ctx, p.config.DiscoveryQueues)
	if err != nil {
		return p.failManga(ctx, record, job, err)
	}

	_, err = p.jobs.Enqueue(ctx, scheduler.JobSpec{
		Type:  TypeChapterDiscover,
		Queue: queue,
		Args: map[string]string{
			"library_id":        libraryID,
			"manga_download_id": record.ID,
		},
		SourceKey: library.SourceID,
	})
	if err != nil {
		return p.failManga(ctx, record, job, err)
	}

	record.MarkComplete()
	if err := p.records.SaveManga(ctx, record); err != nil {
		return err
	}

	log.Info().
		Str("library_id", libraryID).
		Str("title", library.Title).
		Str("queue", queue).
		Msg("Scheduled chapter discovery")
	return nil
}

// failManga sends the record back for rescheduling with the failure reason
// and re-raises the error so the job retries.
func (p *Pipeline) failManga(ctx context.Context, record *catalog.MangaDownload, job *scheduler.Job, cause error) error {
	record.MarkPending(fmt.Sprintf("attempt %d: %v", job.Attempts, cause))
	if saveErr := p.records.SaveManga(ctx, record); saveErr != nil {
		log.Error().Err(saveErr).Str("manga_download_id", record.ID).Msg("Failed to record manga failure")
	}
	return cause
}
