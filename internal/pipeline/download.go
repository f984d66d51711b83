package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/archive"
	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/metrics"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/scheduler"
	"github.com/inkhound/inkhound/internal/source"
	"github.com/inkhound/inkhound/internal/util"
)

// HandleChapterDownload is the final pipeline stage: fetch every page of
// one chapter, pack them into a CBZ and mark the record complete. A failure
// at any point sends the record back to pending with the reason attached
// and lets the job system retry.
func (p *Pipeline) HandleChapterDownload(ctx context.Context, job *scheduler.Job) error {
	recordID := job.Args["chapter_download_id"]
	libraryID := job.Args["library_id"]
	if recordID == "" || libraryID == "" {
		return fmt.Errorf("chapter download job %s is missing its record references", job.ID)
	}

	record, err := p.records.GetChapter(ctx, recordID)
	if err != nil {
		return err
	}
	if record == nil {
		log.Warn().Str("chapter_download_id", recordID).Msg("Chapter record removed before download ran")
		return nil
	}
	if !record.ShouldRun() {
		log.Debug().
			Str("chapter_download_id", recordID).
			Str("status", string(record.Status)).
			Msg("Chapter already handled, skipping")
		return nil
	}

	library, err := p.records.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if library == nil {
		log.Warn().Str("library_id", libraryID).Msg("Library removed before download ran")
		return nil
	}

	// A completed archive on disk means a previous attempt got all the way
	// through and only the record update was lost.
	if p.layout.ChapterExists(library.Title, record.Volume, record.Number) {
		record.MarkComplete()
		return p.records.SaveChapter(ctx, record)
	}

	record.MarkProcessing()
	if err := p.records.SaveChapter(ctx, record); err != nil {
		return err
	}

	if err := p.downloadChapter(ctx, library, record); err != nil {
		record.MarkPending(fmt.Sprintf("attempt %d: %v", job.Attempts, err))
		if saveErr := p.records.SaveChapter(ctx, record); saveErr != nil {
			log.Error().Err(saveErr).Str("chapter_download_id", record.ID).Msg("Failed to record chapter failure")
		}
		if job.Attempts >= job.MaxAttempts {
			p.notifier.Notify(ctx, notify.Notification{
				Kind:    notify.KindDownloadFailed,
				Title:   library.Title,
				Message: fmt.Sprintf("Chapter %s failed after %d attempts: %v", util.SanitiseFilename(record.Title), job.Attempts, err),
			})
		}
		return err
	}

	record.MarkComplete()
	if err := p.records.SaveChapter(ctx, record); err != nil {
		return err
	}

	p.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindChapterDownloaded,
		Title:   library.Title,
		Message: fmt.Sprintf("Downloaded chapter %g", record.Number),
	})
	if p.scanner != nil {
		if err := p.scanner.Scan(ctx); err != nil {
			log.Warn().Err(err).Msg("Media server scan failed")
		}
	}
	return nil
}

func (p *Pipeline) downloadChapter(ctx context.Context, library *catalog.Library, record *catalog.ChapterDownload) error {
	src, err := p.sources.Get(record.SourceID)
	if err != nil {
		return err
	}

	pages, err := src.ListPages(ctx, source.ChapterSummary{
		RemoteID: record.RemoteChapterID,
		Number:   record.Number,
		Volume:   record.Volume,
		Title:    record.Title,
		URL:      record.URL,
	})
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}

	p.writeSeriesMetadata(ctx, src, library)

	files := make([]archive.File, 0, len(pages))
	for _, page := range pages {
		data, err := src.FetchPage(ctx, page.URL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// One bad page should not sink the chapter; the integrity
			// check below catches downloads that lost too much.
			log.Warn().
				Err(err).
				Str("chapter_download_id", record.ID).
				Int("page", page.Index).
				Msg("Failed to fetch page, skipping")
			continue
		}
		files = append(files, archive.File{
			Name: archive.PageFileName(page.Index, page.URL),
			Data: data,
		})
		metrics.PagesDownloaded.WithLabelValues(record.SourceID).Inc()

		if err := util.RandomWait(ctx, p.config.PageDelayMin, p.config.PageDelayMax); err != nil {
			return err
		}
	}

	path := p.layout.ChapterPath(library.Title, record.Volume, record.Number)
	if err := p.packager.Pack(path, files); err != nil {
		return fmt.Errorf("pack chapter: %w", err)
	}

	log.Info().
		Str("chapter_download_id", record.ID).
		Str("path", path).
		Int("pages", len(files)).
		Msg("Chapter downloaded")
	return nil
}

// writeSeriesMetadata refreshes the series sidecar and cover. Both are best
// effort; the chapter download does not depend on them.
func (p *Pipeline) writeSeriesMetadata(ctx context.Context, src source.Source, library *catalog.Library) {
	dir := p.layout.SeriesDir(library.Title)
	err := archive.WriteSeriesDetails(dir, archive.SeriesDetails{
		Title:    library.Title,
		SourceID: library.SourceID,
		RemoteID: library.RemoteTitleID,
	})
	if err != nil {
		log.Warn().Err(err).Str("title", library.Title).Msg("Failed to write series details")
	}

	cover, err := src.Cover(ctx, library.RemoteTitleID)
	if err != nil {
		log.Warn().Err(err).Str("title", library.Title).Msg("Failed to fetch cover")
		return
	}
	if err := archive.WriteCover(dir, cover); err != nil {
		log.Warn().Err(err).Str("title", library.Title).Msg("Failed to write cover")
	}
}
