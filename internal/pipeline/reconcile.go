package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/scheduler"
)

// HandleCollectionReconcile repairs the collection after restarts and
// crashes: records that still claim a live job whose job row is gone or
// dead go back to pending, every live library's discovery schedule is
// re-registered, and libraries registered for the first time get an
// immediate discovery run. Libraries without a manga record, or whose
// record is cancelled, are skipped outright so a removed title can never
// have its schedule resurrected.
func (p *Pipeline) HandleCollectionReconcile(ctx context.Context, job *scheduler.Job) error {
	libraries, err := p.records.ListLibraries(ctx)
	if err != nil {
		return err
	}

	reset, triggered, skipped := 0, 0, 0
	for _, library := range libraries {
		manga, err := p.records.GetMangaByLibrary(ctx, library.ID)
		if err != nil {
			return err
		}
		if manga == nil || manga.Status == catalog.StatusCancelled {
			skipped++
			continue
		}

		n, err := p.reconcileRecords(ctx, manga)
		if err != nil {
			return err
		}
		reset += n

		key := DiscoveryKey(library.Title, library.ID, library.SourceID)
		existed, err := p.jobs.RegisterRecurring(ctx, key, DiscoveryCron, scheduler.JobSpec{
			Type:      TypeMangaDownload,
			Queue:     p.config.SchedulingQueues[0],
			Args:      map[string]string{"library_id": library.ID},
			SourceKey: library.SourceID,
		})
		if err != nil {
			return err
		}
		if !existed {
			if _, err := p.jobs.TriggerNow(ctx, key); err != nil {
				return err
			}
			triggered++
		}
	}

	log.Info().
		Int("libraries", len(libraries)).
		Int("reset", reset).
		Int("triggered", triggered).
		Int("skipped", skipped).
		Msg("Collection reconciled")
	return nil
}

// reconcileRecords resets a manga record and its chapters when they
// reference dead jobs. Returns how many records were reset.
func (p *Pipeline) reconcileRecords(ctx context.Context, manga *catalog.MangaDownload) (int, error) {
	reset := 0

	wasReset, err := p.resetIfJobDead(ctx, &manga.Status, manga.JobID, func() error {
		manga.MarkPending("job lost, rescheduling")
		return p.records.SaveManga(ctx, manga)
	})
	if err != nil {
		return 0, err
	}
	if wasReset {
		reset++
	}

	chapters, err := p.records.ListChaptersByManga(ctx, manga.ID)
	if err != nil {
		return 0, err
	}
	for _, chapter := range chapters {
		chapter := chapter
		wasReset, err := p.resetIfJobDead(ctx, &chapter.Status, chapter.JobID, func() error {
			chapter.MarkPending("job lost, rescheduling")
			return p.records.SaveChapter(ctx, chapter)
		})
		if err != nil {
			return 0, err
		}
		if wasReset {
			reset++
		}
	}
	return reset, nil
}

// resetIfJobDead checks a record that believes it has a live job. When the
// job row is gone or terminal the record is stuck forever, so it is sent
// back to pending via the supplied save callback.
func (p *Pipeline) resetIfJobDead(ctx context.Context, status *catalog.Status, jobID string, resetFn func() error) (bool, error) {
	if *status != catalog.StatusScheduled && *status != catalog.StatusInProgress {
		return false, nil
	}

	state, err := p.jobs.JobState(ctx, jobID)
	if err != nil {
		return false, err
	}
	switch state {
	case scheduler.JobPending, scheduler.JobScheduled, scheduler.JobRunning:
		return false, nil
	}

	if err := resetFn(); err != nil {
		return false, err
	}
	return true, nil
}
