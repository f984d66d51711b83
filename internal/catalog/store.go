package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkhound/inkhound/internal/db"
)

// Store persists libraries and download records in PostgreSQL.
type Store struct {
	dbQueue *db.DbQueue
}

// NewStore creates a catalog store over the shared transaction helper.
func NewStore(dbQueue *db.DbQueue) *Store {
	return &Store{dbQueue: dbQueue}
}

// CreateLibrary inserts a new library subscription.
func (s *Store) CreateLibrary(ctx context.Context, lib *Library) error {
	if lib.CreatedAt.IsZero() {
		lib.CreatedAt = time.Now().UTC()
	}
	return s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO libraries (id, title, source_id, remote_title_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, lib.ID, lib.Title, lib.SourceID, lib.RemoteTitleID, lib.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert library: %w", err)
		}
		return nil
	})
}

// GetLibrary returns a library by id, or nil when it no longer exists.
func (s *Store) GetLibrary(ctx context.Context, id string) (*Library, error) {
	var lib Library
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT id, title, source_id, remote_title_id, created_at
			FROM libraries
			WHERE id = $1
		`, id).Scan(&lib.ID, &lib.Title, &lib.SourceID, &lib.RemoteTitleID, &lib.CreatedAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get library: %w", err)
	}
	return &lib, nil
}

// ListLibraries returns every library subscription.
func (s *Store) ListLibraries(ctx context.Context) ([]*Library, error) {
	var libraries []*Library
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, title, source_id, remote_title_id, created_at
			FROM libraries
			ORDER BY created_at ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var lib Library
			if err := rows.Scan(&lib.ID, &lib.Title, &lib.SourceID, &lib.RemoteTitleID, &lib.CreatedAt); err != nil {
				return err
			}
			libraries = append(libraries, &lib)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list libraries: %w", err)
	}
	return libraries, nil
}

// GetMangaByLibrary returns the manga download record for a library, or nil
// when none exists.
func (s *Store) GetMangaByLibrary(ctx context.Context, libraryID string) (*MangaDownload, error) {
	var md MangaDownload
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		return scanManga(tx.QueryRowContext(ctx, `
			SELECT id, library_id, job_id, status, status_reason, created_at, status_updated_at
			FROM manga_downloads
			WHERE library_id = $1
		`, libraryID), &md)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manga download: %w", err)
	}
	return &md, nil
}

// SaveManga upserts a manga download record.
func (s *Store) SaveManga(ctx context.Context, md *MangaDownload) error {
	return s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO manga_downloads (id, library_id, job_id, status, status_reason, created_at, status_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				job_id = EXCLUDED.job_id,
				status = EXCLUDED.status,
				status_reason = EXCLUDED.status_reason,
				status_updated_at = EXCLUDED.status_updated_at
		`, md.ID, md.LibraryID, md.JobID, string(md.Status), md.StatusReason, md.CreatedAt, md.StatusUpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save manga download: %w", err)
		}
		return nil
	})
}

// GetChapter returns a chapter download record by id, or nil when it was
// deleted concurrently.
func (s *Store) GetChapter(ctx context.Context, id string) (*ChapterDownload, error) {
	var cd ChapterDownload
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		return scanChapter(tx.QueryRowContext(ctx, chapterSelect+`WHERE id = $1`, id), &cd)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter download: %w", err)
	}
	return &cd, nil
}

// FindChapterByRemote looks a chapter record up by its identity on the
// remote source. Returns nil when no record matches.
func (s *Store) FindChapterByRemote(ctx context.Context, sourceID, remoteChapterID string) (*ChapterDownload, error) {
	var cd ChapterDownload
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		return scanChapter(tx.QueryRowContext(ctx, chapterSelect+`WHERE source_id = $1 AND remote_chapter_id = $2`,
			sourceID, remoteChapterID), &cd)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chapter download: %w", err)
	}
	return &cd, nil
}

// SaveChapter upserts a chapter download record.
func (s *Store) SaveChapter(ctx context.Context, cd *ChapterDownload) error {
	return s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chapter_downloads (
				id, manga_download_id, source_id, remote_chapter_id, chapter_number,
				volume, chapter_title, chapter_url, job_id, status, status_reason,
				created_at, status_updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				chapter_number = EXCLUDED.chapter_number,
				volume = EXCLUDED.volume,
				chapter_title = EXCLUDED.chapter_title,
				chapter_url = EXCLUDED.chapter_url,
				job_id = EXCLUDED.job_id,
				status = EXCLUDED.status,
				status_reason = EXCLUDED.status_reason,
				status_updated_at = EXCLUDED.status_updated_at
		`, cd.ID, cd.MangaDownloadID, cd.SourceID, cd.RemoteChapterID, cd.Number,
			cd.Volume, cd.Title, cd.URL, cd.JobID, string(cd.Status), cd.StatusReason,
			cd.CreatedAt, cd.StatusUpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save chapter download: %w", err)
		}
		return nil
	})
}

// ListChaptersByManga returns every chapter record belonging to a manga
// download, oldest first.
func (s *Store) ListChaptersByManga(ctx context.Context, mangaDownloadID string) ([]*ChapterDownload, error) {
	var chapters []*ChapterDownload
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, chapterSelect+`WHERE manga_download_id = $1 ORDER BY created_at ASC`, mangaDownloadID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var cd ChapterDownload
			if err := scanChapter(rows, &cd); err != nil {
				return err
			}
			chapters = append(chapters, &cd)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chapter downloads: %w", err)
	}
	return chapters, nil
}

const chapterSelect = `
	SELECT id, manga_download_id, source_id, remote_chapter_id, chapter_number,
		volume, chapter_title, chapter_url, job_id, status, status_reason,
		created_at, status_updated_at
	FROM chapter_downloads
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManga(row rowScanner, md *MangaDownload) error {
	var status string
	var reason sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(&md.ID, &md.LibraryID, &md.JobID, &status, &reason, &md.CreatedAt, &updatedAt); err != nil {
		return err
	}
	md.Status = Status(status)
	if reason.Valid {
		md.StatusReason = &reason.String
	}
	if updatedAt.Valid {
		md.StatusUpdatedAt = &updatedAt.Time
	}
	return nil
}

func scanChapter(row rowScanner, cd *ChapterDownload) error {
	var status string
	var reason sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(&cd.ID, &cd.MangaDownloadID, &cd.SourceID, &cd.RemoteChapterID, &cd.Number,
		&cd.Volume, &cd.Title, &cd.URL, &cd.JobID, &status, &reason,
		&cd.CreatedAt, &updatedAt); err != nil {
		return err
	}
	cd.Status = Status(status)
	if reason.Valid {
		cd.StatusReason = &reason.String
	}
	if updatedAt.Valid {
		cd.StatusUpdatedAt = &updatedAt.Time
	}
	return nil
}
