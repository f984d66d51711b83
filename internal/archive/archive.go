// Package archive writes downloaded chapters to disk as CBZ files plus
// their metadata sidecars, and owns the on-disk library layout.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// MinArchiveFiles is the smallest plausible chapter archive: anything with
// two or fewer entries is a broken download, not a chapter.
const MinArchiveFiles = 3

// ErrIncomplete flags an archive that would hold too few files to be a real
// chapter.
var ErrIncomplete = errors.New("archive would be incomplete")

// File is one entry destined for an archive.
type File struct {
	Name string
	Data []byte
}

// Packager writes a set of files into a chapter archive on disk.
type Packager interface {
	Pack(path string, files []File) error
}

// CBZPackager writes chapter archives in CBZ format, which is a plain zip.
type CBZPackager struct{}

// Pack writes files into a CBZ at path. The archive is written to a temp
// file and renamed into place, so a crash mid-write never leaves a partial
// CBZ where the idempotency check would find it.
func (CBZPackager) Pack(path string, files []File) error {
	if len(files) < MinArchiveFiles {
		return fmt.Errorf("%w: %d files", ErrIncomplete, len(files))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cbz-*")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to add %s to archive: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write %s to archive: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finalise archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	log.Debug().Str("path", path).Int("files", len(files)).Msg("Wrote chapter archive")
	return nil
}

// PageFileName names a page inside the archive so entries sort in reading
// order, keeping the original image extension.
func PageFileName(index int, sourceURL string) string {
	ext := strings.ToLower(filepath.Ext(sourceURL))
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	if ext == "" || len(ext) > 5 {
		ext = ".jpg"
	}
	return fmt.Sprintf("%03d%s", index, ext)
}

// SeriesDetails is the metadata sidecar written next to a series' archives.
type SeriesDetails struct {
	Title       string    `json:"title"`
	SourceID    string    `json:"source_id"`
	RemoteID    string    `json:"remote_id"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WriteSeriesDetails writes the details.json sidecar for a series directory.
func WriteSeriesDetails(dir string, details SeriesDetails) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}
	details.UpdatedAt = time.Now().UTC()
	encoded, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode series details: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "details.json"), encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write series details: %w", err)
	}
	return nil
}

// WriteCover writes a series cover image. Empty bytes are a no-op, since
// covers are best effort.
func WriteCover(dir string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create series directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cover.jpg"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write cover: %w", err)
	}
	return nil
}
