package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/inkhound/inkhound/internal/util"
)

// Layout maps series and chapters to their places under the storage root:
// one directory per series, one CBZ per chapter inside it.
type Layout struct {
	Root string
}

// SeriesDir returns the directory holding a series' archives.
func (l Layout) SeriesDir(title string) string {
	return filepath.Join(l.Root, util.SanitiseFilename(title))
}

// ChapterPath returns the archive path for one chapter of a series.
func (l Layout) ChapterPath(title string, volume int, number float64) string {
	return filepath.Join(l.SeriesDir(title), util.ArchiveFilename(title, volume, number))
}

// ChapterExists reports whether a chapter's archive is already on disk,
// which makes re-downloads cheap no-ops.
func (l Layout) ChapterExists(title string, volume int, number float64) bool {
	info, err := os.Stat(l.ChapterPath(title, volume, number))
	return err == nil && !info.IsDir()
}

// RemoveSeries deletes a series directory and everything in it.
func (l Layout) RemoveSeries(title string) error {
	dir := l.SeriesDir(title)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove series directory: %w", err)
	}
	return nil
}
