// Package pipeline implements the download pipeline's job handlers: manga
// scheduling, chapter discovery, chapter download and the reconciliation
// sweep that repairs records whose jobs were lost.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkhound/inkhound/internal/archive"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/scheduler"
)

// Job types handled by the pipeline.
const (
	TypeMangaDownload       = "manga.download"
	TypeChapterDiscover     = "chapter.discover"
	TypeChapterDownload     = "chapter.download"
	TypeCollectionReconcile = "collection.reconcile"
)

// DiscoveryCron is the default schedule for recurring chapter discovery.
const DiscoveryCron = "0 3 * * *"

// DiscoveryKey is the stable recurring-job key for a library's discovery
// schedule.
func DiscoveryKey(title, libraryID, sourceID string) string {
	return fmt.Sprintf("discovery:%s:%s:%s", title, libraryID, sourceID)
}

// Config carries the pipeline's queue pools and pacing.
type Config struct {
	SchedulingQueues []string
	DiscoveryQueues  []string
	DownloadQueues   []string

	DiscoveryPageSize int

	// Delays between successive remote requests, randomised within the
	// range so request timing does not look mechanical.
	ChapterDelayMin time.Duration
	ChapterDelayMax time.Duration
	PageDelayMin    time.Duration
	PageDelayMax    time.Duration
}

// DefaultConfig returns the pipeline config used in production: three
// queues per pool and gentle pacing against the sources.
func DefaultConfig() Config {
	return Config{
		SchedulingQueues:  scheduler.MangaSchedulingPool(3),
		DiscoveryQueues:   scheduler.ChapterDiscoveryPool(3),
		DownloadQueues:    scheduler.ChapterDownloadPool(3),
		DiscoveryPageSize: 100,
		ChapterDelayMin:   200 * time.Millisecond,
		ChapterDelayMax:   800 * time.Millisecond,
		PageDelayMin:      300 * time.Millisecond,
		PageDelayMax:      1200 * time.Millisecond,
	}
}

// Pipeline holds the handlers' dependencies.
type Pipeline struct {
	config   Config
	records  RecordStore
	jobs     JobScheduler
	sources  SourceResolver
	layout   archive.Layout
	packager archive.Packager
	notifier Notifier
	scanner  notify.Scanner
}

// New creates the pipeline. Scanner may be nil when no media server is
// configured.
func New(config Config, records RecordStore, jobs JobScheduler, sources SourceResolver,
	layout archive.Layout, packager archive.Packager, notifier Notifier, scanner notify.Scanner) *Pipeline {
	if config.DiscoveryPageSize <= 0 {
		config.DiscoveryPageSize = 100
	}
	return &Pipeline{
		config:   config,
		records:  records,
		jobs:     jobs,
		sources:  sources,
		layout:   layout,
		packager: packager,
		notifier: notifier,
		scanner:  scanner,
	}
}

// Register binds every pipeline handler onto the worker pool.
func (p *Pipeline) Register(pool *scheduler.WorkerPool) {
	pool.RegisterHandler(TypeMangaDownload, p.HandleMangaDownload)
	pool.RegisterHandler(TypeChapterDiscover, p.HandleChapterDiscover)
	pool.RegisterHandler(TypeChapterDownload, p.HandleChapterDownload)
	pool.RegisterHandler(TypeCollectionReconcile, p.HandleCollectionReconcile)
}

// selectQueue picks the least-loaded queue from a pool.
func (p *Pipeline) selectQueue(ctx context.Context, pool []string) (string, error) {
	return scheduler.SelectLeastLoaded(ctx, queueMonitorFunc(p.jobs.QueueDepths), pool)
}

type queueMonitorFunc func(ctx context.Context, queues []string) (map[string]int, error)

func (f queueMonitorFunc) QueueDepths(ctx context.Context, queues []string) (map[string]int, error) {
	return f(ctx, queues)
}

func newID() string {
	return uuid.New().String()
}
