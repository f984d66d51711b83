package scheduler

import (
	"context"
	"fmt"
)

// Queue names. Downloads, discovery and scheduling each get a pool of
// numbered queues so related work can be spread across them; new jobs go to
// whichever member currently holds the least work.
const (
	QueueDefault  = "default"
	QueueDeferred = "deferred"

	poolChapterDownload  = "chapter-download"
	poolChapterDiscovery = "chapter-discovery"
	poolMangaScheduling  = "manga-scheduling"
)

// Pool returns the numbered queue names for a pool, e.g.
// chapter-download-1 .. chapter-download-4.
func Pool(name string, size int) []string {
	queues := make([]string, 0, size)
	for i := 1; i <= size; i++ {
		queues = append(queues, fmt.Sprintf("%s-%d", name, i))
	}
	return queues
}

// ChapterDownloadPool returns the chapter download queue pool.
func ChapterDownloadPool(size int) []string { return Pool(poolChapterDownload, size) }

// ChapterDiscoveryPool returns the chapter discovery queue pool.
func ChapterDiscoveryPool(size int) []string { return Pool(poolChapterDiscovery, size) }

// MangaSchedulingPool returns the manga scheduling queue pool.
func MangaSchedulingPool(size int) []string { return Pool(poolMangaScheduling, size) }

// QueueMonitor reports how much work each queue is holding.
type QueueMonitor interface {
	QueueDepths(ctx context.Context, queues []string) (map[string]int, error)
}

// SelectLeastLoaded picks the queue with the fewest outstanding jobs from
// the given candidates. Queues the monitor does not report are treated as
// empty, and ties go to the earliest candidate, so a fresh deployment
// fills queues in order.
func SelectLeastLoaded(ctx context.Context, monitor QueueMonitor, queues []string) (string, error) {
	if len(queues) == 0 {
		return "", fmt.Errorf("no candidate queues")
	}

	depths, err := monitor.QueueDepths(ctx, queues)
	if err != nil {
		return "", fmt.Errorf("failed to read queue depths: %w", err)
	}

	best := queues[0]
	bestDepth := depths[best]
	for _, q := range queues[1:] {
		if depths[q] < bestDepth {
			best = q
			bestDepth = depths[q]
		}
	}
	return best, nil
}
