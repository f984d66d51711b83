// Package notify fans events out to the configured sinks: the in-app feed,
// Gotify, and Slack. Delivery is best effort; a sink failing never fails
// the job that raised the event.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Kind classifies a notification.
type Kind string

const (
	KindMangaAdded        Kind = "manga_added"
	KindChapterDownloaded Kind = "chapter_downloaded"
	KindDownloadFailed    Kind = "download_failed"
)

// Notification is one event for the user.
type Notification struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier fans notifications out to every registered sink.
type Notifier struct {
	sinks []Sink
}

// NewNotifier creates a notifier over the given sinks.
func NewNotifier(sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks}
}

// AddSink registers another destination.
func (n *Notifier) AddSink(s Sink) {
	n.sinks = append(n.sinks, s)
}

// Notify sends to every sink, logging failures rather than returning them.
func (n *Notifier) Notify(ctx context.Context, notification Notification) {
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, notification); err != nil {
			log.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("kind", string(notification.Kind)).
				Msg("Failed to deliver notification")
		}
	}
}
