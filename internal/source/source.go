// Package source defines the connector interface to remote manga sites and
// the types their listings are normalised into.
package source

import (
	"context"
)

// Pagination is an offset window into a remote listing.
type Pagination struct {
	Offset int
	Limit  int
}

// Paged is one window of a remote listing plus the total count, which the
// discovery job uses to know when it has walked the whole list.
type Paged[T any] struct {
	Items []T
	Total int
}

// TitleSummary is a series as listed by a source.
type TitleSummary struct {
	RemoteID    string `json:"remote_id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	CoverURL    string `json:"cover_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// ChapterSummary is a chapter as listed by a source.
type ChapterSummary struct {
	RemoteID string  `json:"remote_id"`
	Number   float64 `json:"number"`
	Volume   int     `json:"volume"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
}

// PageDescriptor locates one page image within a chapter.
type PageDescriptor struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Source is a connector to one remote site. Implementations are expected to
// pace their own requests; callers treat every method as slow.
type Source interface {
	// ID is the stable identifier records and lock keys are filed under.
	ID() string

	// Search finds titles matching a query.
	Search(ctx context.Context, query string, page Pagination) (*Paged[TitleSummary], error)

	// ListChapters returns one window of a title's chapter list.
	ListChapters(ctx context.Context, remoteTitleID string, page Pagination) (*Paged[ChapterSummary], error)

	// ListPages resolves the page images of a chapter.
	ListPages(ctx context.Context, chapter ChapterSummary) ([]PageDescriptor, error)

	// FetchPage downloads one page image.
	FetchPage(ctx context.Context, url string) ([]byte, error)

	// Cover downloads a title's cover image. Best effort; sources without
	// covers return nil bytes and no error.
	Cover(ctx context.Context, remoteTitleID string) ([]byte, error)
}
