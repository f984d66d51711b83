// Package api exposes the HTTP surface of the service: collection
// management, source search, the notification feed and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inkhound/inkhound/internal/cache"
	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/collection"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/source"
)

const searchCacheTTL = 5 * time.Minute

// CollectionService is the slice of the collection service the API needs.
type CollectionService interface {
	Add(ctx context.Context, req collection.AddRequest) (*catalog.Library, error)
	Remove(ctx context.Context, libraryID string) error
	Search(ctx context.Context, sourceID, query string, page source.Pagination) (*source.Paged[source.TitleSummary], error)
}

// RecordStore is the read side of the catalog the API needs.
type RecordStore interface {
	ListLibraries(ctx context.Context) ([]*catalog.Library, error)
	GetMangaByLibrary(ctx context.Context, libraryID string) (*catalog.MangaDownload, error)
	ListChaptersByManga(ctx context.Context, mangaDownloadID string) ([]*catalog.ChapterDownload, error)
}

// NotificationFeed lists recent in-app notifications.
type NotificationFeed interface {
	Recent(ctx context.Context, limit int) ([]notify.StoredNotification, error)
}

// SourceLister enumerates the configured sources.
type SourceLister interface {
	IDs() []string
}

// Handler serves the HTTP API.
type Handler struct {
	collection  CollectionService
	records     RecordStore
	feed        NotificationFeed
	sources     SourceLister
	searchCache *cache.TTLCache
}

// NewHandler creates the API handler.
func NewHandler(collectionSvc CollectionService, records RecordStore, feed NotificationFeed, sources SourceLister) *Handler {
	return &Handler{
		collection:  collectionSvc,
		records:     records,
		feed:        feed,
		sources:     sources,
		searchCache: cache.New(searchCacheTTL),
	}
}

// Routes returns the full router with middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /v1/sources", h.ListSources)
	mux.HandleFunc("GET /v1/search", h.Search)
	mux.HandleFunc("GET /v1/collection", h.ListCollection)
	mux.HandleFunc("POST /v1/collection", h.AddToCollection)
	mux.HandleFunc("DELETE /v1/collection/{id}", h.RemoveFromCollection)
	mux.HandleFunc("GET /v1/notifications", h.ListNotifications)

	return RequestIDMiddleware(LoggingMiddleware(mux))
}

// Health reports service liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteHealthy(w, r, "inkhound")
}

// ListSources returns the configured source ids.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.sources.IDs(), "")
}

// Search proxies a title search to one source, with a short-lived cache so
// repeated queries stay off the remote site.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	sourceID := r.URL.Query().Get("source")
	query := r.URL.Query().Get("q")
	if sourceID == "" || query == "" {
		WriteError(w, r, fmt.Errorf("source and q parameters are required"), http.StatusBadRequest)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 20)

	cacheKey := fmt.Sprintf("%s|%s|%d|%d", sourceID, query, offset, limit)
	if cached, found := h.searchCache.Get(cacheKey); found {
		WriteSuccess(w, r, cached, "")
		return
	}

	results, err := h.collection.Search(r.Context(), sourceID, query, source.Pagination{Offset: offset, Limit: limit})
	if err != nil {
		WriteError(w, r, err, http.StatusBadGateway)
		return
	}

	h.searchCache.Set(cacheKey, results)
	WriteSuccess(w, r, results, "")
}

// CollectionEntry is one library with its download progress.
type CollectionEntry struct {
	Library  *catalog.Library `json:"library"`
	Status   catalog.Status   `json:"status,omitempty"`
	Chapters struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Pending   int `json:"pending"`
	} `json:"chapters"`
}

// ListCollection returns every library and a summary of its progress.
// Summaries are fetched concurrently; each entry keeps its library's
// position in the list.
func (h *Handler) ListCollection(w http.ResponseWriter, r *http.Request) {
	libraries, err := h.records.ListLibraries(r.Context())
	if err != nil {
		WriteError(w, r, err, http.StatusInternalServerError)
		return
	}

	entries := make([]CollectionEntry, len(libraries))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(8)
	for i, library := range libraries {
		g.Go(func() error {
			entry := CollectionEntry{Library: library}

			manga, err := h.records.GetMangaByLibrary(ctx, library.ID)
			if err != nil {
				return err
			}
			if manga != nil {
				entry.Status = manga.Status
				chapters, err := h.records.ListChaptersByManga(ctx, manga.ID)
				if err != nil {
					return err
				}
				entry.Chapters.Total = len(chapters)
				for _, ch := range chapters {
					switch ch.Status {
					case catalog.StatusCompleted:
						entry.Chapters.Completed++
					case catalog.StatusPending:
						entry.Chapters.Pending++
					}
				}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		WriteError(w, r, err, http.StatusInternalServerError)
		return
	}

	WriteSuccess(w, r, entries, "")
}

// AddToCollection subscribes a new title.
func (h *Handler) AddToCollection(w http.ResponseWriter, r *http.Request) {
	var req collection.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	library, err := h.collection.Add(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, http.StatusBadRequest)
		return
	}
	WriteCreated(w, r, library, "Added to collection")
}

// RemoveFromCollection unsubscribes a title.
func (h *Handler) RemoveFromCollection(w http.ResponseWriter, r *http.Request) {
	if err := h.collection.Remove(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, r, err, http.StatusNotFound)
		return
	}
	WriteSuccess(w, r, nil, "Removed from collection")
}

// ListNotifications returns the recent in-app notification feed.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := h.feed.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		WriteError(w, r, err, http.StatusInternalServerError)
		return
	}
	WriteSuccess(w, r, items, "")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
