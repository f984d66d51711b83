package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSite(t *testing.T) (*httptest.Server, SiteConfig) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div id="results" data-total="2"></div>
			<div class="result"><a href="/title/one-piece">One Piece</a><img src="/cover/one-piece.png"></div>
			<div class="result"><a href="/title/berserk">Berserk</a><img src="/cover/berserk.png"></div>
		</body></html>`)
	})
	mux.HandleFunc("/title/one-piece/chapters", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<ul id="chapters" data-total="3"></ul>
			<li class="chapter" data-number="1" data-volume="1"><a href="/chapter/op-1">Romance Dawn</a></li>
			<li class="chapter" data-number="1.5" data-volume="1"><a href="/chapter/op-1-5">Extra</a></li>
			<li class="chapter" data-number="2" data-volume="1"><a href="/chapter/op-2">They Call Him Luffy</a></li>
		</body></html>`)
	})
	mux.HandleFunc("/chapter/op-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<img class="page" src="/img/op-1/001.png">
			<img class="page" data-src="/img/op-1/002.png">
			<img class="page" src="/img/op-1/003.png">
		</body></html>`)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/cover/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cover-bytes"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, SiteConfig{
		ID:                "testsite",
		BaseURL:           server.URL,
		SearchPath:        "/search?q=%s&offset=%d&limit=%d",
		ChaptersPath:      "/title/%s/chapters?offset=%d&limit=%d",
		CoverPath:         "/cover/%s.png",
		RequestsPerSecond: 100,
		Selectors: Selectors{
			SearchResult: "div.result",
			SearchLink:   "a",
			SearchCover:  "img",
			SearchTotal:  "div#results",
			ChapterRow:   "li.chapter",
			ChapterLink:  "a",
			ChapterTotal: "ul#chapters",
			PageImage:    "img.page",
		},
	}
}

func TestSearch(t *testing.T) {
	_, config := testSite(t)
	src, err := NewHTMLSource(config)
	require.NoError(t, err)

	results, err := src.Search(context.Background(), "piece", Pagination{Limit: 20})
	require.NoError(t, err)

	assert.Equal(t, 2, results.Total)
	require.Len(t, results.Items, 2)
	assert.Equal(t, "one-piece", results.Items[0].RemoteID)
	assert.Equal(t, "One Piece", results.Items[0].Title)
	assert.Contains(t, results.Items[0].CoverURL, "/cover/one-piece.png")
}

func TestListChapters(t *testing.T) {
	_, config := testSite(t)
	src, err := NewHTMLSource(config)
	require.NoError(t, err)

	chapters, err := src.ListChapters(context.Background(), "one-piece", Pagination{Limit: 100})
	require.NoError(t, err)

	assert.Equal(t, 3, chapters.Total)
	require.Len(t, chapters.Items, 3)
	assert.Equal(t, "op-1", chapters.Items[0].RemoteID)
	assert.Equal(t, 1.5, chapters.Items[1].Number)
	assert.Equal(t, 1, chapters.Items[2].Volume)
}

func TestListPages(t *testing.T) {
	_, config := testSite(t)
	src, err := NewHTMLSource(config)
	require.NoError(t, err)

	chapters, err := src.ListChapters(context.Background(), "one-piece", Pagination{Limit: 100})
	require.NoError(t, err)

	pages, err := src.ListPages(context.Background(), chapters.Items[0])
	require.NoError(t, err)

	require.Len(t, pages, 3)
	assert.Equal(t, 1, pages[0].Index)
	// Lazy-loaded images fall back to data-src.
	assert.Contains(t, pages[1].URL, "002.png")
}

func TestFetchPage(t *testing.T) {
	_, config := testSite(t)
	src, err := NewHTMLSource(config)
	require.NoError(t, err)

	body, err := src.FetchPage(context.Background(), config.BaseURL+"/img/op-1/001.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), body)
}

func TestCover(t *testing.T) {
	_, config := testSite(t)
	src, err := NewHTMLSource(config)
	require.NoError(t, err)

	body, err := src.Cover(context.Background(), "one-piece")
	require.NoError(t, err)
	assert.Equal(t, []byte("cover-bytes"), body)

	config.CoverPath = ""
	src, err = NewHTMLSource(config)
	require.NoError(t, err)
	body, err = src.Cover(context.Background(), "one-piece")
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestRegistry(t *testing.T) {
	_, config := testSite(t)
	src, err := NewHTMLSource(config)
	require.NoError(t, err)

	registry := NewRegistry()
	require.NoError(t, registry.Register(src))
	assert.Error(t, registry.Register(src))

	got, err := registry.Get("testsite")
	require.NoError(t, err)
	assert.Equal(t, src, got)

	_, err = registry.Get("nope")
	assert.Error(t, err)

	assert.Equal(t, []string{"testsite"}, registry.IDs())
}

func TestRemoteIDFromURL(t *testing.T) {
	assert.Equal(t, "one-piece", remoteIDFromURL("/title/one-piece"))
	assert.Equal(t, "one-piece", remoteIDFromURL("/title/one-piece/"))
	assert.Equal(t, "op-1", remoteIDFromURL("https://example.com/chapter/op-1?page=2"))
}
