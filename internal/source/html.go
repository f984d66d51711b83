package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Selectors maps the parts of a site's HTML to the fields we extract. All
// values are CSS selectors except the *Attr entries, which name attributes
// on the matched element.
type Selectors struct {
	SearchResult string // one result per match
	SearchLink   string // anchor inside a result; href is the title URL
	SearchCover  string // img inside a result; src is the cover URL
	SearchTotal  string // element whose data-total attribute holds the count

	ChapterRow   string // one chapter per match
	ChapterLink  string // anchor inside a row; href is the chapter URL
	ChapterTotal string // element whose data-total attribute holds the count

	PageImage string // one page image per match; src is the image URL
}

// SiteConfig describes an HTML manga site well enough to scrape it.
type SiteConfig struct {
	ID      string
	BaseURL string

	// SearchPath and ChaptersPath are printf patterns. SearchPath receives
	// (query, offset, limit); ChaptersPath receives (titleID, offset, limit).
	SearchPath   string
	ChaptersPath string
	CoverPath    string // receives (titleID); empty means no covers

	UserAgent         string
	RequestsPerSecond float64

	Selectors Selectors
}

// HTMLSource scrapes a conventional HTML manga site. Listing pages go
// through colly; image bytes come down over a plain HTTP client. One rate
// limiter paces everything so a burst of page downloads cannot hammer the
// site.
type HTMLSource struct {
	config    SiteConfig
	collector *colly.Collector
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTMLSource builds a source from a site description.
func NewHTMLSource(config SiteConfig) (*HTMLSource, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("source id is required")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("source base URL is required")
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 1
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	collector := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.AllowedDomains(base.Hostname()),
	)
	collector.SetRequestTimeout(30 * time.Second)

	return &HTMLSource{
		config:    config,
		collector: collector,
		client:    &http.Client{Timeout: 60 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}, nil
}

// ID returns the source identifier.
func (s *HTMLSource) ID() string {
	return s.config.ID
}

// Search scrapes one window of the site's search results.
func (s *HTMLSource) Search(ctx context.Context, query string, page Pagination) (*Paged[TitleSummary], error) {
	target := s.config.BaseURL + fmt.Sprintf(s.config.SearchPath, url.QueryEscape(query), page.Offset, page.Limit)

	var results []TitleSummary
	total := -1

	c := s.collector.Clone()
	c.OnHTML(s.config.Selectors.SearchResult, func(e *colly.HTMLElement) {
		link := e.DOM.Find(s.config.Selectors.SearchLink).First()
		href, _ := link.Attr("href")
		if href == "" {
			return
		}
		summary := TitleSummary{
			RemoteID: remoteIDFromURL(href),
			Title:    strings.TrimSpace(link.Text()),
			URL:      e.Request.AbsoluteURL(href),
		}
		if cover := s.config.Selectors.SearchCover; cover != "" {
			if src, ok := e.DOM.Find(cover).First().Attr("src"); ok {
				summary.CoverURL = e.Request.AbsoluteURL(src)
			}
		}
		results = append(results, summary)
	})
	if sel := s.config.Selectors.SearchTotal; sel != "" {
		c.OnHTML(sel, func(e *colly.HTMLElement) {
			if n, err := strconv.Atoi(e.Attr("data-total")); err == nil {
				total = n
			}
		})
	}

	if err := s.visit(ctx, c, target); err != nil {
		return nil, fmt.Errorf("search failed on %s: %w", s.config.ID, err)
	}

	if total < 0 {
		total = page.Offset + len(results)
	}
	return &Paged[TitleSummary]{Items: results, Total: total}, nil
}

// ListChapters scrapes one window of a title's chapter list.
func (s *HTMLSource) ListChapters(ctx context.Context, remoteTitleID string, page Pagination) (*Paged[ChapterSummary], error) {
	target := s.config.BaseURL + fmt.Sprintf(s.config.ChaptersPath, url.PathEscape(remoteTitleID), page.Offset, page.Limit)

	var chapters []ChapterSummary
	total := -1

	c := s.collector.Clone()
	c.OnHTML(s.config.Selectors.ChapterRow, func(e *colly.HTMLElement) {
		link := e.DOM.Find(s.config.Selectors.ChapterLink).First()
		href, _ := link.Attr("href")
		if href == "" {
			return
		}
		chapter := ChapterSummary{
			RemoteID: remoteIDFromURL(href),
			Title:    strings.TrimSpace(link.Text()),
			URL:      e.Request.AbsoluteURL(href),
		}
		chapter.Number = parseFloatAttr(e.DOM, "data-number")
		chapter.Volume = int(parseFloatAttr(e.DOM, "data-volume"))
		chapters = append(chapters, chapter)
	})
	if sel := s.config.Selectors.ChapterTotal; sel != "" {
		c.OnHTML(sel, func(e *colly.HTMLElement) {
			if n, err := strconv.Atoi(e.Attr("data-total")); err == nil {
				total = n
			}
		})
	}

	if err := s.visit(ctx, c, target); err != nil {
		return nil, fmt.Errorf("chapter listing failed on %s: %w", s.config.ID, err)
	}

	if total < 0 {
		total = page.Offset + len(chapters)
	}
	return &Paged[ChapterSummary]{Items: chapters, Total: total}, nil
}

// ListPages scrapes the page images out of a chapter reader page.
func (s *HTMLSource) ListPages(ctx context.Context, chapter ChapterSummary) ([]PageDescriptor, error) {
	if chapter.URL == "" {
		return nil, fmt.Errorf("chapter %s has no URL", chapter.RemoteID)
	}

	var pages []PageDescriptor
	c := s.collector.Clone()
	c.OnHTML(s.config.Selectors.PageImage, func(e *colly.HTMLElement) {
		src := e.Attr("src")
		if src == "" {
			src = e.Attr("data-src")
		}
		if src == "" {
			return
		}
		pages = append(pages, PageDescriptor{
			Index: len(pages) + 1,
			URL:   e.Request.AbsoluteURL(src),
		})
	})

	if err := s.visit(ctx, c, chapter.URL); err != nil {
		return nil, fmt.Errorf("page listing failed on %s: %w", s.config.ID, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("chapter %s has no pages", chapter.RemoteID)
	}
	return pages, nil
}

// FetchPage downloads one page image.
func (s *HTMLSource) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	return s.fetch(ctx, pageURL)
}

// Cover downloads a title's cover image, when the site exposes one.
func (s *HTMLSource) Cover(ctx context.Context, remoteTitleID string) ([]byte, error) {
	if s.config.CoverPath == "" {
		return nil, nil
	}
	target := s.config.BaseURL + fmt.Sprintf(s.config.CoverPath, url.PathEscape(remoteTitleID))
	return s.fetch(ctx, target)
}

func (s *HTMLSource) visit(ctx context.Context, c *colly.Collector, target string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	var visitErr error
	c.OnError(func(r *colly.Response, err error) {
		visitErr = err
	})
	if err := c.Visit(target); err != nil {
		return err
	}
	c.Wait()
	return visitErr
}

func (s *HTMLSource) fetch(ctx context.Context, target string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", target, err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Referer", s.config.BaseURL)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	log.Debug().Str("source", s.config.ID).Str("url", target).Int("bytes", len(body)).Msg("Fetched remote file")
	return body, nil
}

// remoteIDFromURL takes the last non-empty path segment as the remote id.
func remoteIDFromURL(href string) string {
	trimmed := strings.TrimRight(href, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func parseFloatAttr(sel *goquery.Selection, attr string) float64 {
	val, ok := sel.Attr(attr)
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0
	}
	return n
}
