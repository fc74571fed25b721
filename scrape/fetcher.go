// Package scrape implements the website ingestion engine: a fast HTTP
// fetcher, a headless-browser fetcher, the adaptive strategy selector that
// chooses between them, same-domain link extraction, and the bounded
// breadth-first crawl orchestrator.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FetchResult is the raw output of one page fetch.
type FetchResult struct {
	HTML        []byte
	FinalURL    string
	StatusCode  int
	ContentType string
}

// Fetcher retrieves one page. Implementations must be safe for concurrent
// use: jobs in different tenants run in parallel.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*FetchResult, error)
}

// ErrNotHTML is returned when the response content type is not HTML.
var ErrNotHTML = errors.New("scrape: content type is not HTML")

// ErrHTTPStatus is returned on HTTP status >= 400.
var ErrHTTPStatus = errors.New("scrape: HTTP error status")

// DefaultUserAgent identifies the fast fetcher. Kept in sync with a current
// desktop Chrome so content-negotiating servers return the same markup the
// browser fetcher sees.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// FastConfig configures the HTTP fetcher.
type FastConfig struct {
	// Timeout bounds one fetch end to end. Default: 10s.
	Timeout time.Duration
	// UserAgent sent with every request. Default: DefaultUserAgent.
	UserAgent string
	// MaxBodyBytes caps the response body read. Default: 10 MiB.
	MaxBodyBytes int64
	// Client overrides the pooled default client (tests).
	Client *http.Client
}

func (c *FastConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
}

// FastFetcher fetches pages over plain HTTP with a pooled client. It follows
// redirects and rejects non-HTML content types.
type FastFetcher struct {
	cfg    FastConfig
	client *http.Client
}

// NewFastFetcher creates the HTTP fetcher.
func NewFastFetcher(cfg FastConfig) *FastFetcher {
	cfg.defaults()
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &FastFetcher{cfg: cfg, client: client}
}

// Fetch retrieves pageURL and returns the raw HTML.
func (f *FastFetcher) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("scrape: build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape: fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %d for %s", ErrHTTPStatus, resp.StatusCode, pageURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isHTMLContentType(contentType) {
		return nil, fmt.Errorf("%w: %q for %s", ErrNotHTML, contentType, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("scrape: read body %s: %w", pageURL, err)
	}

	return &FetchResult{
		HTML:        body,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
	}, nil
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
