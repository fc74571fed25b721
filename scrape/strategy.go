package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/moisson/extract"
)

// Strategy names match the external configuration contract.
type Strategy string

const (
	StrategyAuto           Strategy = "AUTO"
	StrategyRequestsFirst  Strategy = "REQUESTS_FIRST"
	StrategyPlaywrightOnly Strategy = "PLAYWRIGHT_ONLY"
	StrategyRequestsOnly   Strategy = "REQUESTS_ONLY"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAuto, StrategyRequestsFirst, StrategyPlaywrightOnly, StrategyRequestsOnly:
		return Strategy(s), nil
	case "":
		return StrategyAuto, nil
	}
	return "", fmt.Errorf("scrape: unknown strategy %q", s)
}

// Cached fetcher preference values. These are persisted on the ingestion row
// so a retry of a completed ingestion can reuse the strategy that worked.
const (
	ViaRequests   = "requests"
	ViaPlaywright = "playwright"
)

// ContentThreshold is the cleaned-text length that distinguishes
// "content-rich enough" from "client-rendered, try the browser".
const ContentThreshold = 500

// ErrBelowThreshold is returned by AUTO when both fetchers return text but
// neither reaches the threshold. The page is recorded as failed and no
// domain preference is cached.
var ErrBelowThreshold = errors.New("scrape: both fetchers below content threshold")

// Page is one successfully scraped and cleaned page.
type Page struct {
	URL      string
	FinalURL string
	Title    string
	Text     string
	Hash     string
	Links    []string
	Via      string // ViaRequests or ViaPlaywright
}

// PageScraper is the contract the crawl orchestrator consumes.
type PageScraper interface {
	ScrapePage(ctx context.Context, pageURL, baseDomain string) (*Page, error)
}

// SelectorConfig configures the strategy selector.
type SelectorConfig struct {
	Strategy Strategy
	// EnableFallback allows REQUESTS_FIRST to fall back to the browser.
	EnableFallback bool
	// Threshold overrides ContentThreshold (tests).
	Threshold int
	Logger    *slog.Logger
}

func (c *SelectorConfig) defaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyAuto
	}
	if c.Threshold <= 0 {
		c.Threshold = ContentThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Selector picks a fetcher per page, with optional fallback and a per-job
// domain preference cache. One Selector is created per ingestion job, so the
// cache never leaks between jobs or tenants.
type Selector struct {
	fast    Fetcher
	browser Fetcher
	cfg     SelectorConfig

	mu         sync.Mutex
	domainPref map[string]string
}

// NewSelector creates a per-job selector over the two fetchers.
func NewSelector(fast, browser Fetcher, cfg SelectorConfig) *Selector {
	cfg.defaults()
	return &Selector{
		fast:       fast,
		browser:    browser,
		cfg:        cfg,
		domainPref: make(map[string]string),
	}
}

// ScrapePage fetches, cleans and link-extracts one page according to the
// configured strategy.
func (s *Selector) ScrapePage(ctx context.Context, pageURL, baseDomain string) (*Page, error) {
	switch s.cfg.Strategy {
	case StrategyRequestsOnly:
		return s.scrapeWith(ctx, ViaRequests, pageURL, baseDomain)

	case StrategyPlaywrightOnly:
		return s.scrapeWith(ctx, ViaPlaywright, pageURL, baseDomain)

	case StrategyRequestsFirst:
		page, err := s.scrapeWith(ctx, ViaRequests, pageURL, baseDomain)
		if err == nil {
			return page, nil
		}
		if !s.cfg.EnableFallback {
			return nil, err
		}
		s.cfg.Logger.Debug("scrape: fast fetch failed, falling back to browser",
			"url", pageURL, "error", err)
		return s.scrapeWith(ctx, ViaPlaywright, pageURL, baseDomain)

	default: // StrategyAuto
		return s.scrapeAuto(ctx, pageURL, baseDomain)
	}
}

// scrapeAuto implements the adaptive strategy: honor the cached per-domain
// preference if present, otherwise probe fast-first with the content
// threshold deciding which fetcher to cache.
func (s *Selector) scrapeAuto(ctx context.Context, pageURL, baseDomain string) (*Page, error) {
	host, err := Domain(pageURL)
	if err != nil {
		return nil, fmt.Errorf("scrape: parse url %s: %w", pageURL, err)
	}

	if pref, ok := s.pref(host); ok {
		page, err := s.scrapeWith(ctx, pref, pageURL, baseDomain)
		if err == nil {
			return page, nil
		}
		s.cfg.Logger.Debug("scrape: cached fetcher failed, trying the other",
			"url", pageURL, "cached", pref, "error", err)
		return s.scrapeWith(ctx, other(pref), pageURL, baseDomain)
	}

	fastPage, fastErr := s.scrapeWith(ctx, ViaRequests, pageURL, baseDomain)
	if fastErr == nil && len(fastPage.Text) >= s.cfg.Threshold {
		s.setPref(host, ViaRequests)
		return fastPage, nil
	}

	browserPage, browserErr := s.scrapeWith(ctx, ViaPlaywright, pageURL, baseDomain)
	if browserErr == nil {
		// Tie-break: both returned text but neither reached the threshold —
		// the page fails and nothing is cached.
		if fastErr == nil && len(fastPage.Text) < s.cfg.Threshold &&
			len(browserPage.Text) < s.cfg.Threshold {
			return nil, ErrBelowThreshold
		}
		s.setPref(host, ViaPlaywright)
		return browserPage, nil
	}

	// Browser failed; a thin fast result is still better than nothing, but
	// it earns no cache entry.
	if fastErr == nil {
		return fastPage, nil
	}
	return nil, errors.Join(fastErr, browserErr)
}

func (s *Selector) scrapeWith(ctx context.Context, via, pageURL, baseDomain string) (*Page, error) {
	fetcher := s.fast
	if via == ViaPlaywright {
		fetcher = s.browser
	}
	res, err := fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	cleaned, err := extract.Clean(res.HTML)
	if err != nil {
		return nil, err
	}
	return &Page{
		URL:      pageURL,
		FinalURL: res.FinalURL,
		Title:    cleaned.Title,
		Text:     cleaned.Text,
		Hash:     cleaned.Hash,
		Links:    ExtractLinks(res.HTML, res.FinalURL, baseDomain),
		Via:      via,
	}, nil
}

func (s *Selector) pref(host string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.domainPref[host]
	return p, ok
}

func (s *Selector) setPref(host, via string) {
	s.mu.Lock()
	s.domainPref[host] = via
	s.mu.Unlock()
}

func other(via string) string {
	if via == ViaRequests {
		return ViaPlaywright
	}
	return ViaRequests
}
