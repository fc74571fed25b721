package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PageStore persists per-page crawl status. Implemented by the relational
// store; faked in tests.
type PageStore interface {
	// CreatePage inserts a page row in "processing" state and returns its id.
	CreatePage(ctx context.Context, ingestionID, pageURL string, pageNumber int) (string, error)
	// CompletePage marks a page "completed" with its title and content hash.
	CompletePage(ctx context.Context, pageID, title, contentHash string) error
	// FailPage marks a page "failed" with the error message.
	FailPage(ctx context.Context, pageID, errMsg string) error
}

// Progress is the checkpoint payload the polling UI consumes.
type Progress struct {
	PagesDiscovered int
	PagesProcessed  int
	PagesFailed     int
}

// CheckpointFunc receives a progress snapshot every few pages. Errors are
// logged, not fatal: a failed checkpoint write must not abort the crawl.
type CheckpointFunc func(ctx context.Context, p Progress) error

// CrawlConfig configures the orchestrator.
type CrawlConfig struct {
	// MaxPages caps the crawl. Default: 100.
	MaxPages int
	// Delay between pages. Default: 1s. Negative disables the delay.
	Delay time.Duration
	// CheckpointEvery emits progress after this many attempted pages.
	// Default: 5.
	CheckpointEvery int
	Logger          *slog.Logger
}

func (c *CrawlConfig) defaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 100
	}
	if c.Delay == 0 {
		c.Delay = time.Second
	} else if c.Delay < 0 {
		c.Delay = 0
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Crawler runs a bounded breadth-first traversal over one base URL.
type Crawler struct {
	scraper PageScraper
	pages   PageStore
	cfg     CrawlConfig
}

// NewCrawler creates the orchestrator.
func NewCrawler(scraper PageScraper, pages PageStore, cfg CrawlConfig) *Crawler {
	cfg.defaults()
	return &Crawler{scraper: scraper, pages: pages, cfg: cfg}
}

// Run crawls baseURL breadth-first and returns the successfully cleaned
// pages. It does not flip the ingestion's terminal status: the background
// runner does that after classification and vector writes. A crawl where
// zero pages succeed still returns normally with an empty slice.
func (c *Crawler) Run(ctx context.Context, ingestionID, baseURL string, checkpoint CheckpointFunc) ([]*Page, error) {
	log := c.cfg.Logger.With("ingestion_id", ingestionID)

	baseDomain, err := Domain(baseURL)
	if err != nil {
		return nil, fmt.Errorf("scrape: base url: %w", err)
	}

	// seen marks URLs at enqueue time so a link reachable from several pages
	// enters the queue once and the discovered count stays exact.
	seen := map[string]bool{baseURL: true}
	queue := []string{baseURL}
	var docs []*Page

	processed, failed, attempted := 0, 0, 0
	pageNumber := 0

	emit := func() {
		if checkpoint == nil {
			return
		}
		p := Progress{
			PagesDiscovered: len(seen),
			PagesProcessed:  processed,
			PagesFailed:     failed,
		}
		if err := checkpoint(ctx, p); err != nil {
			log.Warn("scrape: checkpoint failed", "error", err)
		}
	}

	for len(queue) > 0 && attempted < c.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return docs, err
		}

		pageURL := queue[0]
		queue = queue[1:]
		attempted++
		pageNumber++

		pageID, err := c.pages.CreatePage(ctx, ingestionID, pageURL, pageNumber)
		if err != nil {
			return docs, fmt.Errorf("scrape: create page row: %w", err)
		}

		page, err := c.scraper.ScrapePage(ctx, pageURL, baseDomain)
		if err != nil {
			failed++
			log.Debug("scrape: page failed", "url", pageURL, "error", err)
			if ferr := c.pages.FailPage(ctx, pageID, err.Error()); ferr != nil {
				log.Warn("scrape: record page failure", "error", ferr)
			}
		} else {
			processed++
			docs = append(docs, page)
			if cerr := c.pages.CompletePage(ctx, pageID, page.Title, page.Hash); cerr != nil {
				log.Warn("scrape: record page completion", "error", cerr)
			}
			for _, link := range page.Links {
				if !seen[link] {
					seen[link] = true
					queue = append(queue, link)
				}
			}
		}

		if attempted%c.cfg.CheckpointEvery == 0 {
			emit()
		}

		if len(queue) > 0 && attempted < c.cfg.MaxPages {
			if err := sleepCtx(ctx, c.cfg.Delay); err != nil {
				return docs, err
			}
		}
	}

	emit()
	log.Info("scrape: crawl finished",
		"pages_processed", processed, "pages_failed", failed,
		"pages_discovered", len(seen))
	return docs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
