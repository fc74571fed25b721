package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/moisson/blob"
	"github.com/hazyhaar/moisson/chunk"
	"github.com/hazyhaar/moisson/classify"
	"github.com/hazyhaar/moisson/docload"
	"github.com/hazyhaar/moisson/observability"
	"github.com/hazyhaar/moisson/scrape"
	"github.com/hazyhaar/moisson/store"
	"github.com/hazyhaar/moisson/taxonomy"
	"github.com/hazyhaar/moisson/usage"
	"github.com/hazyhaar/moisson/vecstore"
	"github.com/hazyhaar/moisson/vtq"
)

// ScraperFactory builds a per-job page scraper for the given strategy. The
// returned cleanup tears down whatever the scraper holds (browser process).
type ScraperFactory func(ctx context.Context, strategy scrape.Strategy) (scrape.PageScraper, func(), error)

// Runner executes the background jobs. One Runner serves the whole process;
// each job gets its own scraper and its own store session semantics via the
// shared pool.
type Runner struct {
	store      *store.Store
	tax        *taxonomy.Store
	vec        *vecstore.Store // nil = embedding provider not configured
	classifier *classify.Classifier
	events     *usage.Publisher
	scrapers   ScraperFactory
	crawlCfg   scrape.CrawlConfig
	blobs      blob.Store
	loader     *docload.Loader
	audit      *observability.EventLogger
	logger     *slog.Logger
}

// RunnerConfig wires the Runner's collaborators.
type RunnerConfig struct {
	Store      *store.Store
	Tax        *taxonomy.Store
	Vec        *vecstore.Store
	Classifier *classify.Classifier
	Events     *usage.Publisher
	Scrapers   ScraperFactory
	CrawlCfg   scrape.CrawlConfig
	Blobs      blob.Store
	Loader     *docload.Loader
	// Audit records business events for the admin log. Optional.
	Audit  *observability.EventLogger
	Logger *slog.Logger
}

// NewRunner creates the background runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loader := cfg.Loader
	if loader == nil {
		loader = docload.New(docload.WithLogger(logger))
	}
	return &Runner{
		store:      cfg.Store,
		tax:        cfg.Tax,
		vec:        cfg.Vec,
		classifier: cfg.Classifier,
		events:     cfg.Events,
		scrapers:   cfg.Scrapers,
		crawlCfg:   cfg.CrawlCfg,
		blobs:      cfg.Blobs,
		loader:     loader,
		audit:      cfg.Audit,
		logger:     logger,
	}
}

func (r *Runner) logEvent(ctx context.Context, tenantID, eventType, entityType, entityID string, success bool) {
	if r.audit == nil {
		return
	}
	r.audit.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "moisson",
		EntityType:  entityType,
		EntityID:    entityID,
		TenantID:    tenantID,
		Success:     success,
	})
}

// Start consumes both job queues until ctx is cancelled.
func (r *Runner) Start(ctx context.Context, ingestQ, docQ *vtq.Q) {
	go ingestQ.Run(ctx, func(ctx context.Context, j *vtq.Job) error {
		decoded, err := decodeJob(j.Payload)
		if err != nil {
			r.logger.Error("ingest: dropping malformed job", "job_id", j.ID, "error", err)
			return nil
		}
		return r.RunIngestion(ctx, decoded.TenantID, decoded.ID)
	})
	go docQ.Run(ctx, func(ctx context.Context, j *vtq.Job) error {
		decoded, err := decodeJob(j.Payload)
		if err != nil {
			r.logger.Error("ingest: dropping malformed job", "job_id", j.ID, "error", err)
			return nil
		}
		return r.RunDocument(ctx, decoded.TenantID, decoded.ID)
	})
}

// failIngestion writes the terminal failed status on a fresh context so a
// cancelled job context cannot block the write.
func (r *Runner) failIngestion(tenantID, id, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateIngestionStatus(ctx, tenantID, id, store.StatusFailed, msg); err != nil {
		r.logger.Error("ingest: could not record failure",
			"ingestion_id", id, "cause", msg, "error", err)
	}
	r.logEvent(ctx, tenantID, "website_ingestion_failed", "website_ingestion", id, false)
}

// RunIngestion executes one website ingestion end to end. The ingestion
// always ends in a terminal status: any error or panic flips it to failed.
func (r *Runner) RunIngestion(ctx context.Context, tenantID, ingestionID string) (err error) {
	log := r.logger.With("tenant_id", tenantID, "ingestion_id", ingestionID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("ingest: job panicked", "panic", rec)
			r.failIngestion(tenantID, ingestionID, fmt.Sprintf("internal error: %v", rec))
			err = nil
		}
	}()

	if r.vec == nil {
		r.failIngestion(tenantID, ingestionID, "embedding provider not configured")
		return nil
	}

	// Re-read the row: the creator's copy may be stale by the time the job
	// is claimed.
	ing, err := r.store.GetIngestion(ctx, tenantID, ingestionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("ingest: ingestion vanished before the job ran")
			return nil
		}
		return err
	}

	if err := r.store.UpdateIngestionStatus(ctx, tenantID, ingestionID, store.StatusInProgress, ""); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A redelivered job for a run that already started or finished.
			// in_progress means the previous worker died mid-crawl: run again,
			// dedup makes the vector writes idempotent. Terminal states are done.
			if ing.Status != store.StatusInProgress {
				log.Info("ingest: job already settled", "status", ing.Status)
				return nil
			}
		} else {
			return err
		}
	}

	strategy, err := scrape.ParseStrategy(ing.Strategy)
	if err != nil {
		r.failIngestion(tenantID, ingestionID, err.Error())
		return nil
	}
	scraper, cleanup, err := r.scrapers(ctx, strategy)
	if err != nil {
		r.failIngestion(tenantID, ingestionID, fmt.Sprintf("scraper setup: %v", err))
		return nil
	}
	defer cleanup()

	crawler := scrape.NewCrawler(scraper, r.store.Pages(tenantID), r.crawlCfg)
	checkpoint := func(ctx context.Context, p scrape.Progress) error {
		return r.store.CheckpointIngestion(ctx, tenantID, ingestionID,
			p.PagesDiscovered, p.PagesProcessed, p.PagesFailed)
	}
	pages, err := crawler.Run(ctx, ingestionID, ing.BaseURL, checkpoint)
	if err != nil {
		r.failIngestion(tenantID, ingestionID, fmt.Sprintf("crawl: %v", err))
		return nil
	}

	chunks, err := r.classifyPages(ctx, tenantID, ingestionID, pages)
	if err != nil {
		r.failIngestion(tenantID, ingestionID, err.Error())
		return nil
	}

	if _, err := r.vec.Ingest(ctx, tenantID, chunks, "", ingestionID); err != nil {
		r.failIngestion(tenantID, ingestionID, fmt.Sprintf("vector ingest: %v", err))
		return nil
	}

	if err := r.events.Publish(ctx, usage.WebsiteAdded(tenantID, ingestionID, ing.BaseURL, len(pages))); err != nil {
		log.Warn("ingest: usage event failed", "event", usage.EventWebsiteAdded, "error", err)
	}

	if err := r.store.UpdateIngestionStatus(ctx, tenantID, ingestionID, store.StatusCompleted, ""); err != nil {
		return err
	}
	r.logEvent(ctx, tenantID, "website_ingestion_completed", "website_ingestion", ingestionID, true)
	log.Info("ingest: ingestion completed", "pages", len(pages), "chunks", len(chunks))
	return nil
}

// classifyPages runs the classifier over each cleaned page and expands the
// pages into metadata-carrying chunks.
func (r *Runner) classifyPages(ctx context.Context, tenantID, ingestionID string, pages []*scrape.Page) ([]vecstore.Chunk, error) {
	tenantCats, err := r.tenantCategoryNames(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	pageIDs, err := r.pageIDsByURL(ctx, tenantID, ingestionID)
	if err != nil {
		return nil, err
	}

	scraped := time.Now().UTC().Format(time.RFC3339)
	var chunks []vecstore.Chunk
	for _, p := range pages {
		res := r.classifier.Classify(ctx, p.Text, classify.SourceWebPage, tenantCats)

		var catIDs, tagIDs []string
		if pageID, ok := pageIDs[p.URL]; ok {
			catIDs, tagIDs, err = r.tax.ApplyClassification(ctx, tenantID, pageID, res)
			if err != nil {
				return nil, fmt.Errorf("classification persist: %w", err)
			}
		}

		meta := vecstore.Metadata{
			SourceURL:   p.FinalURL,
			Title:       p.Title,
			ContentType: res.ContentType,
			Language:    res.Language,
			CategoryIDs: catIDs,
			TagIDs:      tagIDs,
			ScrapedDate: scraped,
			SourceKind:  string(classify.SourceWebPage),
		}
		for _, text := range chunk.Split(p.Text, chunk.Options{}) {
			chunks = append(chunks, vecstore.Chunk{Text: text, Metadata: meta})
		}
	}
	return chunks, nil
}

func (r *Runner) tenantCategoryNames(ctx context.Context, tenantID string) ([]string, error) {
	cats, err := r.tax.ListCategories(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		if !c.IsSystem {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

func (r *Runner) pageIDsByURL(ctx context.Context, tenantID, ingestionID string) (map[string]string, error) {
	rows, err := r.store.ListPages(ctx, tenantID, ingestionID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	ids := make(map[string]string, len(rows))
	for _, p := range rows {
		ids[p.URL] = p.ID
	}
	return ids, nil
}

// RunDocument processes one uploaded document end to end.
func (r *Runner) RunDocument(ctx context.Context, tenantID, documentID string) (err error) {
	log := r.logger.With("tenant_id", tenantID, "document_id", documentID)

	fail := func(msg string) {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := r.store.UpdateDocumentStatus(fctx, tenantID, documentID, store.StatusFailed, msg); serr != nil {
			log.Error("ingest: could not record document failure", "cause", msg, "error", serr)
		}
		r.logEvent(fctx, tenantID, "document_processing_failed", "document", documentID, false)
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("ingest: document job panicked", "panic", rec)
			fail(fmt.Sprintf("internal error: %v", rec))
			err = nil
		}
	}()

	if r.vec == nil {
		fail("embedding provider not configured")
		return nil
	}

	doc, err := r.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("ingest: document vanished before the job ran")
			return nil
		}
		return err
	}
	if doc.Status == store.StatusCompleted {
		return nil
	}
	if err := r.store.UpdateDocumentStatus(ctx, tenantID, documentID, store.StatusProcessing, ""); err != nil {
		return err
	}

	rc, err := r.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		fail(fmt.Sprintf("fetch upload: %v", err))
		return nil
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		fail(fmt.Sprintf("read upload: %v", err))
		return nil
	}

	loaded, err := r.loader.Load(ctx, doc.OriginalFilename, data)
	if err != nil {
		fail(fmt.Sprintf("parse: %v", err))
		return nil
	}

	tenantCats, err := r.tenantCategoryNames(ctx, tenantID)
	if err != nil {
		fail(err.Error())
		return nil
	}
	res := r.classifier.Classify(ctx, loaded.Text, classify.SourceDocument, tenantCats)
	catIDs, tagIDs, err := r.tax.ApplyClassification(ctx, tenantID, documentID, res)
	if err != nil {
		fail(fmt.Sprintf("classification persist: %v", err))
		return nil
	}

	uploaded := doc.CreatedAt.UTC().Format(time.RFC3339)
	var chunks []vecstore.Chunk
	for _, page := range loaded.Pages {
		meta := vecstore.Metadata{
			Title:        loaded.Title,
			PageNumber:   page.Number,
			ContentType:  res.ContentType,
			Language:     res.Language,
			CategoryIDs:  catIDs,
			TagIDs:       tagIDs,
			UploadDate:   uploaded,
			SourceKind:   string(classify.SourceDocument),
			DocumentName: doc.OriginalFilename,
		}
		for _, text := range chunk.Split(page.Text, chunk.Options{}) {
			chunks = append(chunks, vecstore.Chunk{Text: text, Metadata: meta})
		}
	}

	if _, err := r.vec.Ingest(ctx, tenantID, chunks, documentID, ""); err != nil {
		fail(fmt.Sprintf("vector ingest: %v", err))
		return nil
	}

	if err := r.events.Publish(ctx, usage.DocumentAdded(tenantID, documentID, doc.OriginalFilename, doc.SizeBytes)); err != nil {
		log.Warn("ingest: usage event failed", "event", usage.EventDocumentAdded, "error", err)
	}

	if err := r.store.UpdateDocumentStatus(ctx, tenantID, documentID, store.StatusCompleted, ""); err != nil {
		return err
	}
	r.logEvent(ctx, tenantID, "document_processing_completed", "document", documentID, true)
	log.Info("ingest: document completed", "chunks", len(chunks))
	return nil
}

// NewBrowserScraperFactory builds the production ScraperFactory over the
// fast-HTTP and headless-browser fetcher pair.
func NewBrowserScraperFactory(fastCfg scrape.FastConfig, browserCfg scrape.BrowserConfig, enableFallback bool, logger *slog.Logger) ScraperFactory {
	return func(ctx context.Context, strategy scrape.Strategy) (scrape.PageScraper, func(), error) {
		fast := scrape.NewFastFetcher(fastCfg)

		// REQUESTS_ONLY never touches the browser; don't launch one.
		if strategy == scrape.StrategyRequestsOnly {
			sel := scrape.NewSelector(fast, nil, scrape.SelectorConfig{
				Strategy: strategy, Logger: logger,
			})
			return sel, func() {}, nil
		}

		browser := scrape.NewBrowserFetcher(browserCfg)
		if err := browser.Start(); err != nil {
			return nil, nil, err
		}
		sel := scrape.NewSelector(fast, browser, scrape.SelectorConfig{
			Strategy:       strategy,
			EnableFallback: enableFallback,
			Logger:         logger,
		})
		return sel, func() { _ = browser.Close() }, nil
	}
}
