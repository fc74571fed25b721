// Entry point for the moisson content-ingestion service: REST API, crawl and
// document workers, vector indexing, usage events.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/auth"
	"github.com/hazyhaar/moisson/billing"
	"github.com/hazyhaar/moisson/blob"
	"github.com/hazyhaar/moisson/classify"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/httpapi"
	"github.com/hazyhaar/moisson/ingest"
	"github.com/hazyhaar/moisson/observability"
	"github.com/hazyhaar/moisson/scrape"
	"github.com/hazyhaar/moisson/store"
	"github.com/hazyhaar/moisson/taxonomy"
	"github.com/hazyhaar/moisson/usage"
	"github.com/hazyhaar/moisson/vecstore"
	"github.com/hazyhaar/moisson/vtq"
)

func main() {
	cfg, err := LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Relational DB: ingestions, pages, documents, taxonomy, job queues,
	// business event log.
	db, err := dbopen.Open(cfg.DatabasePath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(taxonomy.Schema),
		dbopen.WithSchema(observability.Schema))
	if err != nil {
		slog.Error("relational db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	// Vector DB kept separate: chunk rows dominate disk and write volume.
	vdb, err := dbopen.Open(cfg.VectorDatabasePath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(vecstore.Schema))
	if err != nil {
		slog.Error("vector db", "error", err)
		os.Exit(1)
	}
	defer vdb.Close()
	vdb.SetMaxIdleConns(5)
	vdb.SetMaxOpenConns(10)

	st := store.New(db)
	tax := taxonomy.New(db)
	events := observability.NewEventLogger(db)

	// Blob storage. Without a MinIO endpoint the service still runs, with
	// uploads held in process memory (dev only).
	var blobs blob.Store
	if cfg.Minio.Endpoint != "" {
		m, err := blob.NewMinio(ctx, blob.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			slog.Error("minio", "error", err)
			os.Exit(1)
		}
		blobs = m
	} else {
		slog.Warn("MINIO_ENDPOINT not set, using in-memory blob store")
		blobs = blob.NewMemory()
	}

	// OpenAI: embeddings for the vector store, chat for classification.
	// Both are optional; without a key ingestion runs rule-based and jobs
	// that need embeddings fail with an explicit error.
	var emb embedder.Embedder
	classifyOpts := []classify.Option{classify.WithLogger(logger)}
	if cfg.OpenAI.APIKey != "" {
		client := openai.NewClient(cfg.OpenAI.APIKey)
		emb = embedder.NewOpenAI(client, embedder.Config{
			Model:     cfg.OpenAI.EmbeddingModel,
			Dimension: cfg.OpenAI.EmbeddingDimension,
		})
		classifyOpts = append(classifyOpts, classify.WithModel(
			classify.NewModelClassifier(client, classify.ModelConfig{Model: cfg.OpenAI.ChatModel})))
	} else {
		slog.Warn("OPENAI_API_KEY not set, classification is rule-based and embedding is disabled")
	}
	classifier := classify.New(classifyOpts...)

	// Built even without an embedder: delete and stats paths stay available,
	// while Ingest and Search report ErrNoEmbedder.
	vec := vecstore.New(vdb, emb, vecstore.Config{Logger: logger})

	// Usage events to RabbitMQ. Connection is lazy; a down broker degrades
	// to warn-logged publish failures, it does not block startup.
	publisher := usage.NewPublisher(usage.Config{
		URL:      cfg.AMQPURL(),
		Exchange: cfg.RabbitMQ.Exchange,
		Logger:   logger,
	})
	defer publisher.Close()

	gate := billing.NewGate(billing.Config{BaseURL: cfg.BillingServiceURL, Logger: logger})

	// Token validation. JWKS is required; introspection is the fallback for
	// tokens signed with keys the JWKS does not list.
	if cfg.Auth.JWKSURL == "" {
		slog.Error("JWKS_URL is required")
		os.Exit(1)
	}
	validator := auth.NewValidator(auth.NewKeyCache(cfg.Auth.JWKSURL, 0, nil), cfg.Auth.IntrospectURL, nil)

	// Job queues.
	ingestQ := vtq.New(db, vtq.Options{Queue: ingest.QueueIngestions, Logger: logger})
	docQ := vtq.New(db, vtq.Options{Queue: ingest.QueueDocuments, Logger: logger})
	if err := ingestQ.EnsureTable(ctx); err != nil {
		slog.Error("job queue init", "error", err)
		os.Exit(1)
	}

	svc := ingest.NewService(ingest.ServiceConfig{
		Store:   st,
		Tax:     tax,
		Vec:     vec,
		Gate:    gate,
		Events:  publisher,
		Blobs:   blobs,
		IngestQ: ingestQ,
		DocQ:    docQ,
		Audit:   events,
		Logger:  logger,
	})

	runner := ingest.NewRunner(ingest.RunnerConfig{
		Store:      st,
		Tax:        tax,
		Vec:        vec,
		Classifier: classifier,
		Events:     publisher,
		Scrapers: ingest.NewBrowserScraperFactory(
			scrape.FastConfig{Timeout: cfg.Scraping.RequestsTimeout},
			scrape.BrowserConfig{
				Timeout:    cfg.Scraping.PlaywrightTimeout,
				ControlURL: cfg.Scraping.BrowserControlURL,
				Logger:     logger,
			},
			cfg.Scraping.EnableFallback,
			logger,
		),
		CrawlCfg: scrape.CrawlConfig{
			MaxPages: cfg.Scraping.MaxPagesPerSite,
			Delay:    cfg.Scraping.Delay,
			Logger:   logger,
		},
		Blobs:  blobs,
		Audit:  events,
		Logger: logger,
	})
	runner.Start(ctx, ingestQ, docQ)

	// Daily retention sweep for the business event log.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := observability.Cleanup(ctx, db, observability.RetentionConfig{
					EventLogsDays: cfg.EventRetentionDays,
				}); err != nil {
					slog.Warn("event log cleanup", "error", err)
				}
			}
		}
	}()

	api := httpapi.New(httpapi.Config{
		Service:       svc,
		Store:         st,
		Tax:           tax,
		Vec:           vec,
		Events:        events,
		Auth:          validator.Middleware,
		AdminUser:     cfg.Admin.User,
		AdminPassHash: cfg.Admin.PasswordHash,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}
