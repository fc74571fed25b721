// Package ingest ties the pipeline together: the Service handles the short
// request-path operations (validate, limit-check, persist, enqueue) and the
// Runner executes the long-running background jobs (crawl, classify, embed).
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/moisson/billing"
	"github.com/hazyhaar/moisson/blob"
	"github.com/hazyhaar/moisson/docload"
	"github.com/hazyhaar/moisson/horosafe"
	"github.com/hazyhaar/moisson/idgen"
	"github.com/hazyhaar/moisson/observability"
	"github.com/hazyhaar/moisson/scrape"
	"github.com/hazyhaar/moisson/store"
	"github.com/hazyhaar/moisson/taxonomy"
	"github.com/hazyhaar/moisson/usage"
	"github.com/hazyhaar/moisson/vecstore"
	"github.com/hazyhaar/moisson/vtq"
)

// Queue names for the background job queues.
const (
	QueueIngestions = "ingestions"
	QueueDocuments  = "documents"
)

var (
	// ErrLimitExceeded is returned when the billing service denies the
	// operation. The accompanying CheckResult carries the details.
	ErrLimitExceeded = errors.New("ingest: plan limit exceeded")
	// ErrNotRetryable is returned when a retry is requested for an
	// ingestion that is still pending or running.
	ErrNotRetryable = errors.New("ingest: ingestion is not in a retryable state")
)

// job is the queue payload shared by both queues.
type job struct {
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
}

func encodeJob(tenantID, id string) []byte {
	b, _ := json.Marshal(job{TenantID: tenantID, ID: id})
	return b
}

func decodeJob(payload []byte) (job, error) {
	var j job
	if err := json.Unmarshal(payload, &j); err != nil {
		return j, fmt.Errorf("ingest: bad job payload: %w", err)
	}
	if j.TenantID == "" || j.ID == "" {
		return j, errors.New("ingest: job payload missing ids")
	}
	return j, nil
}

// Service is the request-path API consumed by the HTTP layer.
type Service struct {
	store   *store.Store
	tax     *taxonomy.Store
	vec     *vecstore.Store
	gate    *billing.Gate
	events  *usage.Publisher
	blobs   blob.Store
	ingestQ *vtq.Q
	docQ    *vtq.Q
	audit   *observability.EventLogger
	logger  *slog.Logger
	fileID  idgen.Generator
}

// ServiceConfig wires the Service's collaborators.
type ServiceConfig struct {
	Store   *store.Store
	Tax     *taxonomy.Store
	Vec     *vecstore.Store
	Gate    *billing.Gate
	Events  *usage.Publisher
	Blobs   blob.Store
	IngestQ *vtq.Q
	DocQ    *vtq.Q
	// Audit records business events for the admin log. Optional.
	Audit  *observability.EventLogger
	Logger *slog.Logger
}

// NewService creates the request-path service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		tax:     cfg.Tax,
		vec:     cfg.Vec,
		gate:    cfg.Gate,
		events:  cfg.Events,
		blobs:   cfg.Blobs,
		ingestQ: cfg.IngestQ,
		docQ:    cfg.DocQ,
		audit:   cfg.Audit,
		logger:  logger,
		fileID:  idgen.Default,
	}
}

func (s *Service) logEvent(ctx context.Context, tenantID, eventType, entityType, entityID string) {
	if s.audit == nil {
		return
	}
	s.audit.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "moisson",
		EntityType:  entityType,
		EntityID:    entityID,
		TenantID:    tenantID,
		Success:     true,
	})
}

// CreateIngestion validates the URL, passes the limit gate, persists a
// pending ingestion and enqueues its background job. The returned
// CheckResult carries the billing verdict, including any fail-open reason.
func (s *Service) CreateIngestion(ctx context.Context, tenantID, token, baseURL, strategy string) (*store.Ingestion, *billing.CheckResult, error) {
	if err := horosafe.ValidateURL(baseURL); err != nil {
		return nil, nil, err
	}
	parsed, err := scrape.ParseStrategy(strategy)
	if err != nil {
		return nil, nil, err
	}

	check, err := s.gate.CanIngestWebsite(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if !check.Allowed {
		return nil, check, fmt.Errorf("%w: %s", ErrLimitExceeded, check.Reason)
	}

	ing, err := s.store.CreateIngestion(ctx, tenantID, baseURL, string(parsed))
	if err != nil {
		return nil, check, err
	}
	if err := s.ingestQ.Publish(ctx, ing.ID, encodeJob(tenantID, ing.ID)); err != nil {
		return nil, check, fmt.Errorf("ingest: enqueue: %w", err)
	}
	s.logger.Info("ingest: ingestion created",
		"tenant_id", tenantID, "ingestion_id", ing.ID, "strategy", parsed)
	s.logEvent(ctx, tenantID, "website_ingestion_created", "website_ingestion", ing.ID)
	return ing, check, nil
}

// RetryIngestion re-runs a finished ingestion. A failed run retries with
// AUTO; a completed run reuses the strategy that worked.
func (s *Service) RetryIngestion(ctx context.Context, tenantID, id string) (*store.Ingestion, error) {
	ing, err := s.store.GetIngestion(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	var strategy string
	switch ing.Status {
	case store.StatusFailed:
		strategy = string(scrape.StrategyAuto)
	case store.StatusCompleted:
		strategy = ing.Strategy
	default:
		return nil, fmt.Errorf("%w: status=%s", ErrNotRetryable, ing.Status)
	}

	if err := s.store.ResetIngestionForRetry(ctx, tenantID, id, strategy); err != nil {
		return nil, err
	}
	// Job ids must be unique per run; the ingestion id alone would collide
	// with the finished job's row.
	jobID := id + "_" + s.fileID()
	if err := s.ingestQ.Publish(ctx, jobID, encodeJob(tenantID, id)); err != nil {
		return nil, fmt.Errorf("ingest: enqueue retry: %w", err)
	}
	return s.store.GetIngestion(ctx, tenantID, id)
}

// DeleteIngestion removes the ingestion, its pages and its vector chunks,
// then announces the removal. The usage event is fire-and-forget.
func (s *Service) DeleteIngestion(ctx context.Context, tenantID, id string) error {
	if _, err := s.store.GetIngestion(ctx, tenantID, id); err != nil {
		return err
	}
	if _, err := s.vec.DeleteByIngestion(ctx, tenantID, id); err != nil {
		return fmt.Errorf("ingest: delete chunks: %w", err)
	}
	if err := s.store.DeleteIngestion(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.events.Publish(ctx, usage.WebsiteRemoved(tenantID, id)); err != nil {
		s.logger.Warn("ingest: usage event failed", "event", usage.EventWebsiteRemoved,
			"ingestion_id", id, "error", err)
	}
	s.logEvent(ctx, tenantID, "website_ingestion_deleted", "website_ingestion", id)
	return nil
}

// UploadDocument stores the file, persists a pending document row and
// enqueues its processing job.
func (s *Service) UploadDocument(ctx context.Context, tenantID, token, originalFilename, mimeType string, data []byte) (*store.Document, *billing.CheckResult, error) {
	if _, err := docload.Detect(originalFilename); err != nil {
		return nil, nil, err
	}

	check, err := s.gate.CheckUsage(ctx, token, billing.ResourceDocuments)
	if err != nil {
		return nil, nil, err
	}
	if !check.Allowed {
		return nil, check, fmt.Errorf("%w: %s", ErrLimitExceeded, check.Reason)
	}

	// Stored under a generated name; the original stays on the row.
	filename := s.fileID() + strings.ToLower(filepath.Ext(originalFilename))
	key := blob.DocumentKey(tenantID, filename)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return nil, check, err
	}

	doc, err := s.store.CreateDocument(ctx, tenantID, store.Document{
		Filename:         filename,
		OriginalFilename: originalFilename,
		StoragePath:      key,
		MimeType:         mimeType,
		SizeBytes:        int64(len(data)),
	})
	if err != nil {
		return nil, check, err
	}
	if err := s.docQ.Publish(ctx, doc.ID, encodeJob(tenantID, doc.ID)); err != nil {
		return nil, check, fmt.Errorf("ingest: enqueue: %w", err)
	}
	s.logger.Info("ingest: document uploaded",
		"tenant_id", tenantID, "document_id", doc.ID, "filename", originalFilename)
	s.logEvent(ctx, tenantID, "document_uploaded", "document", doc.ID)
	return doc, check, nil
}

// DeleteDocument removes the document row, its blob, its assignments and its
// vector chunks, then announces the removal.
func (s *Service) DeleteDocument(ctx context.Context, tenantID, id string) error {
	doc, err := s.store.GetDocument(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.tax.DeleteAssignmentsForDocument(ctx, tenantID, id); err != nil {
		return fmt.Errorf("ingest: delete assignments: %w", err)
	}
	if _, err := s.vec.DeleteByDocument(ctx, tenantID, id); err != nil {
		return fmt.Errorf("ingest: delete chunks: %w", err)
	}
	if doc.StoragePath != "" {
		if err := s.blobs.Delete(ctx, doc.StoragePath); err != nil {
			s.logger.Warn("ingest: blob delete failed", "key", doc.StoragePath, "error", err)
		}
	}
	if err := s.store.DeleteDocument(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.events.Publish(ctx, usage.DocumentRemoved(tenantID, id)); err != nil {
		s.logger.Warn("ingest: usage event failed", "event", usage.EventDocumentRemoved,
			"document_id", id, "error", err)
	}
	s.logEvent(ctx, tenantID, "document_deleted", "document", id)
	return nil
}
