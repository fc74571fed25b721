// Package store is the relational persistence layer: website ingestions,
// their per-page crawl records, and uploaded documents. Every query is
// scoped by tenant_id; cross-tenant reads are structurally impossible
// through this API.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/idgen"
)

// Status values shared by ingestions, pages and documents.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNotFound is returned when a row does not exist for the tenant.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a status update would move an
// ingestion backwards. Transitions are monotonic within a run:
// pending -> in_progress -> completed|failed (pending -> failed is allowed
// for jobs that die before starting).
var ErrInvalidTransition = errors.New("store: invalid status transition")

// Schema creates the relational tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS website_ingestions (
	ingestion_id      TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	base_url          TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	scraping_strategy TEXT NOT NULL DEFAULT 'AUTO',
	pages_discovered  INTEGER NOT NULL DEFAULT 0,
	pages_processed   INTEGER NOT NULL DEFAULT 0,
	pages_failed      INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_ing_tenant ON website_ingestions(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS website_pages (
	page_id       TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	ingestion_id  TEXT NOT NULL,
	url           TEXT NOT NULL,
	page_number   INTEGER NOT NULL DEFAULT 0,
	title         TEXT NOT NULL DEFAULT '',
	content_hash  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	scraped_at    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_pages_ing_url
	ON website_pages(tenant_id, ingestion_id, url);

CREATE TABLE IF NOT EXISTS documents (
	document_id       TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	filename          TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	storage_path      TEXT NOT NULL,
	mime_type         TEXT NOT NULL DEFAULT '',
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'pending',
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_docs_tenant ON documents(tenant_id, created_at);
`

// Ingestion is one crawl attempt over one base URL.
type Ingestion struct {
	ID              string
	TenantID        string
	BaseURL         string
	Status          string
	Strategy        string
	PagesDiscovered int
	PagesProcessed  int
	PagesFailed     int
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       time.Time // zero until in_progress
	CompletedAt     time.Time // zero until completed
}

// Store is the relational store handle.
type Store struct {
	db     *sql.DB
	ingID  idgen.Generator
	pageID idgen.Generator
	docID  idgen.Generator
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		ingID:  idgen.Prefixed("ing_", idgen.Default),
		pageID: idgen.Prefixed("pg_", idgen.Default),
		docID:  idgen.Prefixed("doc_", idgen.Default),
	}
}

// EnsureSchema creates the tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *sql.DB { return s.db }

// CreateIngestion inserts a pending ingestion and returns it.
func (s *Store) CreateIngestion(ctx context.Context, tenantID, baseURL, strategy string) (*Ingestion, error) {
	ing := &Ingestion{
		ID:        s.ingID(),
		TenantID:  tenantID,
		BaseURL:   baseURL,
		Status:    StatusPending,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO website_ingestions
			(ingestion_id, tenant_id, base_url, status, scraping_strategy, created_at)
		VALUES (?,?,?,?,?,?)`,
		ing.ID, tenantID, baseURL, ing.Status, strategy, ing.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: create ingestion: %w", err)
	}
	return ing, nil
}

const ingestionColumns = `ingestion_id, tenant_id, base_url, status, scraping_strategy,
	pages_discovered, pages_processed, pages_failed, error_message,
	created_at, started_at, completed_at`

func scanIngestion(row interface{ Scan(...any) error }) (*Ingestion, error) {
	var ing Ingestion
	var created int64
	var started, completed sql.NullInt64
	err := row.Scan(&ing.ID, &ing.TenantID, &ing.BaseURL, &ing.Status, &ing.Strategy,
		&ing.PagesDiscovered, &ing.PagesProcessed, &ing.PagesFailed, &ing.ErrorMessage,
		&created, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ing.CreatedAt = time.UnixMilli(created).UTC()
	if started.Valid {
		ing.StartedAt = time.UnixMilli(started.Int64).UTC()
	}
	if completed.Valid {
		ing.CompletedAt = time.UnixMilli(completed.Int64).UTC()
	}
	return &ing, nil
}

// GetIngestion loads one ingestion scoped to the tenant.
func (s *Store) GetIngestion(ctx context.Context, tenantID, id string) (*Ingestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ingestionColumns+` FROM website_ingestions
		 WHERE tenant_id = ? AND ingestion_id = ?`, tenantID, id)
	return scanIngestion(row)
}

// ListIngestions returns the tenant's ingestions, newest first.
func (s *Store) ListIngestions(ctx context.Context, tenantID string, limit, offset int) ([]*Ingestion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ingestionColumns+` FROM website_ingestions
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC, ingestion_id DESC
		 LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ingestion
	for rows.Next() {
		ing, err := scanIngestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

// allowedTransitions maps current status to permitted next statuses.
var allowedTransitions = map[string][]string{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UpdateIngestionStatus moves an ingestion forward. Moving to completed sets
// completed_at; moving to in_progress sets started_at; moving to failed
// records the error message. Backwards moves return ErrInvalidTransition.
func (s *Store) UpdateIngestionStatus(ctx context.Context, tenantID, id, to, errMsg string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM website_ingestions WHERE tenant_id = ? AND ingestion_id = ?`,
			tenantID, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !transitionAllowed(current, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
		}

		now := time.Now().UnixMilli()
		switch to {
		case StatusInProgress:
			_, err = tx.ExecContext(ctx,
				`UPDATE website_ingestions SET status = ?, started_at = ?
				 WHERE tenant_id = ? AND ingestion_id = ?`, to, now, tenantID, id)
		case StatusCompleted:
			_, err = tx.ExecContext(ctx,
				`UPDATE website_ingestions SET status = ?, completed_at = ?, error_message = ''
				 WHERE tenant_id = ? AND ingestion_id = ?`, to, now, tenantID, id)
		case StatusFailed:
			_, err = tx.ExecContext(ctx,
				`UPDATE website_ingestions SET status = ?, completed_at = ?, error_message = ?
				 WHERE tenant_id = ? AND ingestion_id = ?`, to, now, errMsg, tenantID, id)
		default:
			return fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
		}
		return err
	})
}

// CheckpointIngestion updates the progress counters the polling UI reads.
func (s *Store) CheckpointIngestion(ctx context.Context, tenantID, id string, discovered, processed, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE website_ingestions
		SET pages_discovered = ?, pages_processed = ?, pages_failed = ?
		WHERE tenant_id = ? AND ingestion_id = ?`,
		discovered, processed, failed, tenantID, id)
	return err
}

// ResetIngestionForRetry rewinds an ingestion to pending for a re-run,
// clearing counters and the previous run's page rows so their
// (ingestion, url) slots are free again.
func (s *Store) ResetIngestionForRetry(ctx context.Context, tenantID, id, strategy string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE website_ingestions
			SET status = 'pending', scraping_strategy = ?,
			    pages_discovered = 0, pages_processed = 0, pages_failed = 0,
			    error_message = '', started_at = NULL, completed_at = NULL
			WHERE tenant_id = ? AND ingestion_id = ?`, strategy, tenantID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM website_pages WHERE tenant_id = ? AND ingestion_id = ?`,
			tenantID, id)
		return err
	})
}

// DeleteIngestion removes an ingestion and its page rows. Vector rows are
// the caller's responsibility (different database).
func (s *Store) DeleteIngestion(ctx context.Context, tenantID, id string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM website_ingestions WHERE tenant_id = ? AND ingestion_id = ?`,
			tenantID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM website_pages WHERE tenant_id = ? AND ingestion_id = ?`,
			tenantID, id)
		return err
	})
}

// CountIngestions returns the tenant's ingestion count.
func (s *Store) CountIngestions(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM website_ingestions WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}
