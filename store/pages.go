package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Page is one URL attempted during a crawl.
type Page struct {
	ID           string
	TenantID     string
	IngestionID  string
	URL          string
	PageNumber   int
	Title        string
	ContentHash  string
	Status       string
	ErrorMessage string
	ScrapedAt    time.Time // zero until completed
}

// PageRecorder binds a tenant to the page-tracking methods the crawler
// calls. It satisfies the crawler's PageStore interface.
type PageRecorder struct {
	s        *Store
	tenantID string
}

// Pages returns a tenant-bound recorder for crawl bookkeeping.
func (s *Store) Pages(tenantID string) *PageRecorder {
	return &PageRecorder{s: s, tenantID: tenantID}
}

// CreatePage inserts a page row in processing state and returns its id.
func (r *PageRecorder) CreatePage(ctx context.Context, ingestionID, pageURL string, pageNumber int) (string, error) {
	id := r.s.pageID()
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO website_pages
			(page_id, tenant_id, ingestion_id, url, page_number, status)
		VALUES (?,?,?,?,?,?)`,
		id, r.tenantID, ingestionID, pageURL, pageNumber, StatusProcessing)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompletePage marks a page completed with its title and content hash.
func (r *PageRecorder) CompletePage(ctx context.Context, pageID, title, contentHash string) error {
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE website_pages
		SET status = ?, title = ?, content_hash = ?, scraped_at = ?, error_message = ''
		WHERE tenant_id = ? AND page_id = ?`,
		StatusCompleted, title, contentHash, time.Now().UnixMilli(), r.tenantID, pageID)
	return err
}

// FailPage marks a page failed with the error message.
func (r *PageRecorder) FailPage(ctx context.Context, pageID, errMsg string) error {
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE website_pages
		SET status = ?, error_message = ?
		WHERE tenant_id = ? AND page_id = ?`,
		StatusFailed, errMsg, r.tenantID, pageID)
	return err
}

const pageColumns = `page_id, tenant_id, ingestion_id, url, page_number,
	title, content_hash, status, error_message, scraped_at`

func scanPage(row interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var scraped sql.NullInt64
	err := row.Scan(&p.ID, &p.TenantID, &p.IngestionID, &p.URL, &p.PageNumber,
		&p.Title, &p.ContentHash, &p.Status, &p.ErrorMessage, &scraped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if scraped.Valid {
		p.ScrapedAt = time.UnixMilli(scraped.Int64).UTC()
	}
	return &p, nil
}

// ListPages returns an ingestion's pages in crawl order.
func (s *Store) ListPages(ctx context.Context, tenantID, ingestionID string) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM website_pages
		 WHERE tenant_id = ? AND ingestion_id = ?
		 ORDER BY page_number`, tenantID, ingestionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPage loads one page scoped to the tenant.
func (s *Store) GetPage(ctx context.Context, tenantID, pageID string) (*Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM website_pages
		 WHERE tenant_id = ? AND page_id = ?`, tenantID, pageID)
	return scanPage(row)
}
