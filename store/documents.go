package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Document is one uploaded file.
type Document struct {
	ID               string
	TenantID         string
	Filename         string
	OriginalFilename string
	StoragePath      string
	MimeType         string
	SizeBytes        int64
	Status           string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateDocument inserts a pending document row.
func (s *Store) CreateDocument(ctx context.Context, tenantID string, d Document) (*Document, error) {
	d.ID = s.docID()
	d.TenantID = tenantID
	d.Status = StatusPending
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents
			(document_id, tenant_id, filename, original_filename, storage_path,
			 mime_type, size_bytes, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, tenantID, d.Filename, d.OriginalFilename, d.StoragePath,
		d.MimeType, d.SizeBytes, d.Status, d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: create document: %w", err)
	}
	return &d, nil
}

const documentColumns = `document_id, tenant_id, filename, original_filename,
	storage_path, mime_type, size_bytes, status, error_message, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var created, updated int64
	err := row.Scan(&d.ID, &d.TenantID, &d.Filename, &d.OriginalFilename,
		&d.StoragePath, &d.MimeType, &d.SizeBytes, &d.Status, &d.ErrorMessage,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return &d, nil
}

// GetDocument loads one document scoped to the tenant.
func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE tenant_id = ? AND document_id = ?`, tenantID, id)
	return scanDocument(row)
}

// ListDocuments returns the tenant's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC, document_id DESC
		 LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDocumentStatus moves a document between pipeline states. Unlike
// ingestions, document status is not monotonic: a failed document can be
// reprocessed back through processing.
func (s *Store) UpdateDocumentStatus(ctx context.Context, tenantID, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error_message = ?, updated_at = ?
		WHERE tenant_id = ? AND document_id = ?`,
		status, errMsg, time.Now().UnixMilli(), tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes a document row. Blob and vector cleanup happen in
// their own stores.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = ? AND document_id = ?`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDocuments returns the tenant's document count.
func (s *Store) CountDocuments(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}
