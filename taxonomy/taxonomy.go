// Package taxonomy manages tenant-scoped categories, tags, and their
// assignments to documents. System categories are seeded from the
// classifier's registry and are immutable; tenants layer their own
// categories and tags on top.
package taxonomy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/moisson/classify"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/idgen"
)

// Who created an assignment.
const (
	AssignedByUser = "user"
	AssignedByAI   = "ai"
	AssignedByRule = "rule"
)

var (
	// ErrNotFound is returned when a row does not exist for the tenant.
	ErrNotFound = errors.New("taxonomy: not found")
	// ErrSystemCategory is returned on attempts to modify or delete a
	// pre-seeded system category.
	ErrSystemCategory = errors.New("taxonomy: system categories are immutable")
	// ErrDuplicateName is returned when a name collides within its scope
	// (tenant for tags, tenant+parent for categories).
	ErrDuplicateName = errors.New("taxonomy: duplicate name")
	// ErrInvalidName is returned when a name is empty after sanitization.
	ErrInvalidName = errors.New("taxonomy: invalid name")
)

// Schema creates the taxonomy tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS document_categories (
	category_id TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	is_system   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	UNIQUE(tenant_id, parent_id, name)
);

CREATE TABLE IF NOT EXISTS document_tags (
	tag_id      TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	UNIQUE(tenant_id, name)
);

CREATE TABLE IF NOT EXISTS document_category_assignments (
	document_id      TEXT NOT NULL,
	category_id      TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	confidence_score REAL NOT NULL DEFAULT 0,
	assigned_by      TEXT NOT NULL DEFAULT 'ai',
	created_at       INTEGER NOT NULL,
	PRIMARY KEY (document_id, category_id)
);

CREATE TABLE IF NOT EXISTS document_tag_assignments (
	document_id      TEXT NOT NULL,
	tag_id           TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	confidence_score REAL NOT NULL DEFAULT 0,
	assigned_by      TEXT NOT NULL DEFAULT 'ai',
	created_at       INTEGER NOT NULL,
	PRIMARY KEY (document_id, tag_id)
);

CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id     TEXT NOT NULL,
	setting_key   TEXT NOT NULL,
	setting_value TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, setting_key)
);
`

// Category is a tenant's (or system) category.
type Category struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	ParentID    string
	IsSystem    bool
	CreatedAt   time.Time
}

// Tag is a tenant-scoped label with a usage counter.
type Tag struct {
	ID         string
	TenantID   string
	Name       string
	UsageCount int
	CreatedAt  time.Time
}

// Assignment links a document to a category or tag.
type Assignment struct {
	DocumentID string
	TargetID   string // category_id or tag_id
	Confidence float64
	AssignedBy string
}

// Store is the taxonomy store handle.
type Store struct {
	db        *sql.DB
	catID     idgen.Generator
	tagID     idgen.Generator
	sanitizer *bluemonday.Policy
}

// New creates a Store over an opened database.
func New(db *sql.DB) *Store {
	return &Store{
		db:        db,
		catID:     idgen.Prefixed("cat_", idgen.Default),
		tagID:     idgen.Prefixed("tag_", idgen.Default),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// EnsureSchema creates the tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// cleanName strips markup and surrounding whitespace from user input.
func (s *Store) cleanName(raw string) (string, error) {
	name := strings.TrimSpace(s.sanitizer.Sanitize(raw))
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SeedSystemCategories inserts the built-in registry for a tenant.
// Idempotent: already-seeded categories are left untouched.
func (s *Store) SeedSystemCategories(ctx context.Context, tenantID string) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, sys := range classify.SystemCategories {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO document_categories
					(category_id, tenant_id, name, parent_id, is_system, created_at)
				VALUES (?,?,?,'',1,?)
				ON CONFLICT(tenant_id, parent_id, name) DO NOTHING`,
				s.catID(), tenantID, sys.Name, now)
			if err != nil {
				return fmt.Errorf("taxonomy: seed %s: %w", sys.Name, err)
			}
			inserted, _ := res.RowsAffected()
			if inserted == 0 {
				continue
			}
			var parentID string
			if err := tx.QueryRowContext(ctx,
				`SELECT category_id FROM document_categories
				 WHERE tenant_id = ? AND parent_id = '' AND name = ?`,
				tenantID, sys.Name).Scan(&parentID); err != nil {
				return err
			}
			for _, sub := range sys.Subcategories {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO document_categories
						(category_id, tenant_id, name, parent_id, is_system, created_at)
					VALUES (?,?,?,?,1,?)
					ON CONFLICT(tenant_id, parent_id, name) DO NOTHING`,
					s.catID(), tenantID, sub, parentID, now); err != nil {
					return fmt.Errorf("taxonomy: seed %s/%s: %w", sys.Name, sub, err)
				}
			}
		}
		return nil
	})
}

// CreateCategory adds a tenant category. Names are sanitized; uniqueness is
// scoped by (tenant, parent).
func (s *Store) CreateCategory(ctx context.Context, tenantID, name, description, parentID string) (*Category, error) {
	clean, err := s.cleanName(name)
	if err != nil {
		return nil, err
	}
	cat := &Category{
		ID:          s.catID(),
		TenantID:    tenantID,
		Name:        clean,
		Description: strings.TrimSpace(s.sanitizer.Sanitize(description)),
		ParentID:    parentID,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_categories
			(category_id, tenant_id, name, description, parent_id, is_system, created_at)
		VALUES (?,?,?,?,?,0,?)`,
		cat.ID, tenantID, cat.Name, cat.Description, parentID, cat.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: category %q", ErrDuplicateName, clean)
	}
	if err != nil {
		return nil, err
	}
	return cat, nil
}

const categoryColumns = `category_id, tenant_id, name, description, parent_id, is_system, created_at`

func scanCategory(row interface{ Scan(...any) error }) (*Category, error) {
	var c Category
	var created int64
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Description, &c.ParentID, &c.IsSystem, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	return &c, nil
}

// GetCategory loads one category scoped to the tenant.
func (s *Store) GetCategory(ctx context.Context, tenantID, id string) (*Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM document_categories
		 WHERE tenant_id = ? AND category_id = ?`, tenantID, id)
	return scanCategory(row)
}

// ListCategories returns the tenant's categories, system first, then by name.
func (s *Store) ListCategories(ctx context.Context, tenantID string) ([]*Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+categoryColumns+` FROM document_categories
		 WHERE tenant_id = ?
		 ORDER BY is_system DESC, parent_id, name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCategory renames or re-describes a tenant category. System
// categories reject the update.
func (s *Store) UpdateCategory(ctx context.Context, tenantID, id, name, description string) error {
	clean, err := s.cleanName(name)
	if err != nil {
		return err
	}
	cat, err := s.GetCategory(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if cat.IsSystem {
		return ErrSystemCategory
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE document_categories SET name = ?, description = ?
		WHERE tenant_id = ? AND category_id = ?`,
		clean, strings.TrimSpace(s.sanitizer.Sanitize(description)), tenantID, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: category %q", ErrDuplicateName, clean)
	}
	return err
}

// DeleteCategory removes a tenant category and its assignments. System
// categories reject the delete.
func (s *Store) DeleteCategory(ctx context.Context, tenantID, id string) error {
	cat, err := s.GetCategory(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if cat.IsSystem {
		return ErrSystemCategory
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_categories WHERE tenant_id = ? AND category_id = ?`,
			tenantID, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM document_category_assignments WHERE tenant_id = ? AND category_id = ?`,
			tenantID, id)
		return err
	})
}

// EnsureTag returns the tenant's tag with the given name, creating it if
// absent. Names are sanitized and lowercased.
func (s *Store) EnsureTag(ctx context.Context, tenantID, name string) (*Tag, error) {
	clean, err := s.cleanName(name)
	if err != nil {
		return nil, err
	}
	clean = strings.ToLower(clean)

	id := s.tagID()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_tags (tag_id, tenant_id, name, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT(tenant_id, name) DO NOTHING`,
		id, tenantID, clean, now.UnixMilli())
	if err != nil {
		return nil, err
	}

	var t Tag
	var created int64
	err = s.db.QueryRowContext(ctx,
		`SELECT tag_id, tenant_id, name, usage_count, created_at FROM document_tags
		 WHERE tenant_id = ? AND name = ?`, tenantID, clean).
		Scan(&t.ID, &t.TenantID, &t.Name, &t.UsageCount, &created)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	return &t, nil
}

// ListTags returns the tenant's tags, most used first.
func (s *Store) ListTags(ctx context.Context, tenantID string) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id, tenant_id, name, usage_count, created_at FROM document_tags
		 WHERE tenant_id = ?
		 ORDER BY usage_count DESC, name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		var t Tag
		var created int64
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.UsageCount, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SetSetting upserts one tenant setting.
func (s *Store) SetSetting(ctx context.Context, tenantID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, setting_key, setting_value, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(tenant_id, setting_key) DO UPDATE SET
			setting_value = excluded.setting_value,
			updated_at    = excluded.updated_at`,
		tenantID, key, value, time.Now().UnixMilli())
	return err
}

// Setting reads one tenant setting, returning fallback when unset.
func (s *Store) Setting(ctx context.Context, tenantID, key, fallback string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT setting_value FROM tenant_settings WHERE tenant_id = ? AND setting_key = ?`,
		tenantID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// DeleteTag removes a tag and its assignments.
func (s *Store) DeleteTag(ctx context.Context, tenantID, id string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM document_tags WHERE tenant_id = ? AND tag_id = ?`, tenantID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM document_tag_assignments WHERE tenant_id = ? AND tag_id = ?`,
			tenantID, id)
		return err
	})
}
