package taxonomy

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/moisson/classify"
	"github.com/hazyhaar/moisson/dbopen"
)

// AssignCategory links a document to a category. Re-assigning updates the
// confidence and attribution.
func (s *Store) AssignCategory(ctx context.Context, tenantID, documentID, categoryID string, confidence float64, assignedBy string) error {
	if _, err := s.GetCategory(ctx, tenantID, categoryID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_category_assignments
			(document_id, category_id, tenant_id, confidence_score, assigned_by, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(document_id, category_id) DO UPDATE SET
			confidence_score = excluded.confidence_score,
			assigned_by      = excluded.assigned_by`,
		documentID, categoryID, tenantID, confidence, assignedBy, time.Now().UnixMilli())
	return err
}

// AssignTag links a document to a tag, bumping the tag's usage count on
// first assignment only. Re-assigning updates confidence and attribution.
func (s *Store) AssignTag(ctx context.Context, tenantID, documentID, tagID string, confidence float64, assignedBy string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO document_tag_assignments
				(document_id, tag_id, tenant_id, confidence_score, assigned_by, created_at)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(document_id, tag_id) DO UPDATE SET
				confidence_score = excluded.confidence_score,
				assigned_by      = excluded.assigned_by`,
			documentID, tagID, tenantID, confidence, assignedBy, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		// Recomputing from the assignment rows keeps the counter exact even
		// when the insert hit the upsert branch.
		_, err = tx.ExecContext(ctx, `
			UPDATE document_tags SET usage_count = (
				SELECT COUNT(*) FROM document_tag_assignments WHERE tag_id = document_tags.tag_id)
			WHERE tenant_id = ? AND tag_id = ?`, tenantID, tagID)
		return err
	})
}

// CategoryIDsFor returns the category ids assigned to a document.
func (s *Store) CategoryIDsFor(ctx context.Context, tenantID, documentID string) ([]string, error) {
	return s.idsFor(ctx, `SELECT category_id FROM document_category_assignments
		WHERE tenant_id = ? AND document_id = ? ORDER BY confidence_score DESC`,
		tenantID, documentID)
}

// TagIDsFor returns the tag ids assigned to a document.
func (s *Store) TagIDsFor(ctx context.Context, tenantID, documentID string) ([]string, error) {
	return s.idsFor(ctx, `SELECT tag_id FROM document_tag_assignments
		WHERE tenant_id = ? AND document_id = ? ORDER BY confidence_score DESC`,
		tenantID, documentID)
}

func (s *Store) idsFor(ctx context.Context, query, tenantID, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteAssignmentsForDocument removes a document's assignments and refreshes
// the affected tags' usage counts. Called only from document delete.
func (s *Store) DeleteAssignmentsForDocument(ctx context.Context, tenantID, documentID string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_category_assignments WHERE tenant_id = ? AND document_id = ?`,
			tenantID, documentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_tag_assignments WHERE tenant_id = ? AND document_id = ?`,
			tenantID, documentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE document_tags SET usage_count = (
				SELECT COUNT(*) FROM document_tag_assignments WHERE tag_id = document_tags.tag_id)
			WHERE tenant_id = ?`, tenantID)
		return err
	})
}

// ApplyClassification persists a classifier result for a document: merged
// categories map onto existing categories by name (creating tenant
// categories for new names), merged tags are ensured and assigned. All rows
// carry assigned_by=ai with the merged confidence.
func (s *Store) ApplyClassification(ctx context.Context, tenantID, documentID string, res *classify.Result) (categoryIDs, tagIDs []string, err error) {
	for _, sc := range res.Categories {
		cat, err := s.findCategoryByName(ctx, tenantID, sc.Name)
		if errors.Is(err, ErrNotFound) {
			cat, err = s.CreateCategory(ctx, tenantID, sc.Name, "", "")
		}
		if err != nil {
			return nil, nil, err
		}
		if err := s.AssignCategory(ctx, tenantID, documentID, cat.ID, sc.Confidence, AssignedByAI); err != nil {
			return nil, nil, err
		}
		categoryIDs = append(categoryIDs, cat.ID)
	}
	for _, sc := range res.Tags {
		tag, err := s.EnsureTag(ctx, tenantID, sc.Name)
		if err != nil {
			return nil, nil, err
		}
		if err := s.AssignTag(ctx, tenantID, documentID, tag.ID, sc.Confidence, AssignedByAI); err != nil {
			return nil, nil, err
		}
		tagIDs = append(tagIDs, tag.ID)
	}
	return categoryIDs, tagIDs, nil
}

func (s *Store) findCategoryByName(ctx context.Context, tenantID, name string) (*Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM document_categories
		 WHERE tenant_id = ? AND name = ?
		 ORDER BY is_system DESC LIMIT 1`, tenantID, name)
	return scanCategory(row)
}
