// Package vecstore is the SQLite-backed vector store: chunk rows with
// little-endian float32 embedding blobs, per-tenant dedup by content hash,
// batched ingestion through an embedding provider, and brute-force cosine
// search scoped to one tenant.
package vecstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/extract"
	"github.com/hazyhaar/moisson/idgen"
)

// Schema creates the vector store tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS document_chunks (
	chunk_id     TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	document_id  TEXT NOT NULL DEFAULT '',
	ingestion_id TEXT NOT NULL DEFAULT '',
	chunk_index  INTEGER NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE (tenant_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant    ON document_chunks(tenant_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document  ON document_chunks(tenant_id, document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_ingestion ON document_chunks(tenant_id, ingestion_id);

CREATE TABLE IF NOT EXISTS vector_search_indexes (
	tenant_id       TEXT PRIMARY KEY,
	total_chunks    INTEGER NOT NULL DEFAULT 0,
	embedding_model TEXT NOT NULL DEFAULT '',
	last_indexed_at INTEGER NOT NULL DEFAULT 0
);
`

// IngestBatchSize is how many chunks are embedded per provider call.
const IngestBatchSize = 10

// Metadata travels with every chunk row as a JSON column.
type Metadata struct {
	SourceURL    string   `json:"source_url,omitempty"`
	Title        string   `json:"title,omitempty"`
	PageNumber   int      `json:"page_number,omitempty"`
	ContentType  string   `json:"content_type,omitempty"`
	Language     string   `json:"language,omitempty"`
	CategoryIDs  []string `json:"category_ids,omitempty"`
	TagIDs       []string `json:"tag_ids,omitempty"`
	UploadDate   string   `json:"upload_date,omitempty"`
	ScrapedDate  string   `json:"scraped_date,omitempty"`
	SourceKind   string   `json:"source_kind,omitempty"`
	DocumentName string   `json:"document_name,omitempty"`
}

// Chunk is one unit of text to index.
type Chunk struct {
	Text     string
	Metadata Metadata
}

// Match is one search hit.
type Match struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float64
	Metadata   Metadata
}

// Config configures the store.
type Config struct {
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrNoEmbedder is returned by Ingest and Search when the store was built
// without an embedding provider. Deletes and stats still work.
var ErrNoEmbedder = fmt.Errorf("vecstore: no embedding provider configured")

// Store is the vector store handle.
type Store struct {
	db    *sql.DB
	emb   embedder.Embedder
	cfg   Config
	newID idgen.Generator
}

// New creates a Store over an opened vector database.
func New(db *sql.DB, emb embedder.Embedder, cfg Config) *Store {
	cfg.defaults()
	return &Store{
		db:    db,
		emb:   emb,
		cfg:   cfg,
		newID: idgen.Prefixed("chk_", idgen.Default),
	}
}

// EnsureSchema creates the tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Ingest indexes chunks for a tenant in batches of IngestBatchSize.
// chunk_index is assigned in source order within this call. Chunks whose
// (tenant_id, content_hash) already exists are skipped without an embedding
// call. Any failure aborts the whole call; the caller retries the ingestion
// and dedup makes the retry idempotent. Returns the number of rows inserted.
func (s *Store) Ingest(ctx context.Context, tenantID string, chunks []Chunk, documentID, ingestionID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("vecstore: tenant id required")
	}
	if s.emb == nil {
		return 0, ErrNoEmbedder
	}
	inserted := 0
	for start := 0; start < len(chunks); start += IngestBatchSize {
		end := min(start+IngestBatchSize, len(chunks))
		n, err := s.ingestBatch(ctx, tenantID, chunks[start:end], start, documentID, ingestionID)
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	if inserted > 0 {
		if err := s.upsertStats(ctx, tenantID); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *Store) ingestBatch(ctx context.Context, tenantID string, batch []Chunk, indexOffset int, documentID, ingestionID string) (int, error) {
	type pending struct {
		chunk Chunk
		hash  string
		index int
	}

	var fresh []pending
	seen := make(map[string]bool, len(batch))
	for i, c := range batch {
		hash := extract.Hash(c.Text)
		// Repeated text inside one call dedups here; the DB check below only
		// sees rows committed by earlier calls and earlier batches.
		if seen[hash] {
			continue
		}
		exists, err := s.hashExists(ctx, tenantID, hash)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		seen[hash] = true
		fresh = append(fresh, pending{chunk: c, hash: hash, index: indexOffset + i})
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	texts := make([]string, len(fresh))
	for i, p := range fresh {
		texts[i] = p.chunk.Text
	}
	vecs, err := s.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("vecstore: embed batch: %w", err)
	}

	now := time.Now().UnixMilli()
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for i, p := range fresh {
			meta, err := json.Marshal(p.chunk.Metadata)
			if err != nil {
				return fmt.Errorf("vecstore: marshal metadata: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO document_chunks (
					chunk_id, tenant_id, document_id, ingestion_id, chunk_index,
					content, content_hash, embedding, metadata, created_at
				) VALUES (?,?,?,?,?,?,?,?,?,?)`,
				s.newID(), tenantID, documentID, ingestionID, p.index,
				p.chunk.Text, p.hash, serializeFloat32s(vecs[i]), string(meta), now)
			if err != nil {
				return fmt.Errorf("vecstore: insert chunk: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(fresh), nil
}

func (s *Store) hashExists(ctx context.Context, tenantID, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM document_chunks WHERE tenant_id = ? AND content_hash = ?`,
		tenantID, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vecstore: dedup query: %w", err)
	}
	return true, nil
}

func (s *Store) upsertStats(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_search_indexes (tenant_id, total_chunks, embedding_model, last_indexed_at)
		VALUES (?, (SELECT COUNT(*) FROM document_chunks WHERE tenant_id = ?), ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			total_chunks    = (SELECT COUNT(*) FROM document_chunks WHERE tenant_id = excluded.tenant_id),
			embedding_model = excluded.embedding_model,
			last_indexed_at = excluded.last_indexed_at`,
		tenantID, tenantID, s.emb.Model(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("vecstore: upsert stats: %w", err)
	}
	return nil
}

// Stats returns a tenant's index statistics.
func (s *Store) Stats(ctx context.Context, tenantID string) (totalChunks int, lastIndexedAt time.Time, err error) {
	var ms int64
	err = s.db.QueryRowContext(ctx,
		`SELECT total_chunks, last_indexed_at FROM vector_search_indexes WHERE tenant_id = ?`,
		tenantID).Scan(&totalChunks, &ms)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return totalChunks, time.UnixMilli(ms), nil
}

// Search embeds the query and returns the tenant's topK chunks by cosine
// similarity. Brute force over the tenant's rows.
func (s *Store) Search(ctx context.Context, tenantID, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	if s.emb == nil {
		return nil, ErrNoEmbedder
	}
	qvec, err := s.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vecstore: embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, content, embedding, metadata
		FROM document_chunks WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var blob []byte
		var metaJSON string
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Content, &blob, &metaJSON); err != nil {
			return nil, err
		}
		m.Score = cosine(qvec, deserializeFloat32s(blob))
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			s.cfg.Logger.Warn("vecstore: bad metadata json", "chunk_id", m.ChunkID, "error", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteByDocument removes all chunks of one document. Returns rows deleted.
func (s *Store) DeleteByDocument(ctx context.Context, tenantID, documentID string) (int64, error) {
	return s.deleteWhere(ctx, tenantID, "document_id", documentID)
}

// DeleteByIngestion removes all chunks of one website ingestion.
func (s *Store) DeleteByIngestion(ctx context.Context, tenantID, ingestionID string) (int64, error) {
	return s.deleteWhere(ctx, tenantID, "ingestion_id", ingestionID)
}

func (s *Store) deleteWhere(ctx context.Context, tenantID, col, val string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE tenant_id = ? AND `+col+` = ?`,
		tenantID, val)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.upsertStats(ctx, tenantID); err != nil {
			return n, err
		}
	}
	return n, nil
}
