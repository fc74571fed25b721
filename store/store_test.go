package store

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/dbopen"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db)
}

func TestIngestionLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, err := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	if err != nil {
		t.Fatal(err)
	}
	if ing.Status != StatusPending || ing.Strategy != "AUTO" {
		t.Errorf("created = %+v", ing)
	}

	if err := s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, StatusInProgress, ""); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetIngestion(ctx, "tenant_a", ing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress || got.StartedAt.IsZero() {
		t.Errorf("in_progress = %+v", got)
	}

	if err := s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetIngestion(ctx, "tenant_a", ing.ID)
	if got.Status != StatusCompleted || got.CompletedAt.IsZero() {
		t.Errorf("completed = %+v", got)
	}
}

// WHAT: status transitions only move forward.
// WHY: a crashed worker's late write must not resurrect a finished ingestion.
func TestIngestionStatus_Monotonic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	mustStatus := func(to string) {
		t.Helper()
		if err := s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, to, ""); err != nil {
			t.Fatal(err)
		}
	}
	mustStatus(StatusInProgress)
	mustStatus(StatusFailed)

	for _, to := range []string{StatusPending, StatusInProgress, StatusCompleted} {
		err := s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, to, "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("failed -> %s: got %v, want ErrInvalidTransition", to, err)
		}
	}
}

func TestIngestionStatus_PendingCanFail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// A job that dies before starting (e.g. no embedding key configured)
	// goes straight from pending to failed.
	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	if err := s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, StatusFailed, "embedding provider not configured"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetIngestion(ctx, "tenant_a", ing.ID)
	if got.Status != StatusFailed || got.ErrorMessage == "" {
		t.Errorf("got %+v", got)
	}
}

func TestIngestion_TenantScoping(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")

	if _, err := s.GetIngestion(ctx, "tenant_b", ing.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant read: got %v, want ErrNotFound", err)
	}
	if err := s.DeleteIngestion(ctx, "tenant_b", ing.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant delete: got %v, want ErrNotFound", err)
	}
	// Still there for the owner.
	if _, err := s.GetIngestion(ctx, "tenant_a", ing.ID); err != nil {
		t.Fatal(err)
	}
}

func TestCheckpointCounters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	if err := s.CheckpointIngestion(ctx, "tenant_a", ing.ID, 17, 4, 1); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetIngestion(ctx, "tenant_a", ing.ID)
	if got.PagesDiscovered != 17 || got.PagesProcessed != 4 || got.PagesFailed != 1 {
		t.Errorf("counters = %+v", got)
	}
}

func TestPageRecorder_Lifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	rec := s.Pages("tenant_a")

	okID, err := rec.CreatePage(ctx, ing.ID, "https://example.com/", 1)
	if err != nil {
		t.Fatal(err)
	}
	failID, _ := rec.CreatePage(ctx, ing.ID, "https://example.com/broken", 2)

	if err := rec.CompletePage(ctx, okID, "Home", "abc123"); err != nil {
		t.Fatal(err)
	}
	if err := rec.FailPage(ctx, failID, "status 500"); err != nil {
		t.Fatal(err)
	}

	pages, err := s.ListPages(ctx, "tenant_a", ing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d", len(pages))
	}
	if pages[0].Status != StatusCompleted || pages[0].ContentHash != "abc123" || pages[0].ScrapedAt.IsZero() {
		t.Errorf("completed page = %+v", pages[0])
	}
	if pages[1].Status != StatusFailed || pages[1].ErrorMessage != "status 500" {
		t.Errorf("failed page = %+v", pages[1])
	}
	// The content hash only exists on completed pages.
	if pages[1].ContentHash != "" {
		t.Errorf("failed page has hash %q", pages[1].ContentHash)
	}
}

func TestPageRecorder_DuplicateURLRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	rec := s.Pages("tenant_a")

	if _, err := rec.CreatePage(ctx, ing.ID, "https://example.com/a", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.CreatePage(ctx, ing.ID, "https://example.com/a", 2); err == nil {
		t.Error("duplicate (ingestion, url) accepted")
	}
}

// WHAT: a retry rewinds the ingestion to pending and clears the previous
// run's page rows.
// WHY: the unique (ingestion, url) slots must be free before the re-crawl.
func TestResetIngestionForRetry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	_ = s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, StatusInProgress, "")
	_ = s.UpdateIngestionStatus(ctx, "tenant_a", ing.ID, StatusFailed, "boom")
	_ = s.CheckpointIngestion(ctx, "tenant_a", ing.ID, 9, 3, 6)
	rec := s.Pages("tenant_a")
	_, _ = rec.CreatePage(ctx, ing.ID, "https://example.com/a", 1)

	if err := s.ResetIngestionForRetry(ctx, "tenant_a", ing.ID, "AUTO"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetIngestion(ctx, "tenant_a", ing.ID)
	if got.Status != StatusPending || got.ErrorMessage != "" {
		t.Errorf("after reset = %+v", got)
	}
	if got.PagesDiscovered != 0 || got.PagesProcessed != 0 || got.PagesFailed != 0 {
		t.Errorf("counters not cleared: %+v", got)
	}
	if !got.StartedAt.IsZero() || !got.CompletedAt.IsZero() {
		t.Errorf("timestamps not cleared: %+v", got)
	}
	pages, _ := s.ListPages(ctx, "tenant_a", ing.ID)
	if len(pages) != 0 {
		t.Errorf("pages = %d, want 0", len(pages))
	}
	// The freed slot accepts the URL again.
	if _, err := rec.CreatePage(ctx, ing.ID, "https://example.com/a", 1); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteIngestion_CascadesPages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ing, _ := s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	rec := s.Pages("tenant_a")
	_, _ = rec.CreatePage(ctx, ing.ID, "https://example.com/a", 1)

	if err := s.DeleteIngestion(ctx, "tenant_a", ing.ID); err != nil {
		t.Fatal(err)
	}
	pages, _ := s.ListPages(ctx, "tenant_a", ing.ID)
	if len(pages) != 0 {
		t.Errorf("orphan pages = %d", len(pages))
	}
}

func TestListIngestions_NewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, _ := s.CreateIngestion(ctx, "tenant_a", "https://a.example.com", "AUTO")
	b, _ := s.CreateIngestion(ctx, "tenant_a", "https://b.example.com", "AUTO")
	_, _ = s.CreateIngestion(ctx, "tenant_b", "https://other.example.com", "AUTO")

	got, err := s.ListIngestions(ctx, "tenant_a", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d", len(got))
	}
	// Same-millisecond inserts fall back to ID order; v7 IDs sort by time.
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	doc, err := s.CreateDocument(ctx, "tenant_a", Document{
		Filename:         "a1b2.pdf",
		OriginalFilename: "Quarterly Report.pdf",
		StoragePath:      "tenant_tenant_a/documents/a1b2.pdf",
		MimeType:         "application/pdf",
		SizeBytes:        2048,
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != StatusPending {
		t.Errorf("status = %q", doc.Status)
	}

	if err := s.UpdateDocumentStatus(ctx, "tenant_a", doc.ID, StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDocument(ctx, "tenant_a", doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.OriginalFilename != "Quarterly Report.pdf" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetDocument(ctx, "tenant_b", doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant read: got %v", err)
	}
	if err := s.DeleteDocument(ctx, "tenant_a", doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDocument(ctx, "tenant_a", doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: got %v", err)
	}
}

func TestCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _ = s.CreateIngestion(ctx, "tenant_a", "https://example.com", "AUTO")
	_, _ = s.CreateDocument(ctx, "tenant_a", Document{Filename: "a.txt"})
	_, _ = s.CreateDocument(ctx, "tenant_a", Document{Filename: "b.txt"})

	if n, _ := s.CountIngestions(ctx, "tenant_a"); n != 1 {
		t.Errorf("ingestions = %d", n)
	}
	if n, _ := s.CountDocuments(ctx, "tenant_a"); n != 2 {
		t.Errorf("documents = %d", n)
	}
	if n, _ := s.CountDocuments(ctx, "tenant_b"); n != 0 {
		t.Errorf("tenant_b documents = %d", n)
	}
}
