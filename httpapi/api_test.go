package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/auth"
	"github.com/hazyhaar/moisson/billing"
	"github.com/hazyhaar/moisson/blob"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/ingest"
	"github.com/hazyhaar/moisson/observability"
	"github.com/hazyhaar/moisson/store"
	"github.com/hazyhaar/moisson/taxonomy"
	"github.com/hazyhaar/moisson/usage"
	"github.com/hazyhaar/moisson/vecstore"
	"github.com/hazyhaar/moisson/vtq"
)

const testTenant = "tenant_a"

// stubAuth injects a fixed identity, standing in for the JWT middleware.
func stubAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := &auth.Claims{TenantID: testTenant, UserID: "user_1"}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), claims, "test-token")))
	})
}

func newAPI(t *testing.T, billingHandler http.HandlerFunc) (*Server, *Config) {
	t.Helper()

	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(taxonomy.Schema),
		dbopen.WithSchema(observability.Schema))
	vdb := dbopen.OpenMemory(t, dbopen.WithSchema(vecstore.Schema))

	st := store.New(db)
	tax := taxonomy.New(db)
	vec := vecstore.New(vdb, testEmbedder{}, vecstore.Config{})

	var billingURL string
	if billingHandler != nil {
		srv := httptest.NewServer(billingHandler)
		t.Cleanup(srv.Close)
		billingURL = srv.URL
	} else {
		// Closed server: the gate fails open.
		srv := httptest.NewServer(nil)
		srv.Close()
		billingURL = srv.URL
	}
	gate := billing.NewGate(billing.Config{BaseURL: billingURL, Timeout: 2 * time.Second})

	events := usage.NewPublisher(usage.Config{
		URL:        "amqp://test",
		MaxRetries: 1,
		Backoff:    time.Millisecond,
		Dialer: func(string) (usage.Connection, error) {
			return nil, errors.New("broker down")
		},
	})

	iq := vtq.New(db, vtq.Options{Queue: ingest.QueueIngestions})
	dq := vtq.New(db, vtq.Options{Queue: ingest.QueueDocuments})
	if err := iq.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}

	audit := observability.NewEventLogger(db)

	svc := ingest.NewService(ingest.ServiceConfig{
		Store:   st,
		Tax:     tax,
		Vec:     vec,
		Gate:    gate,
		Events:  events,
		Blobs:   blob.NewMemory(),
		IngestQ: iq,
		DocQ:    dq,
		Audit:   audit,
	})

	pass, err := bcrypt.GenerateFromPassword([]byte("opensesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Service:       svc,
		Store:         st,
		Tax:           tax,
		Vec:           vec,
		Events:        audit,
		Auth:          stubAuth,
		AdminUser:     "ops",
		AdminPassHash: string(pass),
	}
	return New(cfg), &cfg
}

// testEmbedder returns a fixed tiny vector so vector-store paths work
// without a provider.
type testEmbedder struct{}

func (testEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0}, nil
}

func (e testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, tx := range texts {
		v, _ := e.Embed(ctx, tx)
		out[i] = v
	}
	return out, nil
}

func (testEmbedder) Dimension() int { return 3 }
func (testEmbedder) Model() string  { return "test" }

var _ embedder.Embedder = testEmbedder{}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func allowAll(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(billing.CheckResult{
		Allowed: true, CurrentUsage: 1, Limit: 10, Remaining: 9,
	})
}

func denyAll(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(billing.CheckResult{
		Allowed: false, CurrentUsage: 10, Limit: 10, Reason: "limit_exceeded",
	})
}

func TestHealth(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateIngestion(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/v1/ingestions", map[string]string{
		"url": "https://example.com",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out struct {
		Ingestion ingestionJSON `json:"ingestion"`
		Limit     limitJSON     `json:"limit"`
	}
	decodeBody(t, rec, &out)
	if out.Ingestion.Status != store.StatusPending {
		t.Errorf("status = %q", out.Ingestion.Status)
	}
	if out.Ingestion.Strategy != "AUTO" {
		t.Errorf("strategy = %q", out.Ingestion.Strategy)
	}
	if !out.Limit.Allowed || out.Limit.Remaining != 9 {
		t.Errorf("limit = %+v", out.Limit)
	}

	// The created ingestion is visible in the list.
	rec = doJSON(t, r, http.MethodGet, "/api/v1/ingestions", nil)
	var list struct {
		Ingestions []ingestionJSON `json:"ingestions"`
	}
	decodeBody(t, rec, &list)
	if len(list.Ingestions) != 1 || list.Ingestions[0].ID != out.Ingestion.ID {
		t.Errorf("list = %+v", list.Ingestions)
	}
}

func TestCreateIngestion_Validation(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	// Missing url.
	rec := doJSON(t, r, http.MethodPost, "/api/v1/ingestions", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: status = %d", rec.Code)
	}

	// Unsafe scheme.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/ingestions", map[string]string{
		"url": "ftp://example.com",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ftp url: status = %d", rec.Code)
	}

	// Unknown strategy.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/ingestions", map[string]string{
		"url": "https://example.com", "scraping_strategy": "TELEPATHY",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad strategy: status = %d", rec.Code)
	}
}

// WHAT: a billing denial surfaces as 429 with the verdict in the body.
func TestCreateIngestion_LimitExceeded(t *testing.T) {
	s, _ := newAPI(t, denyAll)
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/v1/ingestions", map[string]string{
		"url": "https://example.com",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestGetIngestion_NotFound(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/ingestions/ing_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

// WHAT: retrying a pending ingestion is rejected as a client error.
func TestRetryIngestion_Pending(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/v1/ingestions", map[string]string{
		"url": "https://example.com",
	})
	var out struct {
		Ingestion ingestionJSON `json:"ingestion"`
	}
	decodeBody(t, rec, &out)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/ingestions/"+out.Ingestion.ID+"/retry", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func uploadRequest(t *testing.T, path, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadDocument(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "/api/v1/documents", "notes.txt", "hello world"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out struct {
		Document documentJSON `json:"document"`
	}
	decodeBody(t, rec, &out)
	if out.Document.OriginalFilename != "notes.txt" {
		t.Errorf("original_filename = %q", out.Document.OriginalFilename)
	}
	if out.Document.Status != store.StatusPending {
		t.Errorf("status = %q", out.Document.Status)
	}
	if out.Document.SizeBytes != int64(len("hello world")) {
		t.Errorf("size = %d", out.Document.SizeBytes)
	}

	// The stored name is generated; the original never hits the blob key.
	if strings.Contains(out.Document.Filename, "notes") {
		t.Errorf("filename %q leaks the original name", out.Document.Filename)
	}
}

func TestUploadDocument_UnsupportedFormat(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, "/api/v1/documents", "payload.exe", "MZ"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestCategories(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	// First list seeds the system taxonomy.
	rec := doJSON(t, r, http.MethodGet, "/api/v1/categories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Categories []categoryJSON `json:"categories"`
	}
	decodeBody(t, rec, &list)
	if len(list.Categories) == 0 {
		t.Fatal("no system categories seeded")
	}
	var system categoryJSON
	for _, c := range list.Categories {
		if c.IsSystem && c.ParentID == "" {
			system = c
			break
		}
	}
	if system.ID == "" {
		t.Fatal("no system root category in list")
	}

	// Custom category.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/categories", map[string]string{
		"name": "Research", "description": "Internal research notes",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", rec.Code, rec.Body)
	}
	var created categoryJSON
	decodeBody(t, rec, &created)
	if created.IsSystem {
		t.Error("custom category marked system")
	}

	// Duplicate name rejected.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/categories", map[string]string{
		"name": "Research",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate: status = %d", rec.Code)
	}

	// WHAT: system categories are immutable through the API.
	rec = doJSON(t, r, http.MethodPut, "/api/v1/categories/"+system.ID, map[string]string{
		"name": "Hijacked",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("update system: status = %d", rec.Code)
	}
	rec = doJSON(t, r, http.MethodDelete, "/api/v1/categories/"+system.ID, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("delete system: status = %d", rec.Code)
	}

	// Custom ones are not.
	rec = doJSON(t, r, http.MethodDelete, "/api/v1/categories/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete custom: status = %d", rec.Code)
	}
}

func TestManualAssignments(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "/api/v1/documents", "contract.txt", "agreement"))
	var up struct {
		Document documentJSON `json:"document"`
	}
	decodeBody(t, rec, &up)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/categories", map[string]string{"name": "Contracts"})
	var cat categoryJSON
	decodeBody(t, rec, &cat)

	rec = doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/v1/documents/%s/categories/%s", up.Document.ID, cat.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("assign: status = %d body = %s", rec.Code, rec.Body)
	}

	// Unknown category is a 404.
	rec = doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/v1/documents/%s/categories/cat_missing", up.Document.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("assign unknown: status = %d", rec.Code)
	}

	// The assignment shows up on the document detail.
	rec = doJSON(t, r, http.MethodGet, "/api/v1/documents/"+up.Document.ID, nil)
	var detail struct {
		CategoryIDs []string `json:"category_ids"`
	}
	decodeBody(t, rec, &detail)
	if len(detail.CategoryIDs) != 1 || detail.CategoryIDs[0] != cat.ID {
		t.Errorf("category_ids = %v", detail.CategoryIDs)
	}
}

func TestSearch_RequiresQuery(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/v1/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAnalyticsOverview(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "/api/v1/documents", "a.txt", "x"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload: status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/analytics/overview", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out struct {
		Documents  int `json:"documents"`
		Ingestions int `json:"ingestions"`
	}
	decodeBody(t, rec, &out)
	if out.Documents != 1 || out.Ingestions != 0 {
		t.Errorf("overview = %+v", out)
	}
}

// WHAT: the widget bootstrap is public and reflects tenant settings.
func TestWidgetBootstrap(t *testing.T) {
	s, cfg := newAPI(t, allowAll)
	r := s.Router()

	// No settings yet: defaults.
	rec := doJSON(t, r, http.MethodGet, "/api/v1/widget/bootstrap/tenant_b", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]string
	decodeBody(t, rec, &out)
	if out["title"] != "Assistant" {
		t.Errorf("default title = %q", out["title"])
	}

	if err := cfg.Tax.SetSetting(context.Background(), "tenant_b", "widget_title", "Acme Support"); err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, r, http.MethodGet, "/api/v1/widget/bootstrap/tenant_b", nil)
	decodeBody(t, rec, &out)
	if out["title"] != "Acme Support" {
		t.Errorf("title = %q", out["title"])
	}
}

func TestAdminEvents(t *testing.T) {
	s, cfg := newAPI(t, allowAll)
	r := s.Router()

	cfg.Events.LogEvent(context.Background(), observability.BusinessEvent{
		EventType:   "document_uploaded",
		ServiceName: "moisson",
		TenantID:    testTenant,
		Success:     true,
	})

	// No credentials.
	rec := doJSON(t, r, http.MethodGet, "/api/v1/admin/events", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no creds: status = %d", rec.Code)
	}

	// Wrong password.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/events", nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad creds: status = %d", rec.Code)
	}

	// Good credentials.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/events", nil)
	req.SetBasicAuth("ops", "opensesame")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good creds: status = %d body = %s", rec.Code, rec.Body)
	}
	var out struct {
		Events []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	decodeBody(t, rec, &out)
	if len(out.Events) != 1 || out.Events[0].EventType != "document_uploaded" {
		t.Errorf("events = %+v", out.Events)
	}
}

func TestDeleteDocument(t *testing.T) {
	s, _ := newAPI(t, allowAll)
	r := s.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, "/api/v1/documents", "gone.txt", "bye"))
	var up struct {
		Document documentJSON `json:"document"`
	}
	decodeBody(t, rec, &up)

	rec = doJSON(t, r, http.MethodDelete, "/api/v1/documents/"+up.Document.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d body = %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, r, http.MethodGet, "/api/v1/documents/"+up.Document.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d", rec.Code)
	}
}
