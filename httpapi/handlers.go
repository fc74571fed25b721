package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/moisson/auth"
	"github.com/hazyhaar/moisson/billing"
	"github.com/hazyhaar/moisson/store"
	"github.com/hazyhaar/moisson/taxonomy"
	"github.com/hazyhaar/moisson/vecstore"
)

// Response shapes. Domain structs stay tag-free; the wire format is pinned
// here.

type ingestionJSON struct {
	ID              string `json:"id"`
	BaseURL         string `json:"base_url"`
	Status          string `json:"status"`
	Strategy        string `json:"scraping_strategy"`
	PagesDiscovered int    `json:"pages_discovered"`
	PagesProcessed  int    `json:"pages_processed"`
	PagesFailed     int    `json:"pages_failed"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       string `json:"created_at"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

func toIngestionJSON(ing *store.Ingestion) ingestionJSON {
	return ingestionJSON{
		ID:              ing.ID,
		BaseURL:         ing.BaseURL,
		Status:          ing.Status,
		Strategy:        ing.Strategy,
		PagesDiscovered: ing.PagesDiscovered,
		PagesProcessed:  ing.PagesProcessed,
		PagesFailed:     ing.PagesFailed,
		ErrorMessage:    ing.ErrorMessage,
		CreatedAt:       rfc3339OrEmpty(ing.CreatedAt),
		StartedAt:       rfc3339OrEmpty(ing.StartedAt),
		CompletedAt:     rfc3339OrEmpty(ing.CompletedAt),
	}
}

type pageJSON struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	PageNumber   int    `json:"page_number"`
	Title        string `json:"title,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ScrapedAt    string `json:"scraped_at,omitempty"`
}

type documentJSON struct {
	ID               string `json:"id"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func toDocumentJSON(d *store.Document) documentJSON {
	return documentJSON{
		ID:               d.ID,
		Filename:         d.Filename,
		OriginalFilename: d.OriginalFilename,
		MimeType:         d.MimeType,
		SizeBytes:        d.SizeBytes,
		Status:           d.Status,
		ErrorMessage:     d.ErrorMessage,
		CreatedAt:        rfc3339OrEmpty(d.CreatedAt),
		UpdatedAt:        rfc3339OrEmpty(d.UpdatedAt),
	}
}

type categoryJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	IsSystem    bool   `json:"is_system"`
}

type tagJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	UsageCount int    `json:"usage_count"`
}

type limitJSON struct {
	Allowed      bool   `json:"allowed"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	Reason       string `json:"reason,omitempty"`
}

func toLimitJSON(c *billing.CheckResult) *limitJSON {
	if c == nil {
		return nil
	}
	return &limitJSON{
		Allowed:      c.Allowed,
		CurrentUsage: c.CurrentUsage,
		Limit:        c.Limit,
		Remaining:    c.Remaining,
		Reason:       c.Reason,
	}
}

func rfc3339OrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// tenant resolves the tenant id from the validated claims. The auth
// middleware guarantees claims are present on these routes.
func tenant(r *http.Request) string {
	return auth.GetClaims(r.Context()).TenantID
}

// --- Ingestions ---

func (s *Server) handleCreateIngestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL      string `json:"url"`
		Strategy string `json:"scraping_strategy"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeStatus(w, http.StatusBadRequest, "url is required")
		return
	}

	ing, check, err := s.cfg.Service.CreateIngestion(r.Context(), tenant(r), auth.GetToken(r.Context()), req.URL, req.Strategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{
		"ingestion": toIngestionJSON(ing),
		"limit":     toLimitJSON(check),
	})
}

func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	ings, err := s.cfg.Store.ListIngestions(r.Context(), tenant(r), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ingestionJSON, 0, len(ings))
	for _, ing := range ings {
		out = append(out, toIngestionJSON(ing))
	}
	respond(w, http.StatusOK, map[string]any{"ingestions": out})
}

func (s *Server) handleGetIngestion(w http.ResponseWriter, r *http.Request) {
	ing, err := s.cfg.Store.GetIngestion(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, toIngestionJSON(ing))
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.cfg.Store.ListPages(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]pageJSON, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageJSON{
			ID:           p.ID,
			URL:          p.URL,
			PageNumber:   p.PageNumber,
			Title:        p.Title,
			Status:       p.Status,
			ErrorMessage: p.ErrorMessage,
			ScrapedAt:    rfc3339OrEmpty(p.ScrapedAt),
		})
	}
	respond(w, http.StatusOK, map[string]any{"pages": out})
}

func (s *Server) handleRetryIngestion(w http.ResponseWriter, r *http.Request) {
	ing, err := s.cfg.Service.RetryIngestion(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, toIngestionJSON(ing))
}

func (s *Server) handleDeleteIngestion(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Service.DeleteIngestion(r.Context(), tenant(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Documents ---

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable file")
		return
	}

	doc, check, err := s.cfg.Service.UploadDocument(r.Context(), tenant(r), auth.GetToken(r.Context()),
		header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]any{
		"document": toDocumentJSON(doc),
		"limit":    toLimitJSON(check),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	docs, err := s.cfg.Store.ListDocuments(r.Context(), tenant(r), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]documentJSON, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentJSON(d))
	}
	respond(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	id := chi.URLParam(r, "id")
	doc, err := s.cfg.Store.GetDocument(r.Context(), tenantID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	catIDs, err := s.cfg.Tax.CategoryIDsFor(r.Context(), tenantID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tagIDs, err := s.cfg.Tax.TagIDsFor(r.Context(), tenantID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"document":     toDocumentJSON(doc),
		"category_ids": catIDs,
		"tag_ids":      tagIDs,
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Service.DeleteDocument(r.Context(), tenant(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Manual assignments carry full confidence.

func (s *Server) handleAssignCategory(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	docID := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetDocument(r.Context(), tenantID, docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.cfg.Tax.AssignCategory(r.Context(), tenantID, docID,
		chi.URLParam(r, "categoryID"), 1.0, taxonomy.AssignedByUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignTag(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	docID := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetDocument(r.Context(), tenantID, docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.cfg.Tax.AssignTag(r.Context(), tenantID, docID,
		chi.URLParam(r, "tagID"), 1.0, taxonomy.AssignedByUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Categories and tags ---

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	// Seeding is idempotent; first touch materializes the system taxonomy.
	if err := s.cfg.Tax.SeedSystemCategories(r.Context(), tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	cats, err := s.cfg.Tax.ListCategories(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]categoryJSON, 0, len(cats))
	for _, c := range cats {
		out = append(out, categoryJSON{
			ID: c.ID, Name: c.Name, Description: c.Description,
			ParentID: c.ParentID, IsSystem: c.IsSystem,
		})
	}
	respond(w, http.StatusOK, map[string]any{"categories": out})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		ParentID    string `json:"parent_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cat, err := s.cfg.Tax.CreateCategory(r.Context(), tenant(r), req.Name, req.Description, req.ParentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, categoryJSON{
		ID: cat.ID, Name: cat.Name, Description: cat.Description,
		ParentID: cat.ParentID, IsSystem: cat.IsSystem,
	})
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cfg.Tax.UpdateCategory(r.Context(), tenant(r), chi.URLParam(r, "id"), req.Name, req.Description); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tax.DeleteCategory(r.Context(), tenant(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.cfg.Tax.ListTags(r.Context(), tenant(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]tagJSON, 0, len(tags))
	for _, t := range tags {
		out = append(out, tagJSON{ID: t.ID, Name: t.Name, UsageCount: t.UsageCount})
	}
	respond(w, http.StatusOK, map[string]any{"tags": out})
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tax.DeleteTag(r.Context(), tenant(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Search and analytics ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeStatus(w, http.StatusBadRequest, "q is required")
		return
	}
	topK, _ := strconv.Atoi(r.URL.Query().Get("top_k"))
	if topK <= 0 || topK > 50 {
		topK = 10
	}
	matches, err := s.cfg.Vec.Search(r.Context(), tenant(r), query, topK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type matchJSON struct {
		ChunkID    string            `json:"chunk_id"`
		DocumentID string            `json:"document_id,omitempty"`
		Content    string            `json:"content"`
		Score      float64           `json:"score"`
		Metadata   vecstore.Metadata `json:"metadata"`
	}
	out := make([]matchJSON, 0, len(matches))
	for _, m := range matches {
		out = append(out, matchJSON{
			ChunkID: m.ChunkID, DocumentID: m.DocumentID,
			Content: m.Content, Score: m.Score, Metadata: m.Metadata,
		})
	}
	respond(w, http.StatusOK, map[string]any{"matches": out})
}

func (s *Server) handleAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	docs, err := s.cfg.Store.CountDocuments(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ings, err := s.cfg.Store.CountIngestions(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chunks, lastIndexed, err := s.cfg.Vec.Stats(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"documents":       docs,
		"ingestions":      ings,
		"indexed_chunks":  chunks,
		"last_indexed_at": rfc3339OrEmpty(lastIndexed),
	})
}

// --- Public widget bootstrap ---

// handleWidgetBootstrap serves the embeddable widget's per-tenant settings.
// It is unauthenticated by design: the widget runs on third-party sites, so
// only non-sensitive presentation settings are exposed.
func (s *Server) handleWidgetBootstrap(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	title, err := s.cfg.Tax.Setting(r.Context(), tenantID, "widget_title", "Assistant")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	greeting, err := s.cfg.Tax.Setting(r.Context(), tenantID, "widget_greeting", "How can I help?")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	color, err := s.cfg.Tax.Setting(r.Context(), tenantID, "widget_color", "#1a73e8")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"title":     title,
		"greeting":  greeting,
		"color":     color,
	})
}

// --- Admin ---

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	events, err := s.cfg.Events.ListEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type eventJSON struct {
		EventType   string `json:"event_type"`
		ServiceName string `json:"service_name"`
		EntityType  string `json:"entity_type,omitempty"`
		EntityID    string `json:"entity_id,omitempty"`
		TenantID    string `json:"tenant_id,omitempty"`
		Action      string `json:"action,omitempty"`
		Details     string `json:"details,omitempty"`
		Success     bool   `json:"success"`
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, eventJSON{
			EventType: e.EventType, ServiceName: e.ServiceName,
			EntityType: e.EntityType, EntityID: e.EntityID,
			TenantID: e.TenantID, Action: e.Action,
			Details: e.Details, Success: e.Success,
		})
	}
	respond(w, http.StatusOK, map[string]any{"events": out})
}
