// Package httpapi exposes the REST surface. Handlers are thin: validate,
// resolve the tenant from the token, call the service layer, translate the
// error kind to a status code.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/moisson/billing"
	"github.com/hazyhaar/moisson/docload"
	"github.com/hazyhaar/moisson/horosafe"
	"github.com/hazyhaar/moisson/ingest"
	"github.com/hazyhaar/moisson/observability"
	"github.com/hazyhaar/moisson/store"
	"github.com/hazyhaar/moisson/taxonomy"
	"github.com/hazyhaar/moisson/vecstore"
)

// MaxUploadBytes caps multipart document uploads.
const MaxUploadBytes = 20 << 20

// MaxJSONBytes caps JSON request bodies.
const MaxJSONBytes = 1 << 20

// Config wires the server's collaborators.
type Config struct {
	Service *ingest.Service
	Store   *store.Store
	Tax     *taxonomy.Store
	Vec     *vecstore.Store
	Events  *observability.EventLogger

	// Auth is the Bearer-token middleware (auth.Validator.Middleware in
	// production; a stub in tests).
	Auth func(http.Handler) http.Handler

	// AdminUser and AdminPassHash (bcrypt) guard the admin routes. Empty
	// disables them.
	AdminUser     string
	AdminPassHash string

	Logger *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public: health and the chat-widget bootstrap.
		r.Get("/health", s.handleHealth)
		r.Get("/widget/bootstrap/{tenantID}", s.handleWidgetBootstrap)

		// Everything else requires a Bearer token.
		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Auth)

			r.Route("/documents", func(r chi.Router) {
				r.Post("/", s.handleUploadDocument)
				r.Get("/", s.handleListDocuments)
				r.Get("/{id}", s.handleGetDocument)
				r.Delete("/{id}", s.handleDeleteDocument)
				r.Post("/{id}/categories/{categoryID}", s.handleAssignCategory)
				r.Post("/{id}/tags/{tagID}", s.handleAssignTag)
			})

			r.Route("/ingestions", func(r chi.Router) {
				r.Post("/", s.handleCreateIngestion)
				r.Get("/", s.handleListIngestions)
				r.Get("/{id}", s.handleGetIngestion)
				r.Get("/{id}/pages", s.handleListPages)
				r.Post("/{id}/retry", s.handleRetryIngestion)
				r.Delete("/{id}", s.handleDeleteIngestion)
			})

			r.Route("/categories", func(r chi.Router) {
				r.Get("/", s.handleListCategories)
				r.Post("/", s.handleCreateCategory)
				r.Put("/{id}", s.handleUpdateCategory)
				r.Delete("/{id}", s.handleDeleteCategory)
			})

			r.Route("/tags", func(r chi.Router) {
				r.Get("/", s.handleListTags)
				r.Delete("/{id}", s.handleDeleteTag)
			})

			r.Get("/search", s.handleSearch)
			r.Get("/analytics/overview", s.handleAnalyticsOverview)
		})

		// Admin: operational event log behind basic auth.
		if s.cfg.AdminUser != "" && s.cfg.AdminPassHash != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.adminAuth)
				r.Get("/events", s.handleAdminEvents)
			})
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adminAuth checks basic-auth credentials against the bcrypt hash.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPassHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeStatus(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	respond(w, code, map[string]string{"error": msg})
}

// writeError maps an error kind to an HTTP status. Token bodies never reach
// this function, so logging the error is safe.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrLimitExceeded):
		writeStatus(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, billing.ErrUnauthorized):
		writeStatus(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, taxonomy.ErrNotFound):
		writeStatus(w, http.StatusNotFound, "not found")
	case errors.Is(err, taxonomy.ErrSystemCategory):
		writeStatus(w, http.StatusForbidden, err.Error())
	case errors.Is(err, taxonomy.ErrDuplicateName),
		errors.Is(err, taxonomy.ErrInvalidName),
		errors.Is(err, docload.ErrUnsupportedFormat),
		errors.Is(err, ingest.ErrNotRetryable),
		errors.Is(err, horosafe.ErrSSRF),
		errors.Is(err, horosafe.ErrUnsafeScheme):
		writeStatus(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("httpapi: request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeStatus(w, http.StatusInternalServerError, "internal error")
	}
}

// pagination reads limit/offset query params with sane bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// decodeJSON reads a bounded JSON body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
