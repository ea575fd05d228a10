// Package server exposes the sequence service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/petal-labs/centralseq/coordinator"
	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

// SequenceService is the coordinator surface the HTTP API depends on.
type SequenceService interface {
	HandleGenerate(ctx context.Context, req coordinator.GenerateRequest) (coordinator.SequenceResult, error)
	HandleReorder(ctx context.Context, req coordinator.ReorderRequest) (coordinator.ReorderResult, error)
	HandleCreateVersion(ctx context.Context, req coordinator.VersionRequest) (coordinator.VersionResult, error)
	Resync(ctx context.Context, elementType string) (coordinator.ResyncResult, error)
	Lookup(ctx context.Context, key identity.Key) (store.Record, bool, error)
	Versions(ctx context.Context, key identity.Key) ([]store.VersionEntry, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Service    SequenceService
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the sequence service HTTP API server.
type Server struct {
	service    SequenceService
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		service:    cfg.Service,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.loggingMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /openapi.yml", s.handleOpenAPI)
	mux.HandleFunc("GET /docs", s.handleDocs)

	mux.HandleFunc("POST /sequence", s.handleGenerate)
	mux.HandleFunc("PUT /sequence/reorder", s.handleReorder)
	mux.HandleFunc("POST /sequence/version", s.handleCreateVersion)
	mux.HandleFunc("GET /sequence/{elementType}/{elementId}", s.handleGetSequence)
	mux.HandleFunc("GET /sequence/{elementType}/{elementId}/versions", s.handleListVersions)

	mux.HandleFunc("POST /admin/resync", s.handleResync)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// degradedResponse carries a committed result whose index sync failed.
type degradedResponse struct {
	Result any          `json:"result"`
	Error  apiErrorBody `json:"error"`
}

func writeResult(w http.ResponseWriter, okStatus int, result any, sync coordinator.SyncStatus) {
	if !sync.Degraded {
		writeJSON(w, okStatus, result)
		return
	}
	writeJSON(w, http.StatusBadGateway, degradedResponse{
		Result: result,
		Error: apiErrorBody{
			Code:    "SYNC_DEGRADED",
			Message: sync.Error,
			Details: sync.Unconfirmed,
		},
	})
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
