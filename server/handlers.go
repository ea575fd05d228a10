package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/petal-labs/centralseq/coordinator"
	"github.com/petal-labs/centralseq/engine"
	"github.com/petal-labs/centralseq/identity"
	"github.com/petal-labs/centralseq/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req coordinator.GenerateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
		return
	}
	result, err := s.service.HandleGenerate(r.Context(), req)
	if err != nil {
		s.writeOperationError(w, "generate", err)
		return
	}
	writeResult(w, http.StatusCreated, result, result.Sync)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ReorderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
		return
	}
	result, err := s.service.HandleReorder(r.Context(), req)
	if err != nil {
		s.writeOperationError(w, "reorder", err)
		return
	}
	writeResult(w, http.StatusOK, result, result.Sync)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req coordinator.VersionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
		return
	}
	result, err := s.service.HandleCreateVersion(r.Context(), req)
	if err != nil {
		s.writeOperationError(w, "create version", err)
		return
	}
	writeResult(w, http.StatusCreated, result, result.Sync)
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	rec, found, err := s.service.Lookup(r.Context(), key)
	if err != nil {
		s.writeOperationError(w, "lookup", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no sequence record for "+key.String())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	entries, err := s.service.Versions(r.Context(), key)
	if err != nil {
		s.writeOperationError(w, "versions", err)
		return
	}
	if entries == nil {
		entries = []store.VersionEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key.String(), "versions": entries})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Resync(r.Context(), r.URL.Query().Get("elementType"))
	if err != nil {
		s.writeOperationError(w, "resync", err)
		return
	}
	writeResult(w, http.StatusOK, result, result.Sync)
}

func pathKey(w http.ResponseWriter, r *http.Request) (identity.Key, bool) {
	elementType := r.PathValue("elementType")
	id, err := strconv.ParseInt(r.PathValue("elementId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "elementId must be an integer", err.Error())
		return identity.Key{}, false
	}
	key := identity.New(elementType, id)
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return identity.Key{}, false
	}
	return key, true
}

// writeOperationError maps engine and store failures onto HTTP statuses.
func (s *Server) writeOperationError(w http.ResponseWriter, op string, err error) {
	kind, _ := engine.KindOf(err)
	switch {
	case kind == engine.KindValidation || errors.Is(err, identity.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, string(engine.KindValidation), err.Error())
	case kind == engine.KindBusy:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, string(engine.KindBusy), err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "REQUEST_CANCELED", err.Error())
	case kind == engine.KindStoreUnavailable || errors.Is(err, store.ErrStoreUnavailable):
		s.logger.Error("store unavailable", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, string(engine.KindStoreUnavailable), "sequence store unavailable")
	default:
		s.logger.Error("operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
