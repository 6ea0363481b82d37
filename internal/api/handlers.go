package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"collabdocs/internal/deltas"
	"collabdocs/internal/logging"
	"collabdocs/internal/middleware"
	"collabdocs/internal/models"
	"collabdocs/internal/repository"
	"collabdocs/internal/services/collaboration"
)

// Handler carries the REST surface. Content mutation is deliberately not
// exposed here; edits flow through the synchronization engine only.
type Handler struct {
	docs   DocumentService
	ws     *collaboration.WebSocketHandler
	logger logging.Logger
}

// NewHandler creates the REST handler set.
func NewHandler(docs DocumentService, ws *collaboration.WebSocketHandler) *Handler {
	return &Handler{
		docs:   docs,
		ws:     ws,
		logger: logging.New("api"),
	}
}

// CreateDocument handles POST /api/documents.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req models.DocumentCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	doc, err := h.docs.Create(r.Context(), req)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, doc)
}

// ListDocuments handles GET /api/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	docs, err := h.docs.List(r.Context(), limit, offset)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	h.writeJSON(w, http.StatusOK, docs)
}

// GetDocument handles GET /api/documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// UpdateDocument handles PUT /api/documents/{id}. Only the title is
// mutable here; content changes must go through the engine.
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		h.writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.docs.SetTitle(r.Context(), id, req.Title); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	doc, err := h.docs.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// GetHistory handles GET /api/documents/{id}/history. Besides the raw
// records it returns the content recomputed by folding the history, so
// operators can spot divergence from the stored snapshot.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.docs.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	replayed, err := deltas.Materialize(history)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "history replay failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"deltas":          history,
		"replayedContent": replayed,
	})
}

// DeleteDocument handles DELETE /api/documents/{id}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWebSocket hands the connection to the collaboration transport.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.ws.HandleConnection(w, r)
}

func (h *Handler) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, "document not found")
	case errors.Is(err, repository.ErrAlreadyExists):
		h.writeError(w, r, http.StatusConflict, "document already exists")
	default:
		h.logger.Errorw("storage error",
			"request_id", middleware.GetRequestID(r.Context()), "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorw("write response failed", "error", err)
	}
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return n
		}
	}
	return defaultValue
}
