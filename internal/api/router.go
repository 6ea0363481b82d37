package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabdocs/internal/middleware"
)

// SetupRoutes builds the HTTP surface: the thin document CRUD wrappers,
// the websocket endpoint and the operational endpoints.
func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/documents", h.CreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.UpdateDocument).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}", h.DeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/history", h.GetHistory).Methods(http.MethodGet)

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	// Real-time collaboration; the join event selects the document room.
	r.HandleFunc("/ws", h.HandleWebSocket)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
