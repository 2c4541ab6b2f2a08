// Package api provides the HTTP routes of the DocuWise service.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/teilomillet/docuwise/rag"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs request details and latency.
func loggingMiddleware(logger rag.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		})
	}
}

// corsMiddleware adds CORS headers for the web UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(loggingMiddleware(h.logger))
	r.Use(corsMiddleware)

	r.HandleFunc("/health", h.HandleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload", h.HandleUpload).Methods("POST", "OPTIONS")
	api.HandleFunc("/ingest", h.HandleIngest).Methods("POST", "OPTIONS")
	api.HandleFunc("/query", h.HandleQuery).Methods("POST", "OPTIONS")
	api.HandleFunc("/search", h.HandleSearch).Methods("POST", "OPTIONS")
	api.HandleFunc("/files", h.HandleListFiles).Methods("GET")
	api.HandleFunc("/files/{id}/status", h.HandleFileStatus).Methods("GET")
	api.HandleFunc("/files/{id}", h.HandleDeleteFile).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/stats", h.HandleStats).Methods("GET")

	return r
}
