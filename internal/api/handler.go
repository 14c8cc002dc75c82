// Package api exposes the assistant over HTTP: session creation from
// uploaded or ingested datasets, raw SQL passthrough, and the
// question-answering pipeline.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlassist/sqlassist/internal/config"
	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/llm"
	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/storage"
	"github.com/sqlassist/sqlassist/internal/upload"
)

const invalidSessionMessage = "Invalid or expired session ID."

// ConnectFunc opens a session handle against a remote database DSN.
type ConnectFunc func(ctx context.Context, dsn string) (dataset.Handle, error)

type Dependencies struct {
	Logger       *slog.Logger
	Registry     *session.Registry
	Materializer *upload.Materializer
	LLM          llm.Client
	ObjectStore  storage.ObjectStore
	Connect      ConnectFunc
	Now          func() time.Time
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": cfg.Service.Name,
			"endpoints": []string{
				"GET /api/health",
				"GET /api/metrics",
				"POST /api/upload",
				"POST /api/ingest",
				"POST /api/connect",
				"POST /api/run-query",
				"POST /api/get-query",
				"POST /api/export",
				"DELETE /api/sessions/{id}",
			},
		})
	})

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"service":         cfg.Service.Name,
			"sessions_active": deps.Registry.Len(),
		})
	})

	mux.Handle("GET /api/metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/upload", func(w http.ResponseWriter, r *http.Request) {
		handleUpload(cfg, deps, w, r)
	})
	mux.HandleFunc("POST /api/ingest", func(w http.ResponseWriter, r *http.Request) {
		handleIngest(deps, w, r)
	})
	mux.HandleFunc("POST /api/connect", func(w http.ResponseWriter, r *http.Request) {
		handleConnect(cfg, deps, w, r)
	})
	mux.HandleFunc("POST /api/run-query", func(w http.ResponseWriter, r *http.Request) {
		handleRunQuery(deps, w, r)
	})
	mux.HandleFunc("POST /api/get-query", func(w http.ResponseWriter, r *http.Request) {
		handleGetQuery(cfg, deps, w, r)
	})
	mux.HandleFunc("POST /api/export", func(w http.ResponseWriter, r *http.Request) {
		handleExport(deps, w, r)
	})
	mux.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleReleaseSession(deps, w, r)
	})

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	middlewares = append(middlewares,
		corsMiddleware(cfg.CORS.AllowedOrigins),
		sweepMiddleware(deps),
	)
	return chain(mux, middlewares...)
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// sweepMiddleware evicts idle sessions before each request is served, the
// registry's only eviction trigger.
func sweepMiddleware(deps Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deps.Registry.Sweep(deps.Now())
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, candidate := range allowedOrigins {
				if candidate == "*" || candidate == origin {
					allowed = true
					break
				}
			}
			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
