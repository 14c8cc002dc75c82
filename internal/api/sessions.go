package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sqlassist/sqlassist/internal/config"
	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/storage"
	"github.com/sqlassist/sqlassist/internal/upload"
)

func handleUpload(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if cfg.Upload.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.Upload.MaxBytes)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Uploaded file is too large.")
			return
		}
		writeError(w, http.StatusBadRequest, "A file upload named 'file' is required.")
		return
	}
	defer func() { _ = file.Close() }()

	handle, err := deps.Materializer.FromReader(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, upload.ErrUnsupportedType) {
			writeError(w, http.StatusBadRequest, "Unsupported file type. Use sqlite, db, sql, csv or parquet.")
			return
		}
		logError(deps, r, "upload failed", err)
		writeError(w, http.StatusInternalServerError, "Could not load the uploaded file.")
		return
	}

	id := deps.Registry.Create(handle)
	observability.IncrementSessionCreated("upload")
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

type ingestRequest struct {
	ObjectKey string `json:"object_key"`
}

func handleIngest(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.ObjectStore == nil {
		writeError(w, http.StatusNotImplemented, "Object store ingest is not configured.")
		return
	}

	var request ingestRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if strings.TrimSpace(request.ObjectKey) == "" {
		writeError(w, http.StatusBadRequest, "object_key is required.")
		return
	}

	handle, err := deps.Materializer.FromObjectStore(r.Context(), deps.ObjectStore, request.ObjectKey)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrObjectNotFound):
			writeError(w, http.StatusNotFound, "Object not found in the configured store.")
		case errors.Is(err, upload.ErrUnsupportedType):
			writeError(w, http.StatusBadRequest, "Unsupported file type. Use sqlite, db, sql, csv or parquet.")
		default:
			logError(deps, r, "ingest failed", err)
			writeError(w, http.StatusInternalServerError, "Could not load the object.")
		}
		return
	}

	id := deps.Registry.Create(handle)
	observability.IncrementSessionCreated("ingest")
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

type connectRequest struct {
	DSN string `json:"dsn"`
}

func handleConnect(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !cfg.Remote.AllowConnect {
		writeError(w, http.StatusForbidden, "Remote database connections are disabled.")
		return
	}
	if deps.Connect == nil {
		writeError(w, http.StatusNotImplemented, "Remote database connections are not configured.")
		return
	}

	var request connectRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if strings.TrimSpace(request.DSN) == "" {
		writeError(w, http.StatusBadRequest, "dsn is required.")
		return
	}

	handle, err := deps.Connect(r.Context(), request.DSN)
	if err != nil {
		logError(deps, r, "remote connect failed", err)
		writeError(w, http.StatusBadGateway, "Could not connect to the remote database.")
		return
	}

	id := deps.Registry.Create(handle)
	observability.IncrementSessionCreated("connect")
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

func handleReleaseSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := deps.Registry.Delete(id); errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, invalidSessionMessage)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func logError(deps Dependencies, r *http.Request, message string, err error) {
	if deps.Logger == nil {
		return
	}
	deps.Logger.Error(message,
		slog.String("path", r.URL.Path),
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
}
