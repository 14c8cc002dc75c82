package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sqlassist/sqlassist/internal/assist"
	"github.com/sqlassist/sqlassist/internal/config"
	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/export"
	"github.com/sqlassist/sqlassist/internal/session"
)

type runQueryRequest struct {
	SessionID string `json:"session_id"`
	SQL       string `json:"sql"`
}

func handleRunQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request runQueryRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required.")
		return
	}

	handle, err := deps.Registry.Get(request.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidSessionMessage)
		return
	}

	result, err := handle.Execute(r.Context(), request.SQL)
	if err != nil {
		var execErr *dataset.ExecutionError
		if errors.As(err, &execErr) {
			writeError(w, http.StatusBadRequest, execErr.Message)
			return
		}
		logError(deps, r, "query execution failed", err)
		writeError(w, http.StatusInternalServerError, "Query execution failed.")
		return
	}

	if result.HasRows {
		writeJSON(w, http.StatusOK, map[string]any{
			"columns": result.Columns,
			"rows":    result.Rows,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Statement executed.",
		"rows_affected": result.Affected,
	})
}

type getQueryRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func handleGetQuery(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request getQueryRequest
	if err := decodeJSON(r, &request); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	// The guard counts characters, not bytes; multibyte questions would
	// otherwise slip past it.
	question := strings.TrimSpace(request.Question)
	if utf8.RuneCountInString(question) < assist.MinQuestionLength {
		writeFailure(w, http.StatusBadRequest, assist.ShortQuestionMessage)
		return
	}

	handle, err := deps.Registry.Get(request.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeFailure(w, http.StatusBadRequest, invalidSessionMessage)
			return
		}
		logError(deps, r, "session lookup failed", err)
		writeFailure(w, http.StatusInternalServerError, "Could not process the question.")
		return
	}

	assistant := assist.New(handle, deps.LLM, assist.Options{
		TopK:   cfg.Assist.TopK,
		Logger: deps.Logger,
	})
	result := assistant.QueryStructured(r.Context(), question)

	// A slow pipeline run must not leave the session about to expire; the
	// pre-run Get refreshed liveness before the LLM calls, this refreshes it
	// after.
	_ = deps.Registry.Touch(request.SessionID)

	var sqlQuery any
	if result.SQLQuery != "" {
		sqlQuery = result.SQLQuery
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result": map[string]any{
			"question":  result.Question,
			"sql_query": sqlQuery,
			"results":   result.Results,
			"answer":    result.Answer,
			"row_count": result.RowCount,
		},
	})
}

type exportRequest struct {
	SessionID string `json:"session_id"`
	SQL       string `json:"sql"`
	Format    string `json:"format"`
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request exportRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required.")
		return
	}

	handle, err := deps.Registry.Get(request.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, invalidSessionMessage)
		return
	}

	result, err := handle.Execute(r.Context(), request.SQL)
	if err != nil {
		var execErr *dataset.ExecutionError
		if errors.As(err, &execErr) {
			writeError(w, http.StatusBadRequest, execErr.Message)
			return
		}
		logError(deps, r, "export query failed", err)
		writeError(w, http.StatusInternalServerError, "Query execution failed.")
		return
	}
	if !result.HasRows {
		writeError(w, http.StatusBadRequest, "The statement returned no result set to export.")
		return
	}

	encoded, err := export.Encode(result, request.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", encoded.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "result."+encoded.Extension))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded.Data)
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
