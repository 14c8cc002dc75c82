package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sqlassist/sqlassist/internal/assist"
	"github.com/sqlassist/sqlassist/internal/config"
	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/llm"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/upload"
)

func TestRunQueryReturnsRows(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{results: map[string]dataset.Result{
		"SELECT label FROM items": {
			Columns: []string{"label"},
			Rows:    [][]any{{"bolt"}, {"nut"}},
			HasRows: true,
		},
	}})

	rec := fx.postJSON(t, "/api/run-query", map[string]string{
		"session_id": id,
		"sql":        "SELECT label FROM items",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	columns, _ := payload["columns"].([]any)
	if len(columns) != 1 || columns[0] != "label" {
		t.Fatalf("columns = %v", payload["columns"])
	}
	rows, _ := payload["rows"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", payload["rows"])
	}
}

func TestRunQueryReportsAffectedRows(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{results: map[string]dataset.Result{
		"DELETE FROM items": {Affected: 3},
	}})

	rec := fx.postJSON(t, "/api/run-query", map[string]string{
		"session_id": id,
		"sql":        "DELETE FROM items",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["rows_affected"] != float64(3) {
		t.Fatalf("rows_affected = %v", payload["rows_affected"])
	}
}

func TestRunQueryEngineErrorIsVerbatim400(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{execErr: map[string]error{
		"SELECT nope": &dataset.ExecutionError{Message: "no such column: nope"},
	}})

	rec := fx.postJSON(t, "/api/run-query", map[string]string{
		"session_id": id,
		"sql":        "SELECT nope",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "no such column: nope" {
		t.Fatalf("error = %v", decodeBody(t, rec)["error"])
	}
}

func TestRunQueryUnknownSessionIs400(t *testing.T) {
	fx := newFixture(t, nil)
	rec := fx.postJSON(t, "/api/run-query", map[string]string{
		"session_id": "nope",
		"sql":        "SELECT 1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetQueryHappyPath(t *testing.T) {
	fx := newFixture(t, func(_ *config.Config, deps *Dependencies) {
		fake := deps.LLM.(*fakeLLM)
		fake.queryOutput.Query = "SELECT label FROM items"
		fake.completions = []string{"There are two items.", "yes"}
	})
	id := fx.registry.Create(&fakeHandle{
		schema: "CREATE TABLE items (id INTEGER, label TEXT)",
		results: map[string]dataset.Result{
			"SELECT label FROM items": {
				Columns: []string{"label"},
				Rows:    [][]any{{"bolt"}, {"nut"}},
				HasRows: true,
			},
		},
	})

	rec := fx.postJSON(t, "/api/get-query", map[string]string{
		"session_id": id,
		"question":   "How many items are there?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true {
		t.Fatalf("success = %v", payload["success"])
	}
	result, _ := payload["result"].(map[string]any)
	if result["sql_query"] != "SELECT label FROM items" {
		t.Fatalf("sql_query = %v", result["sql_query"])
	}
	if result["answer"] != "There are two items." {
		t.Fatalf("answer = %v", result["answer"])
	}
	if result["row_count"] != float64(2) {
		t.Fatalf("row_count = %v", result["row_count"])
	}
}

func TestGetQueryRejectionNullsSQLQuery(t *testing.T) {
	fx := newFixture(t, func(_ *config.Config, deps *Dependencies) {
		fake := deps.LLM.(*fakeLLM)
		fake.queryOutput.Query = "SELECT label FROM items"
		fake.completions = []string{"Some answer.", "no"}
	})
	id := fx.registry.Create(&fakeHandle{
		schema: "CREATE TABLE items (id INTEGER, label TEXT)",
		results: map[string]dataset.Result{
			"SELECT label FROM items": {
				Columns: []string{"label"},
				Rows:    [][]any{{"bolt"}},
				HasRows: true,
			},
		},
	})

	rec := fx.postJSON(t, "/api/get-query", map[string]string{
		"session_id": id,
		"question":   "What color is the sky?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	result, _ := payload["result"].(map[string]any)
	if result["sql_query"] != nil {
		t.Fatalf("sql_query = %v, want null", result["sql_query"])
	}
	if result["answer"] != assist.RejectionAnswer {
		t.Fatalf("answer = %v", result["answer"])
	}
	if result["row_count"] != float64(0) {
		t.Fatalf("row_count = %v", result["row_count"])
	}
}

func TestGetQueryShortQuestionIs400(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{})

	rec := fx.postJSON(t, "/api/get-query", map[string]string{
		"session_id": id,
		"question":   "hi",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["success"] != false {
		t.Fatalf("success = %v", payload["success"])
	}
	if payload["error"] != assist.ShortQuestionMessage {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestGetQueryUnknownSessionIs400(t *testing.T) {
	fx := newFixture(t, nil)
	rec := fx.postJSON(t, "/api/get-query", map[string]string{
		"session_id": "nope",
		"question":   "How many items are there?",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["success"] != false {
		t.Fatal("expected failure envelope")
	}
}

func TestExportCSV(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{results: map[string]dataset.Result{
		"SELECT * FROM items": {
			Columns: []string{"id", "label"},
			Rows:    [][]any{{int64(1), "bolt"}},
			HasRows: true,
		},
	}})

	rec := fx.postJSON(t, "/api/export", map[string]string{
		"session_id": id,
		"sql":        "SELECT * FROM items",
		"format":     "csv",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="result.csv"` {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if want := "id,label\n1,bolt\n"; rec.Body.String() != want {
		t.Fatalf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{results: map[string]dataset.Result{
		"SELECT 1": {Columns: []string{"value"}, Rows: [][]any{{int64(1)}}, HasRows: true},
	}})

	rec := fx.postJSON(t, "/api/export", map[string]string{
		"session_id": id,
		"sql":        "SELECT 1",
		"format":     "xlsx",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExportWithoutResultSetIs400(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{results: map[string]dataset.Result{
		"DELETE FROM items": {Affected: 1},
	}})

	rec := fx.postJSON(t, "/api/export", map[string]string{
		"session_id": id,
		"sql":        "DELETE FROM items",
		"format":     "csv",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetQueryMultibyteShortQuestionIs400(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.registry.Create(&fakeHandle{})

	// 5 characters, 15 bytes: the guard must count characters.
	rec := fx.postJSON(t, "/api/get-query", map[string]string{
		"session_id": id,
		"question":   "有几张表呢",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["success"] != false {
		t.Fatalf("success = %v", payload["success"])
	}
	if payload["error"] != assist.ShortQuestionMessage {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestGetQueryMultibyteQuestionPassesGuard(t *testing.T) {
	fx := newFixture(t, func(_ *config.Config, deps *Dependencies) {
		fake := deps.LLM.(*fakeLLM)
		fake.queryOutput.Query = "SELECT label FROM items"
		fake.completions = []string{"两件物品。", "yes"}
	})
	id := fx.registry.Create(&fakeHandle{
		schema: "CREATE TABLE items (id INTEGER, label TEXT)",
		results: map[string]dataset.Result{
			"SELECT label FROM items": {
				Columns: []string{"label"},
				Rows:    [][]any{{"bolt"}},
				HasRows: true,
			},
		},
	})

	// 10 characters even though every one is multibyte.
	rec := fx.postJSON(t, "/api/get-query", map[string]string{
		"session_id": id,
		"question":   "数据库里有几件物品？",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["success"] != true {
		t.Fatal("expected success envelope")
	}
}

type clockAdvancingLLM struct {
	clock   *time.Time
	advance time.Duration
	query   string
}

func (c *clockAdvancingLLM) Complete(context.Context, string) (string, error) {
	return "yes", nil
}

func (c *clockAdvancingLLM) CompleteQuery(context.Context, string) (llm.QueryOutput, error) {
	*c.clock = c.clock.Add(c.advance)
	return llm.QueryOutput{Query: c.query}, nil
}

func TestGetQueryRefreshesSessionAfterRun(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	cfg, err := config.Load("sqlassist-api", func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	ttl := cfg.Session.TTL
	registry := session.NewRegistry(session.Options{
		TTL: ttl,
		Now: func() time.Time { return *clock },
	})
	handler := NewHandler(cfg, Dependencies{
		Registry:     registry,
		Materializer: upload.NewMaterializer(t.TempDir(), 3),
		LLM: &clockAdvancingLLM{
			clock:   clock,
			advance: ttl - 10*time.Second,
			query:   "SELECT label FROM items",
		},
		Now: func() time.Time { return *clock },
	})

	id := registry.Create(&fakeHandle{
		schema: "CREATE TABLE items (id INTEGER, label TEXT)",
		results: map[string]dataset.Result{
			"SELECT label FROM items": {
				Columns: []string{"label"},
				Rows:    [][]any{{"bolt"}},
				HasRows: true,
			},
		},
	})

	body, _ := json.Marshal(map[string]string{
		"session_id": id,
		"question":   "How many items are there?",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/get-query", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Liveness must date from the end of the run, not its start: more than
	// one TTL has passed since the pre-run lookup, less than one since the
	// response was written.
	now = now.Add(ttl - 10*time.Second)
	if _, err := registry.Get(id); err != nil {
		t.Fatalf("session expired despite post-run refresh: %v", err)
	}
}
