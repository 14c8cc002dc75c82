package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/llm"
)

type fakeHandle struct {
	dialect    string
	catalogSQL string
	schema     string
	schemaErr  error
	results    map[string]dataset.Result
	execErr    error
	executed   []string
	panicOn    string
}

func (f *fakeHandle) Dialect() string {
	if f.dialect == "" {
		return "SQLite"
	}
	return f.dialect
}

func (f *fakeHandle) CatalogSQL() string {
	if f.catalogSQL == "" {
		return "SELECT name FROM sqlite_master WHERE type='table';"
	}
	return f.catalogSQL
}

func (f *fakeHandle) DescribeSchema(context.Context) (string, error) {
	return f.schema, f.schemaErr
}

func (f *fakeHandle) Execute(_ context.Context, sqlText string) (dataset.Result, error) {
	if f.panicOn != "" && strings.Contains(sqlText, f.panicOn) {
		panic("engine state corrupted")
	}
	f.executed = append(f.executed, sqlText)
	if f.execErr != nil {
		return dataset.Result{}, f.execErr
	}
	if result, ok := f.results[sqlText]; ok {
		return result, nil
	}
	return dataset.Result{HasRows: true}, nil
}

func (f *fakeHandle) Close() error { return nil }

type fakeLLM struct {
	queryOutput llm.QueryOutput
	queryErr    error
	completions []string
	completeErr error
	calls       int
}

func (f *fakeLLM) Complete(context.Context, string) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.calls < len(f.completions) {
		response := f.completions[f.calls]
		f.calls++
		return response, nil
	}
	return "yes", nil
}

func (f *fakeLLM) CompleteQuery(context.Context, string) (llm.QueryOutput, error) {
	return f.queryOutput, f.queryErr
}

const customersSchema = "CREATE TABLE customers (\n\tid INTEGER,\n\tname TEXT\n)"

func TestPipelineHappyPath(t *testing.T) {
	generated := "SELECT id, name FROM customers LIMIT 5;"
	handle := &fakeHandle{
		schema: customersSchema,
		results: map[string]dataset.Result{
			generated: {
				Columns: []string{"id", "name"},
				Rows:    [][]any{{int64(1), "Alice"}, {int64(2), "Bob"}},
				HasRows: true,
			},
		},
	}
	client := &fakeLLM{
		queryOutput: llm.QueryOutput{Query: generated},
		completions: []string{"The first customers are Alice and Bob.", "yes"},
	}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "List the first 5 customers")
	if result.SQLQuery != generated {
		t.Fatalf("SQLQuery = %q", result.SQLQuery)
	}
	if result.RowCount != 2 || len(result.Results) != 2 {
		t.Fatalf("RowCount = %d, Results = %d", result.RowCount, len(result.Results))
	}
	if result.Results[0]["name"] != "Alice" {
		t.Fatalf("Results[0] = %v", result.Results[0])
	}
	if !strings.Contains(result.Answer, "Alice") {
		t.Fatalf("Answer = %q", result.Answer)
	}
}

func TestGenerationFallbackUsesFirstTable(t *testing.T) {
	handle := &fakeHandle{schema: "CREATE TABLE orders (\n\tid INTEGER\n)"}
	client := &fakeLLM{queryErr: errors.New("provider unreachable")}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "Show me some orders please")
	want := "SELECT * FROM orders LIMIT 5;"
	if result.SQLQuery != want {
		t.Fatalf("SQLQuery = %q, want %q", result.SQLQuery, want)
	}
	if len(handle.executed) == 0 || handle.executed[0] != want {
		t.Fatalf("executed = %v", handle.executed)
	}
	if result.Answer == "" {
		t.Fatal("answer must be populated even on fallback")
	}
}

func TestGenerationFallbackUsesCatalogQueryWithoutTables(t *testing.T) {
	handle := &fakeHandle{schemaErr: errors.New("introspection failed")}
	client := &fakeLLM{queryErr: errors.New("provider unreachable")}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "what tables exist in here?")
	if result.SQLQuery != handle.CatalogSQL() {
		t.Fatalf("SQLQuery = %q, want catalog query", result.SQLQuery)
	}
}

func TestExecutionErrorYieldsEmptyResults(t *testing.T) {
	handle := &fakeHandle{
		schema:  customersSchema,
		execErr: &dataset.ExecutionError{Message: "no such column: nope"},
	}
	client := &fakeLLM{
		queryOutput: llm.QueryOutput{Query: "SELECT nope FROM customers"},
		completeErr: errors.New("provider down"),
	}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "Show the nope column values")
	// answer stage also failed, and validation failure discards the query
	if result.SQLQuery != "" || result.RowCount != 0 || len(result.Results) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.Answer != RejectionAnswer {
		t.Fatalf("Answer = %q", result.Answer)
	}
}

func TestAnswerFallbackTemplate(t *testing.T) {
	handle := &fakeHandle{
		schema: customersSchema,
		results: map[string]dataset.Result{
			"SELECT id FROM customers": {
				Columns: []string{"id"},
				Rows:    [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
				HasRows: true,
			},
		},
	}
	client := &fakeLLM{queryOutput: llm.QueryOutput{Query: "SELECT id FROM customers"}}
	assistant := New(handle, client, Options{})

	state := State{Question: "List customer ids here"}
	state = assistant.writeQuery(context.Background(), state)
	state = assistant.executeQuery(context.Background(), state)
	client.completeErr = errors.New("provider down")
	state = assistant.generateAnswer(context.Background(), state)

	want := "Query executed successfully. Found 3 results."
	if state.Answer != want {
		t.Fatalf("Answer = %q, want %q", state.Answer, want)
	}
}

func TestValidationRejectionDiscardsPayload(t *testing.T) {
	generated := "SELECT id FROM customers LIMIT 5;"
	handle := &fakeHandle{
		schema: customersSchema,
		results: map[string]dataset.Result{
			generated: {Columns: []string{"id"}, Rows: [][]any{{int64(1)}}, HasRows: true},
		},
	}
	client := &fakeLLM{
		queryOutput: llm.QueryOutput{Query: generated},
		completions: []string{"Here is an answer.", "no, this is irrelevant"},
	}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "something entirely unrelated")
	if result.SQLQuery != "" {
		t.Fatalf("SQLQuery = %q, want empty after rejection", result.SQLQuery)
	}
	if result.RowCount != 0 || len(result.Results) != 0 {
		t.Fatalf("RowCount = %d, Results = %v", result.RowCount, result.Results)
	}
	if result.Answer != RejectionAnswer {
		t.Fatalf("Answer = %q", result.Answer)
	}
}

func TestValidationProviderFailureRejects(t *testing.T) {
	handle := &fakeHandle{schema: customersSchema}
	client := &fakeLLM{queryOutput: llm.QueryOutput{Query: "SELECT 1"}}
	assistant := New(handle, client, Options{})

	state := State{Question: "what is one plus zero", Query: "SELECT 1", Answer: "one"}
	client.completeErr = errors.New("provider down")
	state = assistant.validateResult(context.Background(), state)
	if state.Query != "" || state.Answer != RejectionAnswer {
		t.Fatalf("state = %+v", state)
	}
}

func TestValidationVerdictIsIdempotent(t *testing.T) {
	handle := &fakeHandle{schema: customersSchema}
	assistant := New(handle, &fakeLLM{completions: []string{"no", "no"}}, Options{})

	state := State{Question: "list all customers now", Query: "SELECT 1", Answer: "x"}
	first := assistant.validateResult(context.Background(), state)
	second := assistant.validateResult(context.Background(), first)
	if first.Query != second.Query || first.Answer != second.Answer {
		t.Fatalf("verdict changed: first = %+v, second = %+v", first, second)
	}
}

func TestAffectedCountNormalizesToValueColumn(t *testing.T) {
	statement := "DELETE FROM customers WHERE id = 9"
	handle := &fakeHandle{
		schema: customersSchema,
		results: map[string]dataset.Result{
			statement: {Affected: 3},
		},
	}
	assistant := New(handle, &fakeLLM{}, Options{})

	state := assistant.executeQuery(context.Background(), State{Question: "q", Query: statement})
	if len(state.Result.Columns) != 1 || state.Result.Columns[0] != "value" {
		t.Fatalf("Columns = %v", state.Result.Columns)
	}
	if state.Result.RowCount() != 1 || state.Result.Rows[0][0] != int64(3) {
		t.Fatalf("Rows = %v", state.Result.Rows)
	}
}

func TestRowCountMatchesResults(t *testing.T) {
	generated := "SELECT id FROM customers LIMIT 5;"
	handle := &fakeHandle{
		schema: customersSchema,
		results: map[string]dataset.Result{
			generated: {Columns: []string{"id"}, Rows: [][]any{{int64(1)}, {int64(2)}}, HasRows: true},
		},
	}
	client := &fakeLLM{queryOutput: llm.QueryOutput{Query: generated}}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "List two customer ids")
	if result.RowCount != len(result.Results) {
		t.Fatalf("RowCount = %d, len(Results) = %d", result.RowCount, len(result.Results))
	}
	if result.SQLQuery == "" && result.RowCount != 0 {
		t.Fatal("empty sql_query must imply zero rows")
	}
}

func TestOrchestrationPanicIsRecovered(t *testing.T) {
	handle := &fakeHandle{schema: customersSchema, panicOn: "SELECT"}
	client := &fakeLLM{queryOutput: llm.QueryOutput{Query: "SELECT 1"}}

	result := New(handle, client, Options{}).QueryStructured(context.Background(), "trigger the panic path")
	if !strings.HasPrefix(result.Answer, "Error processing query:") {
		t.Fatalf("Answer = %q", result.Answer)
	}
	if result.SQLQuery != "" || len(result.Results) != 0 || result.RowCount != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestFirstTableFromSchema(t *testing.T) {
	cases := []struct {
		schema string
		want   string
	}{
		{"CREATE TABLE customers (\n\tid INTEGER\n)", "customers"},
		{"CREATE TABLE `albums` (id)", "albums"},
		{`CREATE TABLE "tracks" (id)`, "tracks"},
		{"create table invoices(id integer)", "invoices"},
		{"-- preamble\nCREATE TABLE first (a)\nCREATE TABLE second (b)", "first"},
		{"no tables here", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := firstTableFromSchema(tc.schema); got != tc.want {
			t.Fatalf("firstTableFromSchema(%q) = %q, want %q", tc.schema, got, tc.want)
		}
	}
}

func TestRenderRowsEncodesRecords(t *testing.T) {
	table := Table{Columns: []string{"id"}, Rows: [][]any{{int64(7)}}}
	got := renderRows(table)
	want := fmt.Sprintf("[{%q:7}]", "id")
	if got != want {
		t.Fatalf("renderRows() = %q, want %q", got, want)
	}
	if renderRows(Table{}) != "[]" {
		t.Fatalf("renderRows(empty) = %q", renderRows(Table{}))
	}
}
