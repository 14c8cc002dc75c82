// Package assist runs the natural-language-to-SQL pipeline: generate a
// query, execute it, phrase an answer, then validate the query against the
// question. The machine is strictly linear; every stage recovers locally
// and the run always reaches a result.
package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/llm"
	"github.com/sqlassist/sqlassist/internal/observability"
)

// MinQuestionLength is enforced by the HTTP boundary before a run starts.
const MinQuestionLength = 10

const (
	// RejectionAnswer replaces everything when validation discards the query.
	RejectionAnswer = "The SQL query could not be validated for your question. Please ask a clearer question."
	// ShortQuestionMessage is the boundary's fixed response to sub-length questions.
	ShortQuestionMessage = "Question too short. Please ask a clearer question."

	defaultTopK      = 5
	fallbackRowLimit = 5
)

type Options struct {
	TopK   int
	Logger *slog.Logger
}

// Assistant binds one Database Handle and one Completion Client for the
// lifetime of a session's questions.
type Assistant struct {
	db     dataset.Handle
	llm    llm.Client
	topK   int
	logger *slog.Logger
}

func New(db dataset.Handle, client llm.Client, opts Options) *Assistant {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Assistant{db: db, llm: client, topK: topK, logger: logger}
}

// QueryStructured runs the full pipeline for one question. It never returns
// an error: leaf failures degrade stage by stage, and a panic in the
// orchestration itself is converted into a result whose answer explains the
// failure.
func (a *Assistant) QueryStructured(ctx context.Context, question string) (result QueryResult) {
	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("pipeline orchestration failed",
				slog.String("question", question),
				slog.Any("panic", recovered))
			result = QueryResult{
				Question: question,
				Results:  []map[string]any{},
				Answer:   fmt.Sprintf("Error processing query: %v", recovered),
			}
		}
		observability.ObservePipelineRun(time.Since(start))
	}()

	state := State{Question: question}
	state = a.writeQuery(ctx, state)
	state = a.executeQuery(ctx, state)
	state = a.generateAnswer(ctx, state)
	state = a.validateResult(ctx, state)
	return snapshot(state)
}

// writeQuery is the Start -> Generated transition. Failure order: structured
// generation, then the first CREATE TABLE name from the schema description,
// then the dialect's catalog query.
func (a *Assistant) writeQuery(ctx context.Context, state State) State {
	schema, err := a.db.DescribeSchema(ctx)
	if err != nil {
		a.logger.Warn("schema description failed", slog.Any("error", err))
		schema = ""
	}

	if schema != "" {
		output, err := a.llm.CompleteQuery(ctx, a.generationPrompt(schema, state.Question))
		if err == nil {
			state.Query = output.Query
			return state
		}
		a.logger.Warn("structured query generation failed", slog.Any("error", err))
	}

	observability.IncrementStageFallback("generate")
	if table := firstTableFromSchema(schema); table != "" {
		state.Query = fmt.Sprintf("SELECT * FROM %s LIMIT %d;", table, fallbackRowLimit)
	} else {
		state.Query = a.db.CatalogSQL()
	}
	a.logger.Info("using fallback query", slog.String("query", state.Query))
	return state
}

// executeQuery is the Generated -> Executed transition. Engine errors and
// empty results both collapse to an empty table; statements that return an
// affected count instead of rows normalize to a one-column "value" table.
func (a *Assistant) executeQuery(ctx context.Context, state State) State {
	if state.Query == "" {
		return state
	}

	result, err := a.db.Execute(ctx, state.Query)
	if err != nil {
		a.logger.Warn("query execution failed",
			slog.String("query", state.Query),
			slog.Any("error", err))
		observability.IncrementStageFallback("execute")
		state.Result = Table{}
		return state
	}

	if result.HasRows {
		state.Result = Table{Columns: result.Columns, Rows: result.Rows}
		return state
	}
	state.Result = Table{Columns: []string{"value"}, Rows: [][]any{{result.Affected}}}
	return state
}

// generateAnswer is the Executed -> Answered transition.
func (a *Assistant) generateAnswer(ctx context.Context, state State) State {
	answer, err := a.llm.Complete(ctx, a.answerPrompt(state))
	if err != nil {
		a.logger.Warn("answer generation failed", slog.Any("error", err))
		observability.IncrementStageFallback("answer")
		state.Answer = fmt.Sprintf("Query executed successfully. Found %d results.", state.Result.RowCount())
		return state
	}
	state.Answer = strings.TrimSpace(answer)
	return state
}

// validateResult is the Answered -> Validated transition. It is a pure gate
// over (question, query): it never re-runs generation, and any verdict other
// than "yes" (provider failure included) discards the payload.
func (a *Assistant) validateResult(ctx context.Context, state State) State {
	verdict, err := a.llm.Complete(ctx, a.validationPrompt(state))
	valid := err == nil && strings.Contains(strings.ToLower(verdict), "yes")
	if err != nil {
		a.logger.Warn("validation call failed", slog.Any("error", err))
	}
	if !valid {
		observability.IncrementValidationRejection()
		state.Query = ""
		state.Result = Table{}
		state.Answer = RejectionAnswer
	}
	return state
}

func (a *Assistant) generationPrompt(schema, question string) string {
	return fmt.Sprintf(`You are a SQL assistant. Generate a syntactically correct %s query to answer the user's question.
Unless the user specifies in his question a specific number of examples they wish to obtain, always limit your query to at most %d results. You can order the results by a relevant column to return the most interesting examples in the database.
Never query for all the columns from a specific table, only ask for the few relevant columns given the question.
Pay attention to use only the column names that you can see in the schema description. Be careful to not query for columns that do not exist. Also, pay attention to which column is in which table.

IMPORTANT: Only use the following tables and their exact names:
%s

If the user asks for "first 5 rows" or similar, use the FIRST table name from the schema above.
Do NOT use placeholder names like 'your_table' - use the actual table names provided.

Question: %s`, a.db.Dialect(), a.topK, schema, question)
}

func (a *Assistant) answerPrompt(state State) string {
	return fmt.Sprintf("Given the following user question, corresponding SQL query, and SQL result, answer the user question if possible be insightful\n\nQuestion: %s\nSQL Query: %s\nSQL Result: %s",
		state.Question, state.Query, renderRows(state.Result))
}

func (a *Assistant) validationPrompt(state State) string {
	return fmt.Sprintf(`You are an SQL validation assistant.

A user asked a natural language question and a SQL query was generated.
Your task is to check if the SQL query can reasonably answer the user's question.

User question: %q
Generated SQL query: %q

Please answer in plain English:
- If the query is correct or mostly correct, say: "yes"
- If the query is incorrect, clearly irrelevant, or meaningless, say: "no"
- Consider that partial correctness is acceptable if the query returns relevant information

Do not generate SQL or execute anything, just validate the query.`, state.Question, state.Query)
}

func renderRows(table Table) string {
	if table.RowCount() == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(table.Records())
	if err != nil {
		return fmt.Sprint(table.Rows)
	}
	return string(encoded)
}

// firstTableFromSchema recovers the first declared table name from a schema
// description by scanning for a CREATE TABLE line. Brittle by construction;
// the catalog query backstops it.
func firstTableFromSchema(schema string) string {
	for _, line := range strings.Split(schema, "\n") {
		upper := strings.ToUpper(line)
		index := strings.Index(upper, "CREATE TABLE")
		if index < 0 {
			continue
		}
		rest := strings.Fields(line[index+len("CREATE TABLE"):])
		if len(rest) == 0 {
			continue
		}
		name := rest[0]
		if paren := strings.Index(name, "("); paren >= 0 {
			name = name[:paren]
		}
		name = strings.Trim(name, "`\"[]")
		if name != "" {
			return name
		}
	}
	return ""
}
