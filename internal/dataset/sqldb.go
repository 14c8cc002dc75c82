package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// dialect captures the engine-specific parts of a SQLHandle.
type dialect struct {
	name       string
	catalogSQL string
	tableNames func(ctx context.Context, db *sql.DB) ([]string, error)
	createStmt func(ctx context.Context, db *sql.DB, table string) (string, error)
}

// SQLHandle adapts any database/sql engine to the Handle contract.
type SQLHandle struct {
	db         *sql.DB
	dialect    dialect
	sampleRows int
}

func newSQLHandle(db *sql.DB, d dialect, sampleRows int) *SQLHandle {
	if sampleRows < 0 {
		sampleRows = 0
	}
	return &SQLHandle{db: db, dialect: d, sampleRows: sampleRows}
}

// NewSQLiteHandle wraps an already-materialized SQLite database.
func NewSQLiteHandle(db *sql.DB, sampleRows int) *SQLHandle {
	return newSQLHandle(db, sqliteDialect, sampleRows)
}

// NewDuckDBHandle wraps an already-materialized DuckDB database.
func NewDuckDBHandle(db *sql.DB, sampleRows int) *SQLHandle {
	return newSQLHandle(db, duckdbDialect, sampleRows)
}

// NewPostgresHandle wraps a live PostgreSQL connection pool.
func NewPostgresHandle(db *sql.DB, sampleRows int) *SQLHandle {
	return newSQLHandle(db, postgresDialect, sampleRows)
}

func (h *SQLHandle) Dialect() string {
	return h.dialect.name
}

func (h *SQLHandle) CatalogSQL() string {
	return h.dialect.catalogSQL
}

func (h *SQLHandle) Close() error {
	return h.db.Close()
}

func (h *SQLHandle) DescribeSchema(ctx context.Context) (string, error) {
	tables, err := h.dialect.tableNames(ctx, h.db)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}

	var builder strings.Builder
	for i, table := range tables {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		stmt, err := h.dialect.createStmt(ctx, h.db, table)
		if err != nil {
			return "", fmt.Errorf("describe table %q: %w", table, err)
		}
		builder.WriteString(stmt)
		if h.sampleRows > 0 {
			sample, err := h.sampleTable(ctx, table)
			if err == nil && sample != "" {
				builder.WriteString("\n")
				builder.WriteString(sample)
			}
		}
	}
	return builder.String(), nil
}

func (h *SQLHandle) sampleTable(ctx context.Context, table string) (string, error) {
	result, err := h.Execute(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), h.sampleRows))
	if err != nil || !result.HasRows {
		return "", err
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "/*\n%d rows from %s table:\n", len(result.Rows), table)
	builder.WriteString(strings.Join(result.Columns, "\t"))
	builder.WriteString("\n")
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = fmt.Sprint(value)
		}
		builder.WriteString(strings.Join(cells, "\t"))
		builder.WriteString("\n")
	}
	builder.WriteString("*/")
	return builder.String(), nil
}

func (h *SQLHandle) Execute(ctx context.Context, sqlText string) (Result, error) {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return Result{}, &ExecutionError{Message: "empty statement"}
	}

	if !returnsRows(trimmed) {
		execResult, err := h.db.ExecContext(ctx, trimmed)
		if err != nil {
			return Result{}, &ExecutionError{Message: err.Error()}
		}
		affected, err := execResult.RowsAffected()
		if err != nil {
			affected = 0
		}
		return Result{Affected: affected}, nil
	}

	rows, err := h.db.QueryContext(ctx, trimmed)
	if err != nil {
		return Result{}, &ExecutionError{Message: err.Error()}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, &ExecutionError{Message: err.Error()}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, &ExecutionError{Message: err.Error()}
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, &ExecutionError{Message: err.Error()}
	}

	return Result{Columns: columns, Rows: resultRows, HasRows: true}, nil
}

// returnsRows classifies a statement by its leading keyword; anything else
// goes through Exec and reports an affected count.
func returnsRows(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	for _, prefix := range []string{"select", "with", "show", "pragma", "describe", "values", "explain"} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
