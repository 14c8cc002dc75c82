package dataset

import "context"

// Result is the outcome of one statement: either a row set or an affected
// count, never both.
type Result struct {
	Columns  []string
	Rows     [][]any
	HasRows  bool
	Affected int64
}

// ExecutionError carries the SQL engine's message verbatim. Callers display
// or log it without rewording.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// Handle owns a live engine bound to one dataset. Statements are not
// sandboxed; they may mutate the dataset the caller supplied.
type Handle interface {
	// Dialect names the SQL dialect for prompt construction.
	Dialect() string
	// CatalogSQL is the dialect's list-all-tables introspection query.
	CatalogSQL() string
	// DescribeSchema renders CREATE TABLE declarations for every table
	// actually present, with a few sample rows per table.
	DescribeSchema(ctx context.Context) (string, error)
	Execute(ctx context.Context, sqlText string) (Result, error)
	Close() error
}
