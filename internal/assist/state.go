package assist

// Table is a normalized tabular result: ordered columns, rows in engine
// order.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t Table) RowCount() int {
	return len(t.Rows)
}

// Records renders the table as one mapping per row, keyed by column name.
func (t Table) Records() []map[string]any {
	records := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		record := make(map[string]any, len(t.Columns))
		for i, column := range t.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

// State is the pipeline's working value, one per question. Query == ""
// means no generated SQL; in that case Result is always empty.
type State struct {
	Question string
	Query    string
	Result   Table
	Answer   string
}

// QueryResult is the immutable snapshot handed back to the caller.
type QueryResult struct {
	Question string
	SQLQuery string
	Results  []map[string]any
	Answer   string
	RowCount int
}

func snapshot(state State) QueryResult {
	records := state.Result.Records()
	return QueryResult{
		Question: state.Question,
		SQLQuery: state.Query,
		Results:  records,
		Answer:   state.Answer,
		RowCount: len(records),
	}
}
