package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var sqliteDialect = dialect{
	name:       "SQLite",
	catalogSQL: "SELECT name FROM sqlite_master WHERE type='table';",
	tableNames: func(ctx context.Context, db *sql.DB) ([]string, error) {
		return scanStrings(ctx, db,
			`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	},
	createStmt: func(ctx context.Context, db *sql.DB, table string) (string, error) {
		var stmt sql.NullString
		err := db.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&stmt)
		if err != nil {
			return "", err
		}
		if stmt.Valid && strings.TrimSpace(stmt.String) != "" {
			return stmt.String, nil
		}
		return buildCreateStmt(ctx, db, table,
			`SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table)
	},
}

var duckdbDialect = dialect{
	name:       "DuckDB",
	catalogSQL: "SELECT table_name FROM information_schema.tables WHERE table_schema = 'main';",
	tableNames: func(ctx context.Context, db *sql.DB) ([]string, error) {
		return scanStrings(ctx, db,
			`SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name`)
	},
	createStmt: func(ctx context.Context, db *sql.DB, table string) (string, error) {
		return buildCreateStmt(ctx, db, table,
			`SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = 'main' AND table_name = ? ORDER BY ordinal_position`, table)
	},
}

var postgresDialect = dialect{
	name:       "PostgreSQL",
	catalogSQL: "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public';",
	tableNames: func(ctx context.Context, db *sql.DB) ([]string, error) {
		return scanStrings(ctx, db,
			`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`)
	},
	createStmt: func(ctx context.Context, db *sql.DB, table string) (string, error) {
		return buildCreateStmt(ctx, db, table,
			`SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`, table)
	},
}

func scanStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// buildCreateStmt synthesizes a CREATE TABLE declaration from column
// introspection for engines that do not retain the original DDL text.
func buildCreateStmt(ctx context.Context, db *sql.DB, table, columnQuery string, args ...any) (string, error) {
	rows, err := db.QueryContext(ctx, columnQuery, args...)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return "", err
		}
		columns = append(columns, fmt.Sprintf("\t%s %s", name, dataType))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("table %q has no columns", table)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", table, strings.Join(columns, ",\n")), nil
}
