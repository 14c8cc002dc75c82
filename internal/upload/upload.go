// Package upload turns user-supplied data files into live dataset handles.
// SQLite dumps and .sql scripts materialize into an in-memory SQLite
// database; CSV and parquet files materialize into an in-memory DuckDB
// database. The on-disk copy exists only during materialization.
package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"

	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/storage"
)

// ErrUnsupportedType rejects files whose extension is not an accepted
// dataset format.
var ErrUnsupportedType = errors.New("invalid file type")

var allowedExtensions = map[string]struct{}{
	".sqlite":  {},
	".db":      {},
	".sql":     {},
	".csv":     {},
	".parquet": {},
}

type Materializer struct {
	tempDir    string
	sampleRows int
}

func NewMaterializer(tempDir string, sampleRows int) *Materializer {
	return &Materializer{tempDir: tempDir, sampleRows: sampleRows}
}

// FromReader sniffs the filename extension, stages the content in a
// temporary file, and materializes it into an in-memory engine. The
// temporary file is removed before returning.
func (m *Materializer) FromReader(ctx context.Context, filename string, body io.Reader) (dataset.Handle, error) {
	ext := strings.ToLower(path.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return nil, ErrUnsupportedType
	}

	temp, err := os.CreateTemp(m.tempDir, "sqlassist-upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	tempPath := temp.Name()
	defer func() { _ = os.Remove(tempPath) }()

	if _, err := io.Copy(temp, body); err != nil {
		_ = temp.Close()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := temp.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	switch ext {
	case ".sqlite", ".db":
		return m.materializeSQLiteFile(ctx, tempPath)
	case ".sql":
		return m.materializeSQLScript(ctx, tempPath)
	case ".csv":
		return m.materializeDuckDB(ctx, tempPath, tableNameFromFilename(filename), "read_csv_auto")
	case ".parquet":
		return m.materializeDuckDB(ctx, tempPath, tableNameFromFilename(filename), "read_parquet")
	default:
		return nil, ErrUnsupportedType
	}
}

// FromObjectStore pulls an object from the store and materializes it the
// same way an uploaded file would be.
func (m *Materializer) FromObjectStore(ctx context.Context, store storage.ObjectStore, key string) (dataset.Handle, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	return m.FromReader(ctx, path.Base(key), reader)
}

// materializeSQLiteFile copies every table of an uploaded SQLite database
// into a fresh in-memory database, so the upload never stays on disk.
func (m *Materializer) materializeSQLiteFile(ctx context.Context, sourcePath string) (dataset.Handle, error) {
	db, err := openMemorySQLite()
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE %s AS src", quoteLiteral(sourcePath))); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attach uploaded database: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, sql FROM src.sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read uploaded schema: %w", err)
	}

	type tableDef struct {
		name string
		ddl  string
	}
	var tables []tableDef
	for rows.Next() {
		var def tableDef
		if err := rows.Scan(&def.name, &def.ddl); err != nil {
			_ = rows.Close()
			_ = db.Close()
			return nil, fmt.Errorf("scan uploaded schema: %w", err)
		}
		tables = append(tables, def)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = db.Close()
		return nil, fmt.Errorf("iterate uploaded schema: %w", err)
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table.ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("recreate table %q: %w", table.name, err)
		}
		copyStmt := fmt.Sprintf("INSERT INTO main.%s SELECT * FROM src.%s", quoteIdent(table.name), quoteIdent(table.name))
		if _, err := db.ExecContext(ctx, copyStmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("copy table %q: %w", table.name, err)
		}
	}

	if _, err := db.ExecContext(ctx, "DETACH DATABASE src"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("detach uploaded database: %w", err)
	}
	return dataset.NewSQLiteHandle(db, m.sampleRows), nil
}

// materializeSQLScript executes an uploaded .sql script against a fresh
// in-memory SQLite database.
func (m *Materializer) materializeSQLScript(ctx context.Context, scriptPath string) (dataset.Handle, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read sql script: %w", err)
	}
	db, err := openMemorySQLite()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(script)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execute sql script: %w", err)
	}
	return dataset.NewSQLiteHandle(db, m.sampleRows), nil
}

func (m *Materializer) materializeDuckDB(ctx context.Context, sourcePath, tableName, readFunc string) (dataset.Handle, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s(%s)",
		quoteIdent(tableName), readFunc, quoteLiteral(sourcePath))
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load file into duckdb: %w", err)
	}
	return dataset.NewDuckDBHandle(db, m.sampleRows), nil
}

func openMemorySQLite() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// every pooled connection would get its own empty in-memory database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// tableNameFromFilename derives a usable table name from an uploaded file's
// base name.
func tableNameFromFilename(filename string) string {
	base := path.Base(filename)
	base = strings.TrimSuffix(base, path.Ext(base))
	var builder strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	name := strings.Trim(builder.String(), "_")
	if name == "" {
		return "data"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
