// Package sqlite stores mirrored tables in a single-file SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage/sqlsink"
	_ "modernc.org/sqlite"
)

// Dialect maps tables onto SQLite storage classes.
var Dialect = sqlsink.Dialect{
	Name:           "sqlite",
	ColumnType:     ColumnType,
	TableExistsSQL: `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
	ColumnsSQL:     `SELECT name FROM pragma_table_info(?)`,
}

// Open opens (creating if needed) the database at dsn.
func Open(ctx context.Context, dsn string) (*sqlsink.Sink, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db.SetMaxOpenConns(1)
	return sqlsink.New(db, Dialect), nil
}

// ColumnType returns the SQLite type affinity for a column.
func ColumnType(col schema.Column) string {
	pt := schema.ParsePGType(col.Type)
	if pt.Array {
		return "TEXT"
	}
	switch pt.Base {
	case "smallint", "integer", "bigint", "boolean", "oid":
		return "INTEGER"
	case "real", "double precision":
		return "REAL"
	case "numeric", "money":
		return "NUMERIC"
	case "bytea":
		return "BLOB"
	default:
		return "TEXT"
	}
}

func ensureSQLitePath(dsn string) error {
	path := dsn
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
