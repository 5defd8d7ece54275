// Package sqlsink mirrors tables into embedded SQL databases through
// database/sql. Dialects supply type mapping and catalog queries.
package sqlsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage"
)

// Dialect describes one embedded database.
type Dialect struct {
	Name       string
	ColumnType func(col schema.Column) string
	// TableExistsSQL counts tables with the name bound to its one placeholder.
	TableExistsSQL string
	// ColumnsSQL lists column names of the table bound to its one placeholder.
	ColumnsSQL string
}

// Sink writes mirrored tables with keyed deletes and inserts.
type Sink struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Sink {
	return &Sink{db: db, dialect: dialect}
}

// DB exposes the underlying handle.
func (s *Sink) DB() *sql.DB {
	return s.db
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func localName(def schema.Table) string {
	return storage.LocalName(def.QualifiedName())
}

// EnsureTable creates the table, or adds columns missing from an existing one.
func (s *Sink) EnsureTable(ctx context.Context, def schema.Table) error {
	name := localName(def)
	exists, err := s.TableExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := s.db.ExecContext(ctx, CreateTableSQL(name, def, s.dialect.ColumnType)); err != nil {
			return fmt.Errorf("create %s table %s: %w", s.dialect.Name, name, err)
		}
		return nil
	}

	existing, err := s.columns(ctx, name)
	if err != nil {
		return err
	}
	for _, col := range def.Columns {
		if _, ok := existing[col.Name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(name), quoteIdent(col.Name), s.dialect.ColumnType(col))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s to %s: %w", col.Name, name, err)
		}
	}
	return nil
}

func (s *Sink) columns(ctx context.Context, name string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.ColumnsSQL, name)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out[col] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return out, nil
}

func (s *Sink) TableExists(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, s.dialect.TableExistsSQL, name).Scan(&count); err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *Sink) TruncateTable(ctx context.Context, def schema.Table) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(localName(def)))); err != nil {
		return fmt.Errorf("truncate table: %w", err)
	}
	return nil
}

func (s *Sink) DropTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	return nil
}

// Insert writes one block of snapshot rows in a transaction.
func (s *Sink) Insert(ctx context.Context, def schema.Table, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	name := localName(def)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(name, columns))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert into %s: %w", name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if err := storage.NormalizeRow(row); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Apply writes streamed changes in one transaction.
func (s *Sink) Apply(ctx context.Context, def schema.Table, changes []storage.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, change := range changes {
		if err := applyChange(ctx, tx, def, change); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func applyChange(ctx context.Context, tx *sql.Tx, def schema.Table, change storage.Change) error {
	name := localName(def)
	switch change.Op {
	case storage.OpTruncate:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(name))); err != nil {
			return fmt.Errorf("truncate %s: %w", name, err)
		}
		return nil
	case storage.OpDelete:
		if len(change.Key) == 0 {
			return fmt.Errorf("delete on %s requires a key", name)
		}
		return deleteRow(ctx, tx, name, change.Key)
	case storage.OpInsert, storage.OpUpdate:
	default:
		return fmt.Errorf("unsupported operation %q", change.Op)
	}

	cols, vals, err := storage.RowValues(def, change.Values)
	if err != nil {
		return err
	}
	key := rowKey(def, change)
	if change.Op == storage.OpUpdate && len(key) == 0 {
		return fmt.Errorf("update on %s requires a key", name)
	}

	if change.Op == storage.OpUpdate && len(change.Unchanged) > 0 {
		return updateRow(ctx, tx, name, key, cols, vals)
	}
	if len(key) > 0 {
		if err := deleteRow(ctx, tx, name, key); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, insertSQL(name, cols), vals...); err != nil {
		return fmt.Errorf("insert into %s: %w", name, err)
	}
	return nil
}

// rowKey returns the identity of the row a change replaces: the old key
// when the stream sent one, else the primary key of the new row.
func rowKey(def schema.Table, change storage.Change) map[string]any {
	if len(change.Key) > 0 {
		return change.Key
	}
	if len(def.PrimaryKey) == 0 {
		return nil
	}
	key := make(map[string]any, len(def.PrimaryKey))
	for _, pk := range def.PrimaryKey {
		key[pk] = change.Values[pk]
	}
	return key
}

func deleteRow(ctx context.Context, tx *sql.Tx, name string, key map[string]any) error {
	where, args, err := whereFromKey(key)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(name), where), args...); err != nil {
		return fmt.Errorf("delete from %s: %w", name, err)
	}
	return nil
}

func updateRow(ctx context.Context, tx *sql.Tx, name string, key map[string]any, cols []string, vals []any) error {
	if len(cols) == 0 {
		return nil
	}
	set := make([]string, 0, len(cols))
	for _, col := range cols {
		set = append(set, quoteIdent(col)+" = ?")
	}
	where, whereArgs, err := whereFromKey(key)
	if err != nil {
		return err
	}
	args := append(append([]any(nil), vals...), whereArgs...)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(name), strings.Join(set, ", "), where)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	return nil
}

// CreateTableSQL returns the DDL for a mirrored table.
func CreateTableSQL(name string, def schema.Table, columnType func(schema.Column) string) string {
	defs := make([]string, 0, len(def.Columns)+1)
	for _, col := range def.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col.Name), columnType(col)))
	}
	if len(def.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteColumns(def.PrimaryKey)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
}

func insertSQL(name string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), quoteColumns(cols), placeholders(len(cols)))
}

func whereFromKey(key map[string]any) (string, []any, error) {
	cols, args, err := storage.KeyValues(key)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, errors.New("empty row key")
	}
	parts := make([]string, 0, len(cols))
	for i, col := range cols {
		if args[i] == nil {
			parts = append(parts, quoteIdent(col)+" IS NULL")
			continue
		}
		parts = append(parts, quoteIdent(col)+" = ?")
	}
	filtered := args[:0]
	for _, arg := range args {
		if arg != nil {
			filtered = append(filtered, arg)
		}
	}
	return strings.Join(parts, " AND "), filtered, nil
}

func quoteColumns(cols []string) string {
	quoted := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(col))
	}
	return strings.Join(quoted, ", ")
}

func placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimRight(strings.Repeat("?,", count), ",")
}

func quoteIdent(value string) string {
	escaped := strings.ReplaceAll(value, `"`, `""`)
	return `"` + escaped + `"`
}
