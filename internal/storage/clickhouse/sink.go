// Package clickhouse mirrors tables into ClickHouse ReplacingMergeTree tables.
//
// Every table carries two extra columns. _version orders row versions (0 for
// snapshot rows, the WAL position for streamed ones) and _sign is -1 for
// deleted rows. Readers query with FINAL and filter on _sign = 1.
package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	signColumn    = "_sign"
	versionColumn = "_version"
)

// Sink writes mirrored tables into one ClickHouse database.
type Sink struct {
	db       *sql.DB
	database string
}

// Open connects to ClickHouse and creates the target database.
func Open(ctx context.Context, dsn, database string) (*Sink, error) {
	if dsn == "" {
		return nil, errors.New("clickhouse dsn is required")
	}
	if database == "" {
		return nil, errors.New("clickhouse database is required")
	}
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", quoteIdent(database))); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create database: %w", err)
	}
	return &Sink{db: db, database: database}, nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Sink) target(name string) string {
	return quoteIdent(s.database) + "." + quoteIdent(name)
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
		if _, err := s.db.ExecContext(ctx, CreateTableSQL(s.database, name, def)); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		return nil
	}

	existing, err := s.columns(ctx, name)
	if err != nil {
		return err
	}
	for _, stmt := range AddColumnsSQL(s.database, name, def, existing) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("alter table %s: %w", name, err)
		}
	}
	return nil
}

func (s *Sink) columns(ctx context.Context, name string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM system.columns WHERE database = ? AND table = ?`, s.database, name)
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

func (s *Sink) TruncateTable(ctx context.Context, def schema.Table) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s", s.target(localName(def)))); err != nil {
		return fmt.Errorf("truncate table: %w", err)
	}
	return nil
}

func (s *Sink) DropTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.target(name))); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	return nil
}

func (s *Sink) TableExists(ctx context.Context, name string) (bool, error) {
	var count uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT count() FROM system.tables WHERE database = ? AND name = ?`, s.database, name).Scan(&count); err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return count > 0, nil
}

// Insert writes snapshot rows with version 0.
func (s *Sink) Insert(ctx context.Context, def schema.Table, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	batch := newBatch(def)
	for _, row := range rows {
		if err := storage.NormalizeRow(row); err != nil {
			return err
		}
		if err := batch.add(columns, row, 1, 0); err != nil {
			return err
		}
	}
	return s.flush(ctx, localName(def), batch)
}

// Apply writes streamed changes as new row versions.
func (s *Sink) Apply(ctx context.Context, def schema.Table, changes []storage.Change) error {
	name := localName(def)
	batch := newBatch(def)
	for _, change := range changes {
		switch change.Op {
		case storage.OpTruncate:
			if err := s.flush(ctx, name, batch); err != nil {
				return err
			}
			batch = newBatch(def)
			if err := s.TruncateTable(ctx, def); err != nil {
				return err
			}
		case storage.OpDelete:
			cols, vals, err := storage.KeyValues(change.Key)
			if err != nil {
				return err
			}
			if len(cols) == 0 {
				return fmt.Errorf("delete on %s requires a key", name)
			}
			if err := batch.add(cols, vals, -1, change.Version); err != nil {
				return err
			}
		case storage.OpInsert, storage.OpUpdate:
			cols, vals, err := storage.RowValues(def, change.Values)
			if err != nil {
				return err
			}
			if len(change.Unchanged) > 0 {
				cols, vals, err = s.fillUnchanged(ctx, name, def, change, cols, vals)
				if err != nil {
					return err
				}
			}
			if change.Op == storage.OpUpdate && keyChanged(change) {
				keyCols, keyVals, err := storage.KeyValues(change.Key)
				if err != nil {
					return err
				}
				if err := batch.add(keyCols, keyVals, -1, change.Version); err != nil {
					return err
				}
			}
			if err := batch.add(cols, vals, 1, change.Version); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported operation %q", change.Op)
		}
	}
	return s.flush(ctx, name, batch)
}

// fillUnchanged copies TOASTed values the stream omitted from the latest
// stored version of the row.
func (s *Sink) fillUnchanged(ctx context.Context, name string, def schema.Table, change storage.Change, cols []string, vals []any) ([]string, []any, error) {
	key := change.Key
	if len(key) == 0 {
		key = map[string]any{}
		for _, pk := range def.PrimaryKey {
			key[pk] = change.Values[pk]
		}
	}
	keyCols, keyVals, err := storage.KeyValues(key)
	if err != nil {
		return nil, nil, err
	}
	if len(keyCols) == 0 {
		return cols, vals, nil
	}

	where := make([]string, 0, len(keyCols))
	for _, col := range keyCols {
		where = append(where, quoteIdent(col)+" = ?")
	}
	query := fmt.Sprintf("SELECT %s FROM %s FINAL WHERE %s AND %s = 1 LIMIT 1",
		quoteColumns(change.Unchanged), s.target(name), strings.Join(where, " AND "), quoteIdent(signColumn))

	dest := make([]any, len(change.Unchanged))
	holders := make([]any, len(change.Unchanged))
	for i := range dest {
		holders[i] = &dest[i]
	}
	if err := s.db.QueryRowContext(ctx, query, keyVals...).Scan(holders...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cols, vals, nil
		}
		return nil, nil, fmt.Errorf("load unchanged columns: %w", err)
	}
	cols = append(cols, change.Unchanged...)
	vals = append(vals, dest...)
	return cols, vals, nil
}

func keyChanged(change storage.Change) bool {
	if len(change.Key) == 0 {
		return false
	}
	for col, old := range change.Key {
		if fmt.Sprint(old) != fmt.Sprint(change.Values[col]) {
			return true
		}
	}
	return false
}

func (s *Sink) flush(ctx context.Context, name string, b *batch) error {
	if b.empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, group := range b.groups {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s)", s.target(name), quoteColumns(group.columns)))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare insert into %s: %w", name, err)
		}
		for _, row := range group.rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				return fmt.Errorf("append row to %s: %w", name, err)
			}
		}
		_ = stmt.Close()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send batch to %s: %w", name, err)
	}
	return nil
}

type rowGroup struct {
	columns []string
	rows    [][]any
}

// batch collects rows by column list, since deletes and TOASTed updates
// carry fewer columns than full rows.
type batch struct {
	types  map[string]string
	groups []*rowGroup
	index  map[string]*rowGroup
}

func newBatch(def schema.Table) *batch {
	types := make(map[string]string, len(def.Columns))
	keys := keySet(def)
	for _, col := range def.Columns {
		_, isKey := keys[col.Name]
		types[col.Name] = ColumnType(col, isKey)
	}
	return &batch{types: types, index: map[string]*rowGroup{}}
}

func (b *batch) empty() bool {
	return len(b.groups) == 0
}

func (b *batch) add(columns []string, values []any, sign int8, version uint64) error {
	if len(columns) != len(values) {
		return fmt.Errorf("row has %d values for %d columns", len(values), len(columns))
	}
	row := make([]any, 0, len(values)+2)
	for i, value := range values {
		converted, err := convertValue(b.types[columns[i]], value)
		if err != nil {
			return fmt.Errorf("column %s: %w", columns[i], err)
		}
		row = append(row, converted)
	}
	row = append(row, sign, version)

	signature := strings.Join(columns, "\x00")
	group, ok := b.index[signature]
	if !ok {
		cols := append(append([]string(nil), columns...), signColumn, versionColumn)
		group = &rowGroup{columns: cols}
		b.index[signature] = group
		b.groups = append(b.groups, group)
	}
	group.rows = append(group.rows, row)
	return nil
}

// convertValue adapts normalized values to what the ClickHouse driver
// expects for the column type.
func convertValue(chType string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	base := strings.TrimSuffix(strings.TrimPrefix(chType, "Nullable("), ")")
	if !strings.HasPrefix(base, "Decimal") {
		return value, nil
	}
	switch v := value.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", v, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return value, nil
}

func keySet(def schema.Table) map[string]struct{} {
	keys := make(map[string]struct{}, len(def.PrimaryKey))
	for _, pk := range def.PrimaryKey {
		keys[pk] = struct{}{}
	}
	return keys
}

func quoteColumns(cols []string) string {
	quoted := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(col))
	}
	return strings.Join(quoted, ", ")
}

func quoteIdent(value string) string {
	escaped := strings.ReplaceAll(value, "`", "``")
	return "`" + escaped + "`"
}
