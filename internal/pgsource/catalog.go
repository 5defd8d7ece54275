package pgsource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/josephjohncox/pgmirror/internal/replica"
	"github.com/josephjohncox/pgmirror/internal/schema"
)

// Catalog reads table definitions from the PostgreSQL system catalogs.
type Catalog struct{}

// FetchTable loads the columns and primary key of a schema-qualified table.
// When useNulls is false every column is reported as NOT NULL.
func (Catalog) FetchTable(ctx context.Context, q replica.Querier, table string, useNulls bool) (schema.Table, error) {
	namespace, name, err := replica.SplitTable(table)
	if err != nil {
		return schema.Table{}, err
	}

	rows, err := q.Query(ctx,
		`SELECT a.attname,
		        NOT a.attnotnull AS is_nullable,
		        format_type(a.atttypid, a.atttypmod) AS data_type,
		        a.atttypid
		 FROM pg_class c
		 JOIN pg_namespace ns ON ns.oid = c.relnamespace
		 JOIN pg_attribute a ON a.attrelid = c.oid
		 WHERE ns.nspname = $1
		   AND c.relname = $2
		   AND a.attnum > 0
		   AND NOT a.attisdropped
		 ORDER BY a.attnum`, namespace, name)
	if err != nil {
		return schema.Table{}, classify(fmt.Errorf("load schema: %w", err))
	}
	defer rows.Close()

	out := schema.Table{Namespace: namespace, Name: name}
	for rows.Next() {
		var col schema.Column
		if err := rows.Scan(&col.Name, &col.Nullable, &col.Type, &col.OID); err != nil {
			return schema.Table{}, fmt.Errorf("scan schema row: %w", err)
		}
		if !useNulls {
			col.Nullable = false
		}
		out.Columns = append(out.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return schema.Table{}, classify(fmt.Errorf("iterate schema: %w", err))
	}
	if len(out.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("table %s not found", table)
	}

	keys, err := primaryKeys(ctx, q, namespace, name)
	if err != nil {
		return schema.Table{}, err
	}
	out.PrimaryKey = keys
	return out, nil
}

func primaryKeys(ctx context.Context, q replica.Querier, namespace, table string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT a.attname
		 FROM pg_index i
		 JOIN pg_class c ON c.oid = i.indrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
		 WHERE i.indisprimary
		   AND n.nspname = $1
		   AND c.relname = $2
		 ORDER BY array_position(i.indkey, a.attnum)`, namespace, table)
	if err != nil {
		return nil, classify(fmt.Errorf("load primary keys: %w", err))
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		keys = append(keys, col)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate primary keys: %w", err))
	}
	return keys, nil
}

// ListTables returns the base tables of the given schemas as schema.table.
func (Catalog) ListTables(ctx context.Context, q replica.Querier, schemas []string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT table_schema, table_name
		 FROM information_schema.tables
		 WHERE table_type = 'BASE TABLE'
		   AND table_schema = ANY($1)
		 ORDER BY table_schema, table_name`, schemas)
	if err != nil {
		return nil, classify(fmt.Errorf("list tables: %w", err))
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var namespace, name string
		if err := rows.Scan(&namespace, &name); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, namespace+"."+name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate tables: %w", err))
	}
	return tables, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ValidateLogicalReplication checks the server settings logical decoding needs.
func ValidateLogicalReplication(ctx context.Context, q rowQuerier) error {
	var walLevel string
	if err := q.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("read wal_level: %w", err)
	}
	if strings.ToLower(walLevel) != "logical" {
		return fmt.Errorf("wal_level must be logical (current: %s)", walLevel)
	}

	var maxSlots int
	if err := q.QueryRow(ctx, "SELECT current_setting('max_replication_slots')::int").Scan(&maxSlots); err != nil {
		return fmt.Errorf("read max_replication_slots: %w", err)
	}
	if maxSlots < 1 {
		return errors.New("max_replication_slots must be >= 1")
	}

	var maxSenders int
	if err := q.QueryRow(ctx, "SELECT current_setting('max_wal_senders')::int").Scan(&maxSenders); err != nil {
		return fmt.Errorf("read max_wal_senders: %w", err)
	}
	if maxSenders < 1 {
		return errors.New("max_wal_senders must be >= 1")
	}
	return nil
}
