package replica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/josephjohncox/pgmirror/internal/schema"
)

// ErrConnectivity marks failures caused by the source being unreachable.
// Startup retries these; every other error abandons the attempt.
var ErrConnectivity = errors.New("postgres unreachable")

// ErrStarted is returned when tables are registered after Start.
var ErrStarted = errors.New("replication handler already started")

// Querier runs SQL on a plain connection. pgx.Tx satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is a source transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TextRow is one result row from a replication session; NULL is an invalid entry.
type TextRow []sql.NullString

// SlotCreation is returned by CREATE_REPLICATION_SLOT.
type SlotCreation struct {
	SlotName        string
	ConsistentPoint string
	SnapshotName    string
	OutputPlugin    string
}

// ReplicationConn is a walsender session (replication=database).
//
// A snapshot exported by CreateReplicationSlot stays importable only while the
// session stays open and issues no further commands.
type ReplicationConn interface {
	Query(ctx context.Context, sql string) ([]TextRow, error)
	CreateReplicationSlot(ctx context.Context, slot, plugin string) (SlotCreation, error)
	Close(ctx context.Context) error
}

// Source is the PostgreSQL server being mirrored.
type Source interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
	// BeginSnapshot opens a read-only repeatable read transaction pinned to an
	// exported snapshot.
	BeginSnapshot(ctx context.Context, snapshot string) (Tx, error)
	Replication(ctx context.Context) (ReplicationConn, error)
}

// SchemaFetcher reads table definitions from the source catalog.
type SchemaFetcher interface {
	// FetchTable describes one table. When useNulls is false every column is
	// reported as non-nullable.
	FetchTable(ctx context.Context, q Querier, table string, useNulls bool) (schema.Table, error)
	// ListTables returns schema-qualified base tables in the given schemas.
	ListTables(ctx context.Context, q Querier, schemas []string) ([]string, error)
}

// TableStorage is the local side of one registered table.
type TableStorage interface {
	// CreateNestedIfNeeded materializes an empty local table, describing the
	// source with fetch when the definition is needed.
	CreateNestedIfNeeded(ctx context.Context, fetch func(context.Context) (schema.Table, error)) error
	Insert(ctx context.Context, columns []string, rows [][]any) error
	// SetNestedLoaded marks the table eligible for continuous apply.
	SetNestedLoaded()
	// Attach binds to a table loaded by a previous run and marks it loaded.
	Attach(ctx context.Context) error
}

// IsConnectivity reports whether err was caused by an unreachable source.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}
