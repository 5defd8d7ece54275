// Package storage materializes replicated tables in a local analytical store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/josephjohncox/pgmirror/internal/schema"
)

// Operation is the kind of a streamed row change.
type Operation string

const (
	OpInsert   Operation = "insert"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpTruncate Operation = "truncate"
)

// Change is one decoded row change.
type Change struct {
	Op Operation
	// Key identifies the affected row by its replica identity. For updates
	// it holds the old key when the key changed.
	Key map[string]any
	// Values holds the new row for inserts and updates.
	Values map[string]any
	// Unchanged lists TOASTed columns the server did not send.
	Unchanged []string
	// Version orders changes to the same row; snapshot rows use 0.
	Version uint64
}

// Sink is a local store that holds mirrored tables.
type Sink interface {
	EnsureTable(ctx context.Context, table schema.Table) error
	TruncateTable(ctx context.Context, table schema.Table) error
	DropTable(ctx context.Context, name string) error
	TableExists(ctx context.Context, name string) (bool, error)
	Insert(ctx context.Context, table schema.Table, columns []string, rows [][]any) error
	Apply(ctx context.Context, table schema.Table, changes []Change) error
	Close() error
}

// ErrNotLoaded is returned when changes arrive for a table whose initial load
// has not finished.
var ErrNotLoaded = errors.New("table not loaded")

type tableState int

const (
	statePending tableState = iota
	stateCreated
	stateLoaded
)

// Table is one mirrored table bound to a sink.
type Table struct {
	name string
	sink Sink

	mu     sync.Mutex
	state  tableState
	def    schema.Table
	hasDef bool
}

// NewTable binds the source table name (schema.table) to sink.
func NewTable(name string, sink Sink) *Table {
	return &Table{name: name, sink: sink}
}

// Name returns the source table name.
func (t *Table) Name() string {
	return t.name
}

// LocalName returns the name the table has in the sink.
func (t *Table) LocalName() string {
	return LocalName(t.name)
}

// Loaded reports whether the table holds a complete copy.
func (t *Table) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateLoaded
}

// Schema returns the last known definition.
func (t *Table) Schema() (schema.Table, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.def, t.hasDef
}

// CreateNestedIfNeeded creates the local table from the fetched definition
// and empties it, since a bootstrap always loads from scratch.
func (t *Table) CreateNestedIfNeeded(ctx context.Context, fetch func(context.Context) (schema.Table, error)) error {
	def, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch schema for %s: %w", t.name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sink.EnsureTable(ctx, def); err != nil {
		return err
	}
	if err := t.sink.TruncateTable(ctx, def); err != nil {
		return err
	}
	t.def = def
	t.hasDef = true
	t.state = stateCreated
	return nil
}

// Insert writes one block of snapshot rows.
func (t *Table) Insert(ctx context.Context, columns []string, rows [][]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == statePending {
		return fmt.Errorf("table %s has not been created", t.name)
	}
	return t.sink.Insert(ctx, t.def, columns, rows)
}

// SetNestedLoaded marks the initial load as complete.
func (t *Table) SetNestedLoaded() {
	t.mu.Lock()
	t.state = stateLoaded
	t.mu.Unlock()
}

// Attach binds to a table loaded by an earlier run.
func (t *Table) Attach(ctx context.Context) error {
	exists, err := t.sink.TableExists(ctx, t.LocalName())
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("local table %s for %s is missing", t.LocalName(), t.name)
	}
	t.mu.Lock()
	t.state = stateLoaded
	t.mu.Unlock()
	return nil
}

// Apply writes streamed changes. def is the definition announced by the
// stream; columns it adds are created in the sink before the changes land.
func (t *Table) Apply(ctx context.Context, def schema.Table, changes []Change) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateLoaded {
		return fmt.Errorf("%w: %s", ErrNotLoaded, t.name)
	}
	if err := t.evolve(ctx, def); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	return t.sink.Apply(ctx, t.def, changes)
}

func (t *Table) evolve(ctx context.Context, def schema.Table) error {
	if !t.hasDef {
		if err := t.sink.EnsureTable(ctx, def); err != nil {
			return err
		}
		t.def = def
		t.hasDef = true
		return nil
	}

	plan := schema.Diff(t.def, def)
	for _, name := range plan.Columns(schema.ChangeDropColumn) {
		log.Printf("storage: column %s dropped from %s; keeping local column", name, t.name)
	}
	added := plan.Columns(schema.ChangeAddColumn)
	if len(added) == 0 {
		return nil
	}
	merged := t.def
	merged.Columns = append([]schema.Column(nil), t.def.Columns...)
	for _, name := range added {
		col, _ := def.Column(name)
		col.Nullable = true
		merged.Columns = append(merged.Columns, col)
		log.Printf("storage: column %s added to %s", name, t.name)
	}
	if err := t.sink.EnsureTable(ctx, merged); err != nil {
		return err
	}
	t.def = merged
	return nil
}

// Drop removes the local table.
func (t *Table) Drop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sink.DropTable(ctx, t.LocalName()); err != nil {
		return err
	}
	t.state = statePending
	t.hasDef = false
	return nil
}

// LocalName maps a source table to its local name. Tables in public keep
// their name; others are prefixed with their schema.
func LocalName(table string) string {
	namespace, name, ok := strings.Cut(table, ".")
	if !ok {
		return table
	}
	if namespace == "public" {
		return name
	}
	return namespace + "__" + name
}
