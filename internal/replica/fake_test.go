package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/josephjohncox/pgmirror/internal/schema"
)

const fakeConsistentPoint = "0/16B3748"

type fakeTable struct {
	columns []string
	rows    [][]any
}

// fakeServer is an in-memory stand-in for the handful of catalog queries and
// walsender commands the handler issues.
type fakeServer struct {
	mu sync.Mutex

	unreachable int
	pingErr     error
	pings       int

	publications map[string][]string
	slots        map[string]string
	tables       map[string]fakeTable
	failLoad     string

	exported      map[string]bool
	snapshotsUsed []string
	selects       int

	publicationCreates int
	slotCreates        int
	slotDrops          int
	nextSnapshot       int
	openSessions       int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		publications: make(map[string][]string),
		slots:        make(map[string]string),
		tables:       make(map[string]fakeTable),
		exported:     make(map[string]bool),
	}
}

func (s *fakeServer) addTable(name string, columns []string, rows ...[]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = fakeTable{columns: columns, rows: rows}
}

func (s *fakeServer) dropPublication(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.publications, name)
}

func (s *fakeServer) hasSlot(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[name]
	return ok
}

func (s *fakeServer) counters() (pubCreates, slotCreates, slotDrops, selects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicationCreates, s.slotCreates, s.slotDrops, s.selects
}

func (s *fakeServer) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if s.pingErr != nil {
		return s.pingErr
	}
	if s.unreachable > 0 {
		s.unreachable--
		return fmt.Errorf("%w: dial tcp 127.0.0.1:5432: connect: connection refused", ErrConnectivity)
	}
	return nil
}

func (s *fakeServer) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *fakeServer) Begin(_ context.Context) (Tx, error) {
	return &fakeTx{srv: s}, nil
}

func (s *fakeServer) BeginSnapshot(_ context.Context, snapshot string) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exported[snapshot] {
		return nil, fmt.Errorf("invalid snapshot identifier: %q", snapshot)
	}
	s.snapshotsUsed = append(s.snapshotsUsed, snapshot)
	return &fakeTx{srv: s, snapshot: snapshot}, nil
}

func (s *fakeServer) Replication(_ context.Context) (ReplicationConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openSessions++
	return &fakeReplication{srv: s}, nil
}

type fakeTx struct {
	srv      *fakeServer
	snapshot string
	done     bool
}

func (tx *fakeTx) Exec(_ context.Context, query string, _ ...any) (pgconn.CommandTag, error) {
	s := tx.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.HasPrefix(query, "CREATE PUBLICATION "):
		rest := strings.TrimPrefix(query, "CREATE PUBLICATION ")
		parts := strings.SplitN(rest, " FOR TABLE ONLY ", 2)
		name := unquoteIdent(parts[0])
		if _, ok := s.publications[name]; ok {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "42710", Message: "publication already exists"}
		}
		tables := make([]string, 0)
		for _, table := range strings.Split(parts[1], ", ") {
			tables = append(tables, unquoteIdent(table))
		}
		s.publications[name] = tables
		s.publicationCreates++
	case strings.HasPrefix(query, "DROP PUBLICATION IF EXISTS "):
		delete(s.publications, unquoteIdent(strings.TrimPrefix(query, "DROP PUBLICATION IF EXISTS ")))
	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", query)
	}
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	s := tx.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(query, "FROM pg_publication_tables"):
		name := args[0].(string)
		rows := make([][]any, 0)
		for _, table := range s.publications[name] {
			namespace, rel, _ := SplitTable(table)
			rows = append(rows, []any{namespace, rel})
		}
		return &fakeRows{columns: []string{"schemaname", "tablename"}, rows: rows}, nil
	case strings.HasPrefix(query, "SELECT * FROM "):
		if tx.snapshot == "" {
			return nil, errors.New("table read outside snapshot transaction")
		}
		name := unquoteIdent(strings.TrimPrefix(query, "SELECT * FROM "))
		if name == s.failLoad {
			return nil, &pgconn.PgError{Code: "42501", Message: "permission denied for table"}
		}
		table, ok := s.tables[name]
		if !ok {
			return nil, &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
		}
		s.selects++
		return &fakeRows{columns: table.columns, rows: table.rows}, nil
	default:
		return nil, fmt.Errorf("unexpected query: %s", query)
	}
}

func (tx *fakeTx) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s := tx.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(query, "FROM pg_publication WHERE pubname") {
		_, ok := s.publications[args[0].(string)]
		return fakeRow{values: []any{ok}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query row: %s", query)}
}

func (tx *fakeTx) Commit(_ context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	return nil
}

func (tx *fakeTx) Rollback(_ context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	return nil
}

type fakeReplication struct {
	srv      *fakeServer
	snapshot string
	closed   bool
}

func (r *fakeReplication) Query(_ context.Context, query string) ([]TextRow, error) {
	s := r.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return nil, errors.New("conn closed")
	}
	// Any further command on the session invalidates its exported snapshot.
	r.releaseSnapshot()

	name := between(query, "'", "'")
	switch {
	case strings.Contains(query, "FROM pg_replication_slots"):
		lsn, ok := s.slots[name]
		if !ok {
			return nil, nil
		}
		return []TextRow{{
			sql.NullString{String: "f", Valid: true},
			sql.NullString{String: lsn, Valid: true},
		}}, nil
	case strings.Contains(query, "pg_drop_replication_slot"):
		if _, ok := s.slots[name]; !ok {
			return nil, &pgconn.PgError{Code: "42704", Message: "replication slot does not exist"}
		}
		delete(s.slots, name)
		s.slotDrops++
		return []TextRow{{sql.NullString{}}}, nil
	default:
		return nil, fmt.Errorf("unexpected replication query: %s", query)
	}
}

func (r *fakeReplication) CreateReplicationSlot(_ context.Context, slot, plugin string) (SlotCreation, error) {
	s := r.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if plugin != "pgoutput" {
		return SlotCreation{}, fmt.Errorf("unexpected plugin %s", plugin)
	}
	if _, ok := s.slots[slot]; ok {
		return SlotCreation{}, &pgconn.PgError{Code: "42710", Message: "replication slot already exists"}
	}
	r.releaseSnapshot()
	s.slots[slot] = fakeConsistentPoint
	s.slotCreates++
	s.nextSnapshot++
	r.snapshot = fmt.Sprintf("00000003-00000002-%d", s.nextSnapshot)
	s.exported[r.snapshot] = true
	return SlotCreation{
		SlotName:        slot,
		ConsistentPoint: fakeConsistentPoint,
		SnapshotName:    r.snapshot,
		OutputPlugin:    plugin,
	}, nil
}

func (r *fakeReplication) Close(_ context.Context) error {
	s := r.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.releaseSnapshot()
	s.openSessions--
	return nil
}

func (r *fakeReplication) releaseSnapshot() {
	if r.snapshot != "" {
		delete(r.srv.exported, r.snapshot)
		r.snapshot = ""
	}
}

type fakeRows struct {
	columns []string
	rows    [][]any
	idx     int
	closed  bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, 0, len(r.columns))
	for _, col := range r.columns {
		fields = append(fields, pgconn.FieldDescription{Name: col})
	}
	return fields
}

func (r *fakeRows) Next() bool {
	if r.closed || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(r.rows[r.idx-1], dest)
}

func (r *fakeRows) Values() ([]any, error) {
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, target := range dest {
		switch d := target.(type) {
		case *bool:
			*d = values[i].(bool)
		case *string:
			*d = values[i].(string)
		case *any:
			*d = values[i]
		default:
			return fmt.Errorf("scan: unsupported target %T", target)
		}
	}
	return nil
}

type fakeFetcher struct {
	srv *fakeServer

	mu       sync.Mutex
	useNulls []bool
}

func (f *fakeFetcher) FetchTable(_ context.Context, _ Querier, table string, useNulls bool) (schema.Table, error) {
	f.mu.Lock()
	f.useNulls = append(f.useNulls, useNulls)
	f.mu.Unlock()

	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	def, ok := f.srv.tables[table]
	if !ok {
		return schema.Table{}, fmt.Errorf("table %s not found", table)
	}
	namespace, name, _ := SplitTable(table)
	out := schema.Table{Namespace: namespace, Name: name}
	for _, col := range def.columns {
		out.Columns = append(out.Columns, schema.Column{Name: col, Type: "text", Nullable: useNulls})
	}
	return out, nil
}

func (f *fakeFetcher) ListTables(_ context.Context, _ Querier, schemas []string) ([]string, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	allowed := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		allowed[s] = true
	}
	out := make([]string, 0)
	for name := range f.srv.tables {
		namespace, _, _ := SplitTable(name)
		if allowed[namespace] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeStorage struct {
	mu         sync.Mutex
	def        schema.Table
	created    int
	attached   int
	loaded     bool
	columns    []string
	rows       [][]any
	batches    []int
	failInsert error
}

func (f *fakeStorage) CreateNestedIfNeeded(ctx context.Context, fetch func(context.Context) (schema.Table, error)) error {
	def, err := fetch(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.def = def
	f.created++
	f.loaded = false
	f.rows = nil
	f.batches = nil
	return nil
}

func (f *fakeStorage) Insert(_ context.Context, columns []string, rows [][]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return f.failInsert
	}
	f.columns = columns
	f.rows = append(f.rows, rows...)
	f.batches = append(f.batches, len(rows))
	return nil
}

func (f *fakeStorage) SetNestedLoaded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
}

func (f *fakeStorage) Attach(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached++
	f.loaded = true
	return nil
}

func (f *fakeStorage) isLoaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

type fakeConsumer struct {
	cfg     ConsumerConfig
	mu      sync.Mutex
	started bool
	stopped bool
}

func (c *fakeConsumer) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeConsumer) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

type consumerRecorder struct {
	mu        sync.Mutex
	consumers []*fakeConsumer
}

func (r *consumerRecorder) factory(cfg ConsumerConfig) (Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &fakeConsumer{cfg: cfg}
	r.consumers = append(r.consumers, c)
	return c, nil
}

func (r *consumerRecorder) last() *fakeConsumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.consumers) == 0 {
		return nil
	}
	return r.consumers[len(r.consumers)-1]
}

func unquoteIdent(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), `"`, "")
}

func between(value, start, end string) string {
	i := strings.Index(value, start)
	if i < 0 {
		return ""
	}
	rest := value[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
