package consumer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/josephjohncox/pgmirror/internal/marker"
	"github.com/josephjohncox/pgmirror/internal/replica"
	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage"
)

type recordingTarget struct {
	batches [][]storage.Change
	defs    []schema.Table
	err     error
}

func (r *recordingTarget) CreateNestedIfNeeded(context.Context, func(context.Context) (schema.Table, error)) error {
	return nil
}
func (r *recordingTarget) Insert(context.Context, []string, [][]any) error { return nil }
func (r *recordingTarget) SetNestedLoaded() {}
func (r *recordingTarget) Attach(context.Context) error { return nil }

func (r *recordingTarget) Apply(_ context.Context, def schema.Table, changes []storage.Change) error {
	if r.err != nil {
		return r.err
	}
	r.defs = append(r.defs, def)
	r.batches = append(r.batches, append([]storage.Change(nil), changes...))
	return nil
}

func (r *recordingTarget) changes() []storage.Change {
	var out []storage.Change
	for _, batch := range r.batches {
		out = append(out, batch...)
	}
	return out
}

type plainStorage struct{}

func (plainStorage) CreateNestedIfNeeded(context.Context, func(context.Context) (schema.Table, error)) error {
	return nil
}
func (plainStorage) Insert(context.Context, []string, [][]any) error { return nil }
func (plainStorage) SetNestedLoaded() {}
func (plainStorage) Attach(context.Context) error { return nil }

func eventsRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   1,
		Namespace:    "public",
		RelationName: "events",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 20, Flags: 1},        // int8, key column
			{Name: "payload", DataType: 3802, Flags: 0}, // jsonb, non-key
		},
	}
}

func otherRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   2,
		Namespace:    "public",
		RelationName: "audit",
		Columns:      []*pglogrepl.RelationMessageColumn{{Name: "id", DataType: 20, Flags: 1}},
	}
}

func textTuple(values ...string) *pglogrepl.TupleData {
	cols := make([]*pglogrepl.TupleDataColumn, 0, len(values))
	for _, v := range values {
		cols = append(cols, &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(v)})
	}
	return &pglogrepl.TupleData{Columns: cols}
}

func newTestConsumer(t *testing.T, target *recordingTarget, blockSize int) *Consumer {
	t.Helper()
	c, err := New(replica.ConsumerConfig{
		Slot:         "app_ch_replication_slot",
		Publication:  "app_ch_publication",
		MetadataPath: filepath.Join(t.TempDir(), "app.metadata"),
		StartLSN:     "0/100",
		BlockSize:    blockSize,
		Tables:       map[string]replica.TableStorage{"public.events": target},
	}, "postgres://localhost/app")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	lsn, err := c.resolveStartLSN()
	if err != nil {
		t.Fatalf("start lsn: %v", err)
	}
	c.startLSN = lsn
	c.ackLSN = lsn
	return c
}

func feed(t *testing.T, c *Consumer, msgs ...pglogrepl.Message) {
	t.Helper()
	for i, msg := range msgs {
		if err := c.handleMessage(context.Background(), msg, pglogrepl.XLogData{WALStart: pglogrepl.LSN(0x200 + i)}); err != nil {
			t.Fatalf("handle %T: %v", msg, err)
		}
	}
}

func TestNewRejectsStorageWithoutApply(t *testing.T) {
	_, err := New(replica.ConsumerConfig{
		Slot:        "s",
		Publication: "p",
		Tables:      map[string]replica.TableStorage{"public.t": plainStorage{}},
	}, "dsn")
	if err == nil {
		t.Fatalf("expected error for storage without Apply")
	}
	if _, err := New(replica.ConsumerConfig{Publication: "p"}, "dsn"); err == nil {
		t.Fatalf("expected error for missing slot")
	}
}

func TestCommitAppliesBufferedChanges(t *testing.T) {
	target := &recordingTarget{}
	c := newTestConsumer(t, target, 100)

	oldKey := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("1")},
		{DataType: pglogrepl.TupleDataTypeNull},
	}}
	feed(t, c,
		eventsRelation(),
		otherRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x300, Xid: 7},
		&pglogrepl.InsertMessage{RelationID: 1, Tuple: textTuple("1", `{"a":1}`)},
		&pglogrepl.InsertMessage{RelationID: 2, Tuple: textTuple("9")},
		&pglogrepl.UpdateMessage{
			RelationID:   1,
			OldTupleType: pglogrepl.UpdateMessageTupleTypeKey,
			OldTuple:     oldKey,
			NewTuple:     textTuple("2", `{"a":2}`),
		},
	)
	if len(target.batches) != 0 {
		t.Fatalf("changes must not be applied before commit")
	}

	feed(t, c, &pglogrepl.DeleteMessage{RelationID: 1, OldTuple: textTuple("2", `{"a":2}`)})
	feed(t, c, &pglogrepl.CommitMessage{CommitLSN: 0x300, TransactionEndLSN: 0x330})

	changes := target.changes()
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes for registered table, got %d", len(changes))
	}
	if changes[0].Op != storage.OpInsert || changes[0].Values["id"] != int64(1) {
		t.Fatalf("unexpected insert %+v", changes[0])
	}
	if changes[1].Op != storage.OpUpdate || changes[1].Key["id"] != int64(1) || changes[1].Values["id"] != int64(2) {
		t.Fatalf("unexpected update %+v", changes[1])
	}
	if _, ok := changes[1].Key["payload"]; ok {
		t.Fatalf("did not expect payload in key: %v", changes[1].Key)
	}
	if changes[2].Op != storage.OpDelete || len(changes[2].Key) != 1 || changes[2].Key["id"] != int64(2) {
		t.Fatalf("unexpected delete %+v", changes[2])
	}
	if changes[0].Version >= changes[1].Version {
		t.Fatalf("expected versions to follow WAL order")
	}

	def := target.defs[0]
	if def.QualifiedName() != "public.events" || len(def.PrimaryKey) != 1 || def.PrimaryKey[0] != "id" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if def.Columns[0].Type != "int8" {
		t.Fatalf("expected type name from oid, got %s", def.Columns[0].Type)
	}

	state, err := marker.Read(c.cfg.MetadataPath)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if state.LSN != pglogrepl.LSN(0x330).String() || state.Slot != "app_ch_replication_slot" {
		t.Fatalf("unexpected marker %+v", state)
	}
	if c.AppliedLSN() != 0x330 {
		t.Fatalf("expected ack at 0/330, got %s", c.AppliedLSN())
	}
}

func TestCommitSplitsBlocks(t *testing.T) {
	target := &recordingTarget{}
	c := newTestConsumer(t, target, 2)

	feed(t, c, eventsRelation(), &pglogrepl.BeginMessage{FinalLSN: 0x400})
	for i := 0; i < 5; i++ {
		feed(t, c, &pglogrepl.InsertMessage{RelationID: 1, Tuple: textTuple("1", "{}")})
	}
	feed(t, c, &pglogrepl.CommitMessage{CommitLSN: 0x400, TransactionEndLSN: 0x430})

	if len(target.batches) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(target.batches))
	}
	if len(target.batches[2]) != 1 {
		t.Fatalf("expected last block of 1, got %d", len(target.batches[2]))
	}
}

func TestSkipsAlreadyAppliedTransactions(t *testing.T) {
	target := &recordingTarget{}
	c := newTestConsumer(t, target, 10)

	feed(t, c,
		eventsRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x80},
		&pglogrepl.InsertMessage{RelationID: 1, Tuple: textTuple("1", "{}")},
		&pglogrepl.CommitMessage{CommitLSN: 0x80, TransactionEndLSN: 0x90},
	)
	if len(target.batches) != 0 {
		t.Fatalf("expected transaction before start position to be skipped")
	}
	if _, err := marker.Read(c.cfg.MetadataPath); !errors.Is(err, marker.ErrNotFound) {
		t.Fatalf("expected no marker for skipped transaction, got %v", err)
	}
}

func TestUnregisteredOnlyTransactionAcksWithoutMarker(t *testing.T) {
	target := &recordingTarget{}
	c := newTestConsumer(t, target, 10)

	feed(t, c,
		otherRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x500},
		&pglogrepl.InsertMessage{RelationID: 2, Tuple: textTuple("1")},
		&pglogrepl.CommitMessage{CommitLSN: 0x500, TransactionEndLSN: 0x530},
	)
	if len(target.batches) != 0 {
		t.Fatalf("expected no applied changes")
	}
	if c.AppliedLSN() != 0x530 {
		t.Fatalf("expected ack to advance, got %s", c.AppliedLSN())
	}
}

func TestApplyFailureKeepsMarker(t *testing.T) {
	target := &recordingTarget{err: errors.New("disk full")}
	c := newTestConsumer(t, target, 10)

	feed(t, c, eventsRelation(), &pglogrepl.BeginMessage{FinalLSN: 0x600},
		&pglogrepl.InsertMessage{RelationID: 1, Tuple: textTuple("1", "{}")})
	err := c.handleMessage(context.Background(), &pglogrepl.CommitMessage{CommitLSN: 0x600, TransactionEndLSN: 0x630}, pglogrepl.XLogData{})
	if err == nil {
		t.Fatalf("expected apply error")
	}
	if _, err := marker.Read(c.cfg.MetadataPath); !errors.Is(err, marker.ErrNotFound) {
		t.Fatalf("marker must not move past a failed commit: %v", err)
	}
	if c.AppliedLSN() != 0x100 {
		t.Fatalf("ack must not advance, got %s", c.AppliedLSN())
	}
}

func TestTruncateAndToast(t *testing.T) {
	target := &recordingTarget{}
	c := newTestConsumer(t, target, 10)

	feed(t, c,
		eventsRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x700},
		&pglogrepl.UpdateMessage{RelationID: 1, NewTuple: &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
			{DataType: pglogrepl.TupleDataTypeText, Data: []byte("5")},
			{DataType: pglogrepl.TupleDataTypeToast},
		}}},
		&pglogrepl.TruncateMessage{RelationIDs: []uint32{1, 2}},
		&pglogrepl.CommitMessage{CommitLSN: 0x700, TransactionEndLSN: 0x730},
	)
	changes := target.changes()
	if len(changes) != 2 {
		t.Fatalf("expected update and truncate, got %d", len(changes))
	}
	if len(changes[0].Unchanged) != 1 || changes[0].Unchanged[0] != "payload" {
		t.Fatalf("expected payload to be unchanged, got %v", changes[0].Unchanged)
	}
	if changes[0].Key != nil {
		t.Fatalf("expected no old key without old tuple")
	}
	if changes[1].Op != storage.OpTruncate {
		t.Fatalf("expected truncate, got %s", changes[1].Op)
	}
}

func TestChangeOutsideTransaction(t *testing.T) {
	c := newTestConsumer(t, &recordingTarget{}, 10)
	feed(t, c, eventsRelation())
	err := c.handleMessage(context.Background(), &pglogrepl.InsertMessage{RelationID: 1, Tuple: textTuple("1", "{}")}, pglogrepl.XLogData{})
	if err == nil {
		t.Fatalf("expected error for change outside a transaction")
	}
}

func TestResumeFromMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.metadata")
	c, err := New(replica.ConsumerConfig{Slot: "s", Publication: "p", MetadataPath: path}, "dsn")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.resolveStartLSN(); !errors.Is(err, marker.ErrNotFound) {
		t.Fatalf("expected missing marker error, got %v", err)
	}
	if err := marker.Write(path, marker.State{Slot: "s", Publication: "p", LSN: "0/16B3748"}); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	lsn, err := c.resolveStartLSN()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if lsn.String() != "0/16B3748" {
		t.Fatalf("unexpected lsn %s", lsn)
	}
}
