package consumer

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/josephjohncox/pgmirror/internal/marker"
	"github.com/josephjohncox/pgmirror/internal/postgres"
	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage"
	"github.com/josephjohncox/pgmirror/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// pendingTx buffers the changes of one source transaction until its commit.
type pendingTx struct {
	xid      uint32
	finalLSN pglogrepl.LSN
	skip     bool
	order    []string
	changes  map[string][]storage.Change
	defs     map[string]schema.Table
}

func (t *pendingTx) add(table string, def schema.Table, change storage.Change) {
	if _, ok := t.changes[table]; !ok {
		t.order = append(t.order, table)
	}
	t.changes[table] = append(t.changes[table], change)
	t.defs[table] = def
}

func (c *Consumer) handleWal(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}
	return c.handleMessage(ctx, logicalMsg, xld)
}

func (c *Consumer) handleMessage(ctx context.Context, logicalMsg pglogrepl.Message, xld pglogrepl.XLogData) error {
	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		c.handleRelation(msg)
		return nil
	case *pglogrepl.BeginMessage:
		c.tx = &pendingTx{
			xid:      msg.Xid,
			finalLSN: msg.FinalLSN,
			skip:     msg.FinalLSN < c.startLSN,
			changes:  make(map[string][]storage.Change),
			defs:     make(map[string]schema.Table),
		}
		return nil
	case *pglogrepl.CommitMessage:
		return c.commit(ctx, msg)
	case *pglogrepl.InsertMessage:
		return c.handleRow(msg.RelationID, func(rel *pglogrepl.RelationMessage) (storage.Change, error) {
			values, unchanged, err := c.decodeTuple(rel, msg.Tuple)
			if err != nil {
				return storage.Change{}, err
			}
			return storage.Change{Op: storage.OpInsert, Values: values, Unchanged: unchanged, Version: uint64(xld.WALStart)}, nil
		})
	case *pglogrepl.UpdateMessage:
		return c.handleRow(msg.RelationID, func(rel *pglogrepl.RelationMessage) (storage.Change, error) {
			return c.decodeUpdate(rel, msg, xld)
		})
	case *pglogrepl.DeleteMessage:
		return c.handleRow(msg.RelationID, func(rel *pglogrepl.RelationMessage) (storage.Change, error) {
			before, _, err := c.decodeTuple(rel, msg.OldTuple)
			if err != nil {
				return storage.Change{}, err
			}
			return storage.Change{Op: storage.OpDelete, Key: keyColumns(rel, before), Version: uint64(xld.WALStart)}, nil
		})
	case *pglogrepl.TruncateMessage:
		for _, relID := range msg.RelationIDs {
			err := c.handleRow(relID, func(*pglogrepl.RelationMessage) (storage.Change, error) {
				return storage.Change{Op: storage.OpTruncate, Version: uint64(xld.WALStart)}, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (c *Consumer) handleRelation(msg *pglogrepl.RelationMessage) {
	c.relations[msg.RelationID] = msg
	def := c.schemaForRelation(msg)
	if prev, ok := c.schemas[msg.RelationID]; ok {
		for _, change := range schema.Diff(prev, def).Changes {
			log.Printf("consumer: relation %s changed: %s", def.QualifiedName(), change)
		}
	}
	c.schemas[msg.RelationID] = def
}

func (c *Consumer) handleRow(relationID uint32, decode func(*pglogrepl.RelationMessage) (storage.Change, error)) error {
	if c.tx == nil {
		return fmt.Errorf("change for relation %d outside a transaction", relationID)
	}
	if c.tx.skip {
		return nil
	}
	rel, ok := c.relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation id %d", relationID)
	}
	table := rel.Namespace + "." + rel.RelationName
	if _, registered := c.targets[table]; !registered {
		return nil
	}
	change, err := decode(rel)
	if err != nil {
		return fmt.Errorf("decode change for %s: %w", table, err)
	}
	c.tx.add(table, c.schemas[relationID], change)
	return nil
}

// commit applies the buffered transaction, records its end position in the
// marker and acknowledges it. Applying ignores cancellation so Stop never
// leaves a transaction half written.
func (c *Consumer) commit(ctx context.Context, msg *pglogrepl.CommitMessage) error {
	tx := c.tx
	c.tx = nil
	if tx == nil || tx.skip {
		return nil
	}
	if len(tx.order) == 0 {
		c.ack(msg.TransactionEndLSN)
		return nil
	}

	applyCtx, span := telemetry.Start(context.WithoutCancel(ctx), c.tracer, "consumer.commit",
		attribute.Int64("xid", int64(tx.xid)),
		attribute.String("commit_lsn", msg.CommitLSN.String()),
		attribute.Int("tables", len(tx.order)),
	)
	defer span.End()
	for _, table := range tx.order {
		target := c.targets[table]
		def := tx.defs[table]
		changes := tx.changes[table]
		for start := 0; start < len(changes); start += c.cfg.BlockSize {
			end := start + c.cfg.BlockSize
			if end > len(changes) {
				end = len(changes)
			}
			if err := target.Apply(applyCtx, def, changes[start:end]); err != nil {
				return telemetry.Fail(span, fmt.Errorf("apply changes to %s at %s: %w", table, msg.CommitLSN, err))
			}
		}
	}

	if err := marker.Write(c.cfg.MetadataPath, marker.State{
		Slot:        c.cfg.Slot,
		Publication: c.cfg.Publication,
		LSN:         msg.TransactionEndLSN.String(),
	}); err != nil {
		return telemetry.Fail(span, err)
	}
	c.ack(msg.TransactionEndLSN)
	return nil
}

func (c *Consumer) decodeUpdate(rel *pglogrepl.RelationMessage, msg *pglogrepl.UpdateMessage, xld pglogrepl.XLogData) (storage.Change, error) {
	var key map[string]any
	if msg.OldTuple != nil {
		before, _, err := c.decodeTuple(rel, msg.OldTuple)
		if err != nil {
			return storage.Change{}, err
		}
		key = keyColumns(rel, before)
	}
	after, unchanged, err := c.decodeTuple(rel, msg.NewTuple)
	if err != nil {
		return storage.Change{}, err
	}
	return storage.Change{
		Op:        storage.OpUpdate,
		Key:       key,
		Values:    after,
		Unchanged: unchanged,
		Version:   uint64(xld.WALStart),
	}, nil
}

func (c *Consumer) schemaForRelation(rel *pglogrepl.RelationMessage) schema.Table {
	def := schema.Table{Namespace: rel.Namespace, Name: rel.RelationName}
	for _, col := range rel.Columns {
		def.Columns = append(def.Columns, schema.Column{
			Name:     col.Name,
			Type:     postgres.TypeName(c.typeMap, col.DataType),
			OID:      col.DataType,
			Nullable: true,
		})
		if col.Flags&1 == 1 {
			def.PrimaryKey = append(def.PrimaryKey, col.Name)
		}
	}
	return def
}

func (c *Consumer) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (map[string]any, []string, error) {
	if tuple == nil {
		return nil, nil, nil
	}

	values := make(map[string]any, len(tuple.Columns))
	var unchanged []string
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			return nil, nil, fmt.Errorf("tuple column index %d out of range", idx)
		}
		meta := rel.Columns[idx]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[meta.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			unchanged = append(unchanged, meta.Name)
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			typ, ok := c.typeMap.TypeForOID(meta.DataType)
			if !ok {
				values[meta.Name] = string(col.Data)
				continue
			}
			decoded, err := typ.Codec.DecodeValue(c.typeMap, meta.DataType, format, col.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("decode column %s: %w", meta.Name, err)
			}
			values[meta.Name] = decoded
		default:
			return nil, nil, fmt.Errorf("unknown column data type %c", col.DataType)
		}
	}
	return values, unchanged, nil
}

// keyColumns keeps the replica identity columns of a decoded old tuple.
func keyColumns(rel *pglogrepl.RelationMessage, values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	keys := make(map[string]any)
	for _, col := range rel.Columns {
		if col.Flags&1 == 1 {
			keys[col.Name] = values[col.Name]
		}
	}
	if len(keys) == 0 {
		return values
	}
	return keys
}
