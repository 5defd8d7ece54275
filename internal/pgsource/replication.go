package pgsource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/josephjohncox/pgmirror/internal/replica"
)

type replicationConn struct {
	conn *pgconn.PgConn
}

// Query runs a simple-protocol statement and returns the text rows of its last result.
func (r *replicationConn) Query(ctx context.Context, query string) ([]replica.TextRow, error) {
	results, err := r.conn.Exec(ctx, query).ReadAll()
	if err != nil {
		return nil, classify(err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	last := results[len(results)-1]
	if last.Err != nil {
		return nil, classify(last.Err)
	}
	rows := make([]replica.TextRow, 0, len(last.Rows))
	for _, raw := range last.Rows {
		row := make(replica.TextRow, len(raw))
		for i, value := range raw {
			if value != nil {
				row[i] = sql.NullString{String: string(value), Valid: true}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CreateReplicationSlot creates a logical slot and exports its snapshot.
func (r *replicationConn) CreateReplicationSlot(ctx context.Context, slot, plugin string) (replica.SlotCreation, error) {
	result, err := pglogrepl.CreateReplicationSlot(ctx, r.conn, slot, plugin, pglogrepl.CreateReplicationSlotOptions{
		SnapshotAction: "EXPORT_SNAPSHOT",
	})
	if err != nil {
		return replica.SlotCreation{}, classify(fmt.Errorf("create replication slot: %w", err))
	}
	return replica.SlotCreation{
		SlotName:        result.SlotName,
		ConsistentPoint: result.ConsistentPoint,
		SnapshotName:    result.SnapshotName,
		OutputPlugin:    result.OutputPlugin,
	}, nil
}

func (r *replicationConn) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}
