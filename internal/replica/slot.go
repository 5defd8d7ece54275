package replica

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgconn"
)

const outputPlugin = "pgoutput"

// SlotInfo is the state of an existing replication slot.
type SlotInfo struct {
	Name       string
	Active     bool
	RestartLSN string
}

// SlotManager owns the database's logical replication slot.
type SlotManager struct {
	name   string
	plugin string
}

// NewSlotManager returns a manager for the named pgoutput slot.
func NewSlotManager(name string) *SlotManager {
	return &SlotManager{name: name, plugin: outputPlugin}
}

// Name returns the slot name.
func (m *SlotManager) Name() string {
	return m.name
}

// Exists inspects pg_replication_slots for the slot.
func (m *SlotManager) Exists(ctx context.Context, conn ReplicationConn) (SlotInfo, bool, error) {
	query := fmt.Sprintf("SELECT active, restart_lsn FROM pg_replication_slots WHERE slot_name = %s", quoteLiteral(m.name))
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return SlotInfo{}, false, fmt.Errorf("query replication slot %s: %w", m.name, err)
	}
	if len(rows) == 0 {
		return SlotInfo{}, false, nil
	}
	row := rows[0]
	if len(row) < 2 {
		return SlotInfo{}, false, fmt.Errorf("query replication slot %s: unexpected column count %d", m.name, len(row))
	}
	info := SlotInfo{
		Name:       m.name,
		Active:     row[0].Valid && row[0].String == "t",
		RestartLSN: row[1].String,
	}
	log.Printf("replica: replication slot %s exists (active: %t, restart_lsn: %s)", m.name, info.Active, info.RestartLSN)
	return info, true, nil
}

// Create creates the slot and exports a snapshot consistent with its start LSN.
func (m *SlotManager) Create(ctx context.Context, conn ReplicationConn) (SlotCreation, error) {
	created, err := conn.CreateReplicationSlot(ctx, m.name, m.plugin)
	if err != nil {
		return SlotCreation{}, fmt.Errorf("while creating replication slot %s: %w", m.name, err)
	}
	log.Printf("replica: created replication slot %s (start_lsn: %s, snapshot: %s)", m.name, created.ConsistentPoint, created.SnapshotName)
	return created, nil
}

// Drop removes the slot. A missing slot is not an error.
func (m *SlotManager) Drop(ctx context.Context, conn ReplicationConn) error {
	_, err := conn.Query(ctx, fmt.Sprintf("SELECT pg_drop_replication_slot(%s)", quoteLiteral(m.name)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42704" {
			return nil
		}
		return fmt.Errorf("drop replication slot %s: %w", m.name, err)
	}
	log.Printf("replica: dropped replication slot %s", m.name)
	return nil
}
