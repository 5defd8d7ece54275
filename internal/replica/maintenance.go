package replica

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/josephjohncox/pgmirror/internal/marker"
)

// Status reports the remote and local replication objects.
type Status struct {
	Publication       string
	PublicationExists bool
	PublishedTables   []string
	Slot              string
	SlotExists        bool
	SlotInfo          SlotInfo
	MarkerExists      bool
	Marker            marker.State
}

// RequiredTables resolves the table set to register. Without a configured
// table list and without a publication, every base table in the configured
// schemas is returned. Otherwise the publication is created if needed and its
// tables are returned.
func (h *Handler) RequiredTables(ctx context.Context) ([]string, error) {
	tx, err := h.src.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	exists, err := h.publication.Exists(ctx, tx)
	if err != nil {
		return nil, err
	}

	var tables []string
	if !exists && len(h.cfg.Tables) == 0 {
		tables, err = h.fetcher.ListTables(ctx, tx, h.cfg.Schemas)
		if err != nil {
			return nil, err
		}
	} else {
		if !exists {
			if err := h.publication.CreateIfNeeded(ctx, tx, nil); err != nil {
				return nil, err
			}
		}
		tables, err = h.publication.Tables(ctx, tx)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit required tables: %w", err)
	}
	committed = true
	return tables, nil
}

// Teardown removes the marker, the publication and the slot. It is used when
// the mirrored database is dropped for good.
func (h *Handler) Teardown(ctx context.Context) error {
	if err := marker.Remove(h.cfg.MetadataPath); err != nil {
		return err
	}

	tx, err := h.src.Begin(ctx)
	if err != nil {
		return err
	}
	if err := h.publication.Drop(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit drop publication: %w", err)
	}

	conn, err := h.src.Replication(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, exists, err := h.slot.Exists(ctx, conn); err != nil {
		return err
	} else if exists {
		if err := h.slot.Drop(ctx, conn); err != nil {
			return err
		}
	}
	log.Printf("replica: removed publication %s and replication slot %s", h.publication.Name(), h.slot.Name())
	return nil
}

// Status inspects the publication, the slot and the local marker.
func (h *Handler) Status(ctx context.Context) (Status, error) {
	status := Status{
		Publication: h.publication.Name(),
		Slot:        h.slot.Name(),
	}
	markerExists, err := marker.Exists(h.cfg.MetadataPath)
	if err != nil {
		return status, err
	}
	status.MarkerExists = markerExists
	if status.MarkerExists {
		state, err := marker.Read(h.cfg.MetadataPath)
		if err != nil && !errors.Is(err, marker.ErrNotFound) {
			return status, err
		}
		status.Marker = state
	}

	tx, err := h.src.Begin(ctx)
	if err != nil {
		return status, err
	}
	defer tx.Rollback(ctx)

	status.PublicationExists, err = h.publication.Exists(ctx, tx)
	if err != nil {
		return status, err
	}
	if status.PublicationExists {
		status.PublishedTables, err = h.publication.Tables(ctx, tx)
		if err != nil {
			return status, err
		}
	}

	conn, err := h.src.Replication(ctx)
	if err != nil {
		return status, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	status.SlotInfo, status.SlotExists, err = h.slot.Exists(ctx, conn)
	if err != nil {
		return status, err
	}
	return status, nil
}
