package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// PublicationManager owns the database's publication.
type PublicationManager struct {
	name    string
	tables  []string
	created bool
}

// NewPublicationManager returns a manager for the named publication. tables is
// the explicitly configured table list; when empty the registered tables are
// published instead.
func NewPublicationManager(name string, tables []string) *PublicationManager {
	return &PublicationManager{name: name, tables: append([]string(nil), tables...)}
}

// Name returns the publication name.
func (m *PublicationManager) Name() string {
	return m.name
}

// JustCreated reports whether this process created the publication.
func (m *PublicationManager) JustCreated() bool {
	return m.created
}

// Exists checks pg_publication for the publication.
func (m *PublicationManager) Exists(ctx context.Context, q Querier) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", m.name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check publication: %w", err)
	}
	return exists, nil
}

// CreateIfNeeded creates the publication unless it already exists. Creation
// runs inside tx; the caller commits. Once created, JustCreated stays true for
// the lifetime of the manager.
func (m *PublicationManager) CreateIfNeeded(ctx context.Context, tx Querier, registered []string) error {
	exists, err := m.Exists(ctx, tx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	tables := m.tables
	if len(tables) == 0 {
		tables = registered
	}
	if err := m.create(ctx, tx, tables); err != nil {
		return fmt.Errorf("while creating publication %s: %w", m.name, err)
	}
	m.created = true
	log.Printf("replica: created publication %s with tables: %s", m.name, strings.Join(tables, ", "))
	return nil
}

func (m *PublicationManager) create(ctx context.Context, tx Querier, tables []string) error {
	if len(tables) == 0 {
		return errors.New("no tables to publish")
	}
	qualified := make([]string, 0, len(tables))
	for _, table := range tables {
		ident, err := qualifyTable(table)
		if err != nil {
			return err
		}
		qualified = append(qualified, ident)
	}
	query := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE ONLY %s", QuotePublication(m.name), strings.Join(qualified, ", "))
	if _, err := tx.Exec(ctx, query); err != nil {
		return err
	}
	return nil
}

// Tables lists the schema-qualified tables in the publication.
func (m *PublicationManager) Tables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT schemaname, tablename
		 FROM pg_publication_tables
		 WHERE pubname = $1
		 ORDER BY schemaname, tablename`, m.name)
	if err != nil {
		return nil, fmt.Errorf("list publication tables: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var namespace, table string
		if err := rows.Scan(&namespace, &table); err != nil {
			return nil, fmt.Errorf("scan publication table: %w", err)
		}
		out = append(out, namespace+"."+table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publication tables: %w", err)
	}
	return out, nil
}

// Drop removes the publication if it exists.
func (m *PublicationManager) Drop(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", QuotePublication(m.name))); err != nil {
		return fmt.Errorf("drop publication: %w", err)
	}
	m.created = false
	return nil
}
