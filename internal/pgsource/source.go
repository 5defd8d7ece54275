// Package pgsource talks to the PostgreSQL server being mirrored.
package pgsource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/josephjohncox/pgmirror/internal/postgres"
	"github.com/josephjohncox/pgmirror/internal/replica"
)

// Options configures a Source.
type Options struct {
	IAM postgres.IAMConfig
	// ValidateSettings makes Ping check that the server is configured for
	// logical decoding.
	ValidateSettings bool
	MaxConns         int32
}

// Source is a pgx-backed replica.Source.
type Source struct {
	dsn  string
	opts Options
	pool *pgxpool.Pool
	iam  *postgres.TokenProvider
}

// Open prepares a pool for dsn. No connection is made until first use, so an
// unreachable server is reported by Ping rather than here.
func Open(ctx context.Context, dsn string, opts Options) (*Source, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	iam, err := postgres.NewTokenProvider(ctx, dsn, opts.IAM)
	if err != nil {
		return nil, err
	}
	iam.ApplyToPoolConfig(cfg)

	afterConnect := cfg.AfterConnect
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		postgres.RegisterRawJSONCodecs(conn.TypeMap())
		if afterConnect != nil {
			return afterConnect(ctx, conn)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Source{dsn: dsn, opts: opts, pool: pool, iam: iam}, nil
}

// DSN returns the connection string the source was opened with.
func (s *Source) DSN() string {
	return s.dsn
}

// IAM returns the token provider, or nil when IAM auth is disabled.
func (s *Source) IAM() *postgres.TokenProvider {
	return s.iam
}

// Close releases pooled connections.
func (s *Source) Close() {
	s.pool.Close()
}

// Ping checks the server is reachable and, when configured, that it supports
// logical replication.
func (s *Source) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify(fmt.Errorf("ping postgres: %w", err))
	}
	if s.opts.ValidateSettings {
		if err := ValidateLogicalReplication(ctx, s.pool); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Begin opens a plain read-write transaction.
func (s *Source) Begin(ctx context.Context) (replica.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("begin transaction: %w", err))
	}
	return tx, nil
}

// BeginSnapshot opens a read-only repeatable read transaction that sees the
// database as of the exported snapshot.
func (s *Source) BeginSnapshot(ctx context.Context, snapshot string) (replica.Tx, error) {
	if snapshot == "" {
		return nil, errors.New("snapshot name is required")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(fmt.Errorf("begin snapshot transaction: %w", err))
	}
	if _, err := tx.Exec(ctx, "SET TRANSACTION SNAPSHOT "+quoteLiteral(snapshot)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, classify(fmt.Errorf("set snapshot: %w", err))
	}
	return tx, nil
}

// Replication opens a walsender session in database mode.
func (s *Source) Replication(ctx context.Context) (replica.ReplicationConn, error) {
	cfg, err := ReplicationConfig(ctx, s.dsn, s.iam)
	if err != nil {
		return nil, err
	}
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, classify(fmt.Errorf("connect replication: %w", err))
	}
	return &replicationConn{conn: conn}, nil
}

// ReplicationConfig builds a pgconn config for a walsender session.
func ReplicationConfig(ctx context.Context, dsn string, iam *postgres.TokenProvider) (*pgconn.Config, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"
	if err := iam.ApplyToConnConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func quoteLiteral(value string) string {
	escaped := strings.ReplaceAll(value, "'", "''")
	return "'" + escaped + "'"
}
