package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/josephjohncox/pgmirror/internal/config"
	"github.com/josephjohncox/pgmirror/internal/consumer"
	"github.com/josephjohncox/pgmirror/internal/pgsource"
	"github.com/josephjohncox/pgmirror/internal/postgres"
	"github.com/josephjohncox/pgmirror/internal/replica"
	"github.com/josephjohncox/pgmirror/internal/storage"
	"github.com/josephjohncox/pgmirror/internal/storage/clickhouse"
	"github.com/josephjohncox/pgmirror/internal/storage/duckdb"
	"github.com/josephjohncox/pgmirror/internal/storage/sqlite"
	"github.com/josephjohncox/pgmirror/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Mirror holds the wired components for one mirrored database.
type Mirror struct {
	cfg     *config.Config
	src     *pgsource.Source
	sink    storage.Sink
	handler *replica.Handler
}

// Open connects the source pool and the local storage and builds the handler.
// Nothing is dialed on the source until the handler runs.
func Open(ctx context.Context, cfg *config.Config) (*Mirror, error) {
	src, err := pgsource.Open(ctx, cfg.Postgres.DSN, pgsource.Options{
		IAM:              iamConfig(cfg.AWS),
		ValidateSettings: cfg.Postgres.ValidateSettings,
		MaxConns:         int32(cfg.Postgres.MaxConns),
	})
	if err != nil {
		return nil, err
	}
	sink, err := OpenSink(ctx, cfg.Storage)
	if err != nil {
		src.Close()
		return nil, err
	}

	tracer := telemetry.Tracer(cfg.Telemetry.ServiceName)
	newConsumer := func(ccfg replica.ConsumerConfig) (replica.Consumer, error) {
		c, err := consumer.New(ccfg, cfg.Postgres.DSN,
			consumer.WithIAM(src.IAM()),
			consumer.WithStatusInterval(cfg.Replication.StatusInterval),
			consumer.WithTracer(tracer),
		)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	handler, err := replica.NewHandler(replica.Config{
		Database:        cfg.Database,
		Tables:          cfg.Postgres.Tables,
		Schemas:         cfg.Postgres.Schemas,
		BlockSize:       cfg.Replication.BlockSize,
		UseNulls:        cfg.Replication.UseNulls,
		MetadataPath:    cfg.Replication.MetadataPath,
		RetryInterval:   cfg.Replication.RetryInterval,
		SnapshotWorkers: cfg.Replication.SnapshotWorkers,
	}, src, pgsource.Catalog{}, newConsumer,
		replica.WithTracer(tracer),
		replica.WithConnectivityCheck(pgsource.IsConnectivityError),
	)
	if err != nil {
		_ = sink.Close()
		src.Close()
		return nil, err
	}
	return &Mirror{cfg: cfg, src: src, sink: sink, handler: handler}, nil
}

// OpenSink opens the configured local storage backend.
func OpenSink(ctx context.Context, cfg config.StorageConfig) (storage.Sink, error) {
	switch cfg.Backend {
	case config.StorageClickHouse:
		return clickhouse.Open(ctx, cfg.DSN, cfg.Database)
	case config.StorageDuckDB:
		return duckdb.Open(ctx, cfg.DSN)
	case config.StorageSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// Handler exposes the startup handler.
func (m *Mirror) Handler() *replica.Handler {
	return m.handler
}

// Close releases the source pool and the local storage.
func (m *Mirror) Close() {
	if err := m.sink.Close(); err != nil {
		log.Printf("close storage: %v", err)
	}
	m.src.Close()
}

// Register resolves the table set and registers one local table per entry.
// Connectivity failures are retried until ctx is done.
func (m *Mirror) Register(ctx context.Context) ([]string, error) {
	var tables []string
	err := m.retry(ctx, func() error {
		var err error
		tables, err = m.handler.RequiredTables(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, name := range tables {
		if err := m.handler.AddTable(name, storage.NewTable(name, m.sink)); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

func (m *Mirror) retry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !replica.IsConnectivity(err) && !pgsource.IsConnectivityError(err) {
			return err
		}
		log.Printf("postgres unreachable, retrying in %s: %v", m.cfg.Replication.RetryInterval, err)
		timer := time.NewTimer(m.cfg.Replication.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Run mirrors cfg.Database until ctx is cancelled or replication fails.
func Run(ctx context.Context, cfg *config.Config) error {
	m, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	tables, err := m.Register(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Printf("mirroring %d tables of %s via %s/%s", len(tables), cfg.Database, m.handler.PublicationName(), m.handler.SlotName())

	m.handler.Start(ctx)
	err = m.wait(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if stopErr := m.handler.Stop(stopCtx); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}

func (m *Mirror) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-m.handler.Done():
	}
	if err := m.handler.Err(); err != nil {
		return err
	}
	if decision, ok := m.handler.LastDecision(); ok {
		log.Printf("startup of %s completed: %s", m.cfg.Database, decision)
	}

	c, ok := m.handler.Consumer().(*consumer.Consumer)
	if !ok {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

// Teardown drops the publication, the slot, the marker and the local tables.
func Teardown(ctx context.Context, cfg *config.Config) error {
	m, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	tables := cfg.Postgres.Tables
	status, err := m.handler.Status(ctx)
	if err != nil {
		return err
	}
	if len(status.PublishedTables) > 0 {
		tables = status.PublishedTables
	}

	if err := m.handler.Teardown(ctx); err != nil {
		return err
	}
	for _, name := range tables {
		if err := storage.NewTable(name, m.sink).Drop(ctx); err != nil {
			return err
		}
	}
	log.Printf("tore down %s: dropped %d local tables", cfg.Database, len(tables))
	return nil
}

// Status reports the remote replication objects and the local marker.
func Status(ctx context.Context, cfg *config.Config) (replica.Status, error) {
	m, err := Open(ctx, cfg)
	if err != nil {
		return replica.Status{}, err
	}
	defer m.Close()
	return m.handler.Status(ctx)
}

func iamConfig(cfg config.AWSConfig) postgres.IAMConfig {
	return postgres.IAMConfig{
		Enabled:         cfg.RDSIAM,
		Region:          cfg.Region,
		Profile:         cfg.Profile,
		RoleARN:         cfg.RoleARN,
		RoleSessionName: cfg.RoleSessionName,
		RoleExternalID:  cfg.RoleExternalID,
		Endpoint:        cfg.Endpoint,
	}
}
