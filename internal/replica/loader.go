package replica

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultBlockSize = 65536

// Registration pairs a source table with its local storage.
type Registration struct {
	Name    string
	Storage TableStorage
}

// SnapshotLoader copies tables from an exported snapshot into local storage.
type SnapshotLoader struct {
	src       Source
	fetcher   SchemaFetcher
	blockSize int
	useNulls  bool
	workers   int
	tracer    trace.Tracer
}

// NewSnapshotLoader returns a loader reading through src.
func NewSnapshotLoader(src Source, fetcher SchemaFetcher, blockSize int, useNulls bool, workers int, tracer trace.Tracer) *SnapshotLoader {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	if workers <= 0 {
		workers = 1
	}
	return &SnapshotLoader{
		src:       src,
		fetcher:   fetcher,
		blockSize: blockSize,
		useNulls:  useNulls,
		workers:   workers,
		tracer:    tracer,
	}
}

// Load copies every table using the same snapshot. It stops at the first failure.
func (l *SnapshotLoader) Load(ctx context.Context, snapshot string, tables []Registration) error {
	ctx, span := l.tracer.Start(ctx, "replica.load_snapshot", trace.WithAttributes(
		attribute.String("snapshot", snapshot),
		attribute.Int("tables", len(tables)),
	))
	defer span.End()

	if l.workers <= 1 || len(tables) <= 1 {
		for _, reg := range tables {
			if err := l.LoadTable(ctx, snapshot, reg); err != nil {
				_ = telemetry.Fail(span, err)
				return err
			}
		}
		return nil
	}

	workers := l.workers
	if workers > len(tables) {
		workers = len(tables)
	}
	taskCh := make(chan Registration, len(tables))
	for _, reg := range tables {
		taskCh <- reg
	}
	close(taskCh)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for reg := range taskCh {
				if workerCtx.Err() != nil {
					return
				}
				if err := l.LoadTable(workerCtx, snapshot, reg); err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		_ = telemetry.Fail(span, firstErr)
		return firstErr
	}
	return ctx.Err()
}

// LoadTable copies one table in its own snapshot-pinned transaction.
func (l *SnapshotLoader) LoadTable(ctx context.Context, snapshot string, reg Registration) error {
	ctx, span := l.tracer.Start(ctx, "replica.load_table", trace.WithAttributes(attribute.String("table", reg.Name)))
	defer span.End()

	if err := l.loadTable(ctx, snapshot, reg); err != nil {
		_ = telemetry.Fail(span, err)
		return fmt.Errorf("while initial data synchronization for table %s: %w", reg.Name, err)
	}
	return nil
}

func (l *SnapshotLoader) loadTable(ctx context.Context, snapshot string, reg Registration) error {
	namespace, table, err := SplitTable(reg.Name)
	if err != nil {
		return err
	}

	tx, err := l.src.BeginSnapshot(ctx, snapshot)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	fetch := func(ctx context.Context) (schema.Table, error) {
		return l.fetcher.FetchTable(ctx, tx, reg.Name, l.useNulls)
	}
	if err := reg.Storage.CreateNestedIfNeeded(ctx, fetch); err != nil {
		return fmt.Errorf("create local table: %w", err)
	}

	identifier := pgx.Identifier{namespace, table}.Sanitize()
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM %s", identifier))
	if err != nil {
		return fmt.Errorf("query table %s: %w", identifier, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, field.Name)
	}

	batch := make([][]any, 0, l.blockSize)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("read row values: %w", err)
		}
		batch = append(batch, values)
		if len(batch) >= l.blockSize {
			if err := reg.Storage.Insert(ctx, columns, batch); err != nil {
				return fmt.Errorf("insert block: %w", err)
			}
			batch = make([][]any, 0, l.blockSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	rows.Close()
	if len(batch) > 0 {
		if err := reg.Storage.Insert(ctx, columns, batch); err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	committed = true
	reg.Storage.SetNestedLoaded()
	return nil
}
