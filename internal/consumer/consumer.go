// Package consumer applies the logical replication stream to local tables
// once startup has bootstrapped or resumed them.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/josephjohncox/pgmirror/internal/marker"
	"github.com/josephjohncox/pgmirror/internal/pgsource"
	"github.com/josephjohncox/pgmirror/internal/postgres"
	"github.com/josephjohncox/pgmirror/internal/replica"
	"github.com/josephjohncox/pgmirror/internal/schema"
	"github.com/josephjohncox/pgmirror/internal/storage"
	"github.com/josephjohncox/pgmirror/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStatusInterval = 10 * time.Second
	defaultBlockSize      = 65536
)

// Target receives the committed changes of one table.
type Target interface {
	Apply(ctx context.Context, def schema.Table, changes []storage.Change) error
}

// Consumer streams pgoutput changes from the slot into registered tables.
type Consumer struct {
	dsn            string
	cfg            replica.ConsumerConfig
	iam            *postgres.TokenProvider
	statusInterval time.Duration
	typeMap        *pgtype.Map
	tracer         trace.Tracer
	targets        map[string]Target

	mu       sync.Mutex
	conn     *pgconn.PgConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	lastErr  error
	startLSN pglogrepl.LSN
	ackLSN   pglogrepl.LSN
	recvLSN  pglogrepl.LSN

	relations map[uint32]*pglogrepl.RelationMessage
	schemas   map[uint32]schema.Table
	tx        *pendingTx
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithStatusInterval sets how often standby status is reported.
func WithStatusInterval(interval time.Duration) Option {
	return func(c *Consumer) {
		if interval > 0 {
			c.statusInterval = interval
		}
	}
}

// WithIAM authenticates the replication connection with RDS IAM tokens.
func WithIAM(provider *postgres.TokenProvider) Option {
	return func(c *Consumer) {
		c.iam = provider
	}
}

// WithTypeMap overrides the map used to decode column values.
func WithTypeMap(typeMap *pgtype.Map) Option {
	return func(c *Consumer) {
		c.typeMap = typeMap
	}
}

// WithTracer overrides the tracer used for commit spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) {
		c.tracer = tracer
	}
}

// New builds a consumer for cfg. Every registered table must also accept
// streamed changes.
func New(cfg replica.ConsumerConfig, dsn string, opts ...Option) (*Consumer, error) {
	if cfg.Slot == "" {
		return nil, errors.New("replication slot is required")
	}
	if cfg.Publication == "" {
		return nil, errors.New("publication is required")
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	targets := make(map[string]Target, len(cfg.Tables))
	for name, table := range cfg.Tables {
		target, ok := table.(Target)
		if !ok {
			return nil, fmt.Errorf("table %s cannot apply changes", name)
		}
		targets[name] = target
	}

	c := &Consumer{
		dsn:            dsn,
		cfg:            cfg,
		statusInterval: defaultStatusInterval,
		targets:        targets,
		done:           make(chan struct{}),
		relations:      make(map[uint32]*pglogrepl.RelationMessage),
		schemas:        make(map[uint32]schema.Table),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.typeMap == nil {
		c.typeMap = postgres.NewTypeMap()
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer(telemetry.DefaultService)
	}
	return c, nil
}

// resolveStartLSN returns the configured start position, or the marker's.
func (c *Consumer) resolveStartLSN() (pglogrepl.LSN, error) {
	raw := c.cfg.StartLSN
	if raw == "" {
		state, err := marker.Read(c.cfg.MetadataPath)
		if err != nil {
			return 0, fmt.Errorf("resume position: %w", err)
		}
		raw = state.LSN
	}
	if raw == "" {
		return 0, errors.New("no start position for consumer")
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return 0, fmt.Errorf("parse start lsn %q: %w", raw, err)
	}
	return lsn, nil
}

// Start opens the replication stream and applies changes in the background.
func (c *Consumer) Start(ctx context.Context) error {
	if c.dsn == "" {
		return errors.New("postgres DSN is required")
	}
	startLSN, err := c.resolveStartLSN()
	if err != nil {
		return err
	}

	cfg, err := pgsource.ReplicationConfig(ctx, c.dsn, c.iam)
	if err != nil {
		return err
	}
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return classify(fmt.Errorf("connect replication: %w", err))
	}

	pluginArgs := []string{
		"proto_version '1'",
		replica.PublicationNamesOption(c.cfg.Publication),
	}
	if err := pglogrepl.StartReplication(ctx, conn, c.cfg.Slot, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		conn.Close(ctx)
		return classify(fmt.Errorf("start replication: %w", err))
	}
	log.Printf("consumer: streaming slot %s from %s", c.cfg.Slot, startLSN)

	streamCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.startLSN = startLSN
	c.ackLSN = startLSN
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(streamCtx, conn, startLSN)
	return nil
}

// Stop ends streaming. A commit being applied finishes first.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if conn != nil {
		return conn.Close(ctx)
	}
	return nil
}

// Done is closed when the stream loop exits.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns the fault that ended the stream, if any.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// AppliedLSN returns the end of the last applied transaction.
func (c *Consumer) AppliedLSN() pglogrepl.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackLSN
}

func (c *Consumer) consume(ctx context.Context, conn *pgconn.PgConn, startLSN pglogrepl.LSN) {
	defer c.wg.Done()
	defer close(c.done)

	nextStandbyMessageDeadline := time.Now().Add(c.statusInterval)
	for {
		if ctx.Err() != nil {
			return
		}

		if time.Now().After(nextStandbyMessageDeadline) {
			pos := c.ackPosition()
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: pos,
				WALFlushPosition: pos,
				WALApplyPosition: pos,
			})
			if err != nil {
				c.fail(ctx, fmt.Errorf("send standby status: %w", err))
				return
			}
			nextStandbyMessageDeadline = time.Now().Add(c.statusInterval)
		}

		deadlineCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(deadlineCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			c.fail(ctx, fmt.Errorf("receive message: %w", err))
			return
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			c.fail(ctx, fmt.Errorf("postgres error: %s", errMsg.Message))
			return
		}
		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				c.fail(ctx, fmt.Errorf("parse keepalive: %w", err))
				return
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				c.fail(ctx, fmt.Errorf("parse xlogdata: %w", err))
				return
			}
			if err := c.handleWal(ctx, xld); err != nil {
				c.fail(ctx, err)
				return
			}
			c.setReceivedLSN(xld.WALStart + pglogrepl.LSN(len(xld.WALData)))
		}
	}
}

// fail records err unless the loop is ending because of Stop.
func (c *Consumer) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Printf("consumer: stream for slot %s stopped: %v", c.cfg.Slot, err)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Consumer) ack(lsn pglogrepl.LSN) {
	c.mu.Lock()
	if lsn > c.ackLSN {
		c.ackLSN = lsn
	}
	c.mu.Unlock()
}

func (c *Consumer) ackPosition() pglogrepl.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackLSN
}

func (c *Consumer) setReceivedLSN(lsn pglogrepl.LSN) {
	c.mu.Lock()
	if lsn > c.recvLSN {
		c.recvLSN = lsn
	}
	c.mu.Unlock()
}

func classify(err error) error {
	if pgsource.IsConnectivityError(err) {
		return fmt.Errorf("%w: %w", replica.ErrConnectivity, err)
	}
	return err
}
