package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/josephjohncox/pgmirror/internal/marker"
	"github.com/josephjohncox/pgmirror/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetryInterval is the delay between startup attempts while the source is unreachable.
const DefaultRetryInterval = 500 * time.Millisecond

// State is the startup state of a Handler.
type State int

const (
	StateNotStarted State = iota
	StateAwaitingConnection
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Handler.
type Config struct {
	// Database names the publication and slot.
	Database string
	// Tables is the explicit table list. Empty means the publication's tables,
	// or every registered table when the publication is created.
	Tables []string
	// Schemas are searched by RequiredTables when no table list is configured.
	Schemas         []string
	BlockSize       int
	UseNulls        bool
	MetadataPath    string
	RetryInterval   time.Duration
	SnapshotWorkers int
}

// Option configures a Handler.
type Option func(*Handler)

// WithTracer overrides the tracer used for startup spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// WithConnectivityCheck adds a classifier for driver errors that were not
// wrapped with ErrConnectivity. It is only consulted for failures while
// reaching the source, before any slot or table is touched.
func WithConnectivityCheck(check func(error) bool) Option {
	return func(h *Handler) {
		h.connectivity = check
	}
}

// Handler decides on every start whether the registered tables must be
// bootstrapped from a fresh snapshot or can resume from the existing slot,
// then hands off to the continuous consumer.
type Handler struct {
	cfg          Config
	src          Source
	fetcher      SchemaFetcher
	newConsumer  ConsumerFactory
	tracer       trace.Tracer
	connectivity func(error) bool
	publication  *PublicationManager
	slot         *SlotManager
	loader       *SnapshotLoader

	startOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	tables      map[string]TableStorage
	order       []string
	state       State
	err         error
	decision    Decision
	hasDecision bool
	consumer    Consumer
}

// NewHandler builds a handler for cfg.Database.
func NewHandler(cfg Config, src Source, fetcher SchemaFetcher, newConsumer ConsumerFactory, opts ...Option) (*Handler, error) {
	if cfg.Database == "" {
		return nil, errors.New("database name is required")
	}
	if cfg.MetadataPath == "" {
		return nil, errors.New("metadata path is required")
	}
	if src == nil {
		return nil, errors.New("source is required")
	}
	if fetcher == nil {
		return nil, errors.New("schema fetcher is required")
	}
	if newConsumer == nil {
		return nil, errors.New("consumer factory is required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if len(cfg.Schemas) == 0 {
		cfg.Schemas = []string{defaultNamespace}
	}
	tables := make([]string, 0, len(cfg.Tables))
	for _, table := range cfg.Tables {
		canonical, err := CanonicalTable(table)
		if err != nil {
			return nil, err
		}
		tables = append(tables, canonical)
	}
	cfg.Tables = tables

	h := &Handler{
		cfg:         cfg,
		src:         src,
		fetcher:     fetcher,
		newConsumer: newConsumer,
		publication: NewPublicationManager(PublicationName(cfg.Database), cfg.Tables),
		slot:        NewSlotManager(SlotName(cfg.Database)),
		done:        make(chan struct{}),
		tables:      make(map[string]TableStorage),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.tracer == nil {
		h.tracer = telemetry.Tracer("pgmirror")
	}
	h.loader = NewSnapshotLoader(src, fetcher, cfg.BlockSize, cfg.UseNulls, cfg.SnapshotWorkers, h.tracer)
	return h, nil
}

// PublicationName returns the managed publication name.
func (h *Handler) PublicationName() string {
	return h.publication.Name()
}

// SlotName returns the managed replication slot name.
func (h *Handler) SlotName() string {
	return h.slot.Name()
}

// AddTable registers local storage for a source table. Registration closes at Start.
func (h *Handler) AddTable(name string, storage TableStorage) error {
	canonical, err := CanonicalTable(name)
	if err != nil {
		return err
	}
	if storage == nil {
		return fmt.Errorf("storage for table %s is nil", canonical)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrStarted
	}
	if _, ok := h.tables[canonical]; !ok {
		h.order = append(h.order, canonical)
	}
	h.tables[canonical] = storage
	return nil
}

// Start schedules startup in the background. Only the first call has effect.
func (h *Handler) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		h.mu.Lock()
		h.started = true
		h.cancel = cancel
		h.mu.Unlock()
		go h.run(runCtx)
	})
}

// Stop cancels a pending startup and stops the consumer if one was started.
// Remote objects are left in place.
func (h *Handler) Stop(ctx context.Context) error {
	h.startOnce.Do(func() {
		h.mu.Lock()
		h.started = true
		h.mu.Unlock()
		close(h.done)
	})

	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	consumer := h.consumer
	h.consumer = nil
	if h.state != StateFailed {
		h.state = StateStopped
	}
	h.mu.Unlock()

	if consumer != nil {
		if err := consumer.Stop(ctx); err != nil {
			return fmt.Errorf("stop consumer: %w", err)
		}
	}
	return nil
}

// Done is closed once startup has finished, failed or been stopped.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that abandoned startup, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// State returns the current startup state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastDecision returns the decision taken by the most recent startup attempt.
func (h *Handler) LastDecision() (Decision, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decision, h.hasDecision
}

// Consumer returns the running consumer, if startup completed.
func (h *Handler) Consumer() Consumer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumer
}

func (h *Handler) run(ctx context.Context) {
	defer close(h.done)

	for {
		h.setState(StateAwaitingConnection)
		err := h.attempt(ctx)
		if err == nil {
			h.setState(StateRunning)
			return
		}
		if ctx.Err() != nil {
			h.setState(StateStopped)
			return
		}
		if !h.retryable(err) {
			log.Printf("replica: startup of %s failed: %v", h.cfg.Database, err)
			h.mu.Lock()
			h.state = StateFailed
			h.err = err
			h.mu.Unlock()
			return
		}

		log.Printf("replica: postgres unreachable, retrying in %s: %v", h.cfg.RetryInterval, err)
		timer := time.NewTimer(h.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.setState(StateStopped)
			return
		case <-timer.C:
		}
	}
}

// setupError marks a failure that happened while connecting to the source,
// before the slot or any local table was modified.
type setupError struct {
	err error
}

func (e *setupError) Error() string { return e.err.Error() }

func (e *setupError) Unwrap() error { return e.err }

func setupFailure(err error) error {
	return &setupError{err: err}
}

// retryable reports whether err is a connection setup failure caused by an
// unreachable source. Everything past setup is fatal.
func (h *Handler) retryable(err error) bool {
	var setup *setupError
	if !errors.As(err, &setup) {
		return false
	}
	if IsConnectivity(setup.err) {
		return true
	}
	return h.connectivity != nil && h.connectivity(setup.err)
}

func (h *Handler) attempt(ctx context.Context) error {
	if err := h.src.Ping(ctx); err != nil {
		return setupFailure(err)
	}
	consumer, err := h.synchronize(ctx, h.registrations())
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.consumer = consumer
	h.mu.Unlock()
	return nil
}

// registrations returns an immutable copy of the registered tables.
func (h *Handler) registrations() []Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Registration, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, Registration{Name: name, Storage: h.tables[name]})
	}
	return out
}

func (h *Handler) synchronize(ctx context.Context, tables []Registration) (Consumer, error) {
	ctx, span := h.tracer.Start(ctx, "replica.synchronize", trace.WithAttributes(
		attribute.String("publication", h.publication.Name()),
		attribute.String("slot", h.slot.Name()),
	))
	defer span.End()

	names := make([]string, 0, len(tables))
	for _, reg := range tables {
		names = append(names, reg.Name)
	}
	if err := h.ensurePublication(ctx, names); err != nil {
		_ = telemetry.Fail(span, err)
		return nil, setupFailure(err)
	}

	conn, err := h.src.Replication(ctx)
	if err != nil {
		_ = telemetry.Fail(span, err)
		return nil, setupFailure(err)
	}
	defer func() {
		if conn != nil {
			_ = conn.Close(context.WithoutCancel(ctx))
		}
	}()

	_, slotExists, err := h.slot.Exists(ctx, conn)
	if err != nil {
		_ = telemetry.Fail(span, err)
		return nil, setupFailure(err)
	}
	markerExists, err := marker.Exists(h.cfg.MetadataPath)
	if err != nil {
		_ = telemetry.Fail(span, err)
		return nil, err
	}
	justCreated := h.publication.JustCreated()
	decision := Decide(slotExists, markerExists, justCreated)
	h.mu.Lock()
	h.decision = decision
	h.hasDecision = true
	h.mu.Unlock()
	span.SetAttributes(attribute.String("decision", decision.String()))

	var startLSN string
	switch decision {
	case ForceRebootstrap:
		log.Printf("replica: replication slot %s is not trusted (marker present: %t, publication created: %t), rebootstrapping", h.slot.Name(), markerExists, justCreated)
		if err = h.slot.Drop(ctx, conn); err == nil {
			startLSN, err = h.bootstrap(ctx, conn, tables)
		}
	case Bootstrap:
		startLSN, err = h.bootstrap(ctx, conn, tables)
	case Resume:
		log.Printf("replica: resuming replication from slot %s", h.slot.Name())
		err = h.attach(ctx, tables)
	}
	if err != nil {
		_ = telemetry.Fail(span, err)
		return nil, err
	}

	// Ends the walsender session, releasing the exported snapshot.
	closeErr := conn.Close(ctx)
	conn = nil
	if closeErr != nil {
		log.Printf("replica: close replication session: %v", closeErr)
	}

	consumerTables := make(map[string]TableStorage, len(tables))
	for _, reg := range tables {
		consumerTables[reg.Name] = reg.Storage
	}
	consumer, err := h.newConsumer(ConsumerConfig{
		Slot:         h.slot.Name(),
		Publication:  h.publication.Name(),
		MetadataPath: h.cfg.MetadataPath,
		StartLSN:     startLSN,
		BlockSize:    h.cfg.BlockSize,
		Tables:       consumerTables,
	})
	if err != nil {
		return nil, fmt.Errorf("build consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	return consumer, nil
}

func (h *Handler) ensurePublication(ctx context.Context, registered []string) error {
	tx, err := h.src.Begin(ctx)
	if err != nil {
		return err
	}
	if err := h.publication.CreateIfNeeded(ctx, tx, registered); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publication: %w", err)
	}
	return nil
}

func (h *Handler) bootstrap(ctx context.Context, conn ReplicationConn, tables []Registration) (string, error) {
	if err := marker.Remove(h.cfg.MetadataPath); err != nil {
		return "", err
	}
	created, err := h.slot.Create(ctx, conn)
	if err != nil {
		return "", err
	}
	if err := h.loader.Load(ctx, created.SnapshotName, tables); err != nil {
		return "", err
	}
	state := marker.State{
		Slot:        h.slot.Name(),
		Publication: h.publication.Name(),
		LSN:         created.ConsistentPoint,
	}
	if err := marker.Write(h.cfg.MetadataPath, state); err != nil {
		return "", err
	}
	log.Printf("replica: initial synchronization of %d tables finished at %s", len(tables), created.ConsistentPoint)
	return created.ConsistentPoint, nil
}

func (h *Handler) attach(ctx context.Context, tables []Registration) error {
	for _, reg := range tables {
		if err := reg.Storage.Attach(ctx); err != nil {
			return fmt.Errorf("attach table %s: %w", reg.Name, err)
		}
	}
	return nil
}

func (h *Handler) setState(state State) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}
