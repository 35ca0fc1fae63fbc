// Package core assembles the consumer-facing engine: one observable entity
// store per configured type, cache-first reads through the query engine,
// write-through mutations with synchronous error surfacing, background
// replication, and child-record access.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"replicore/internal/cache"
	"replicore/internal/children"
	"replicore/internal/config"
	"replicore/internal/obs"
	"replicore/internal/query"
	"replicore/internal/replication"
	"replicore/internal/schema"
	"replicore/internal/store"
	"replicore/pkg/domain"
)

// ErrNotPermitted reports a mutation the space's permissions do not allow.
var ErrNotPermitted = errors.New("operation not permitted for entity type")

// Engine is the top-level service consumers hold. All reads are local-first;
// all writes go to the remote backend first and to the local cache and store
// only after the backend accepted them.
type Engine struct {
	index    *config.Index
	queries  *query.Engine
	repl     *replication.Coordinator
	children *children.Manager
	remote   domain.RemoteSource

	clock   domain.Clock
	logger  obs.Logger
	metrics obs.MetricsRecorder
	tracer  obs.Tracer

	mu     sync.Mutex
	stores map[domain.EntityType]*store.EntityStore
}

// Option customizes an Engine.
type Option func(*settings)

type settings struct {
	clock        domain.Clock
	logger       obs.Logger
	metrics      obs.MetricsRecorder
	tracer       obs.Tracer
	recordTTL    time.Duration
	pullInterval time.Duration
	batchSize    int
	debounce     time.Duration
}

// WithClock overrides the time source for deterministic tests.
func WithClock(c domain.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLogger attaches a structured logger to every component.
func WithLogger(l obs.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics attaches an operation metrics recorder.
func WithMetrics(m obs.MetricsRecorder) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTracer attaches a span tracer.
func WithTracer(t obs.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithRecordTTL overrides the cache record TTL.
func WithRecordTTL(d time.Duration) Option {
	return func(s *settings) { s.recordTTL = d }
}

// WithPullInterval overrides the replication pull cadence.
func WithPullInterval(d time.Duration) Option {
	return func(s *settings) { s.pullInterval = d }
}

// WithInsertBatch overrides realtime insert coalescing.
func WithInsertBatch(size int, debounce time.Duration) Option {
	return func(s *settings) {
		s.batchSize = size
		s.debounce = debounce
	}
}

// New assembles an engine over a remote source, a cache collection factory,
// and a parsed configuration index.
func New(remote domain.RemoteSource, open cache.Factory, index *config.Index, opts ...Option) *Engine {
	cfg := &settings{
		clock:        schema.SystemClock{},
		logger:       obs.NopLogger{},
		metrics:      obs.NopMetrics{},
		tracer:       obs.NopTracer{},
		recordTTL:    query.DefaultRecordTTL,
		pullInterval: replication.DefaultPullInterval,
		batchSize:    replication.DefaultInsertBatchSize,
		debounce:     replication.DefaultInsertDebounce,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e := &Engine{
		index:   index,
		remote:  remote,
		clock:   cfg.clock,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		tracer:  cfg.tracer,
		stores:  make(map[domain.EntityType]*store.EntityStore),
	}
	e.queries = query.NewEngine(remote, open, index,
		query.WithClock(cfg.clock),
		query.WithLogger(cfg.logger),
		query.WithMetrics(cfg.metrics),
		query.WithTracer(cfg.tracer),
		query.WithRecordTTL(cfg.recordTTL),
		query.WithTotalSink(func(entityType domain.EntityType, total int) {
			e.repl.PushTotal(entityType, total)
		}),
	)
	e.repl = replication.New(e.queries, remote, index,
		replication.WithClock(cfg.clock),
		replication.WithLogger(cfg.logger),
		replication.WithPullInterval(cfg.pullInterval),
		replication.WithInsertBatch(cfg.batchSize, cfg.debounce),
	)
	e.children = children.New(remote, open, index,
		children.WithClock(cfg.clock),
		children.WithLogger(cfg.logger),
		children.WithRecordTTL(cfg.recordTTL),
	)
	return e
}

// Start launches background replication.
func (e *Engine) Start(ctx context.Context) { e.repl.Start(ctx) }

// Stop halts replication and closes all cache collections.
func (e *Engine) Stop() error {
	e.repl.Stop()
	return e.queries.Close()
}

// Errors exposes failures that degraded results instead of propagating.
func (e *Engine) Errors() <-chan error { return e.queries.Errors() }

// GetEntityStore returns the observable store for an entity type, creating
// and registering it on first use. Unknown types return nil.
func (e *Engine) GetEntityStore(entityType domain.EntityType) *store.EntityStore {
	if _, ok := e.index.Descriptor(entityType); !ok {
		e.logger.Warn("store requested for unconfigured entity type", "type", entityType)
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[entityType]; ok {
		return s
	}
	s := store.New(entityType)
	e.stores[entityType] = s
	e.repl.Register(entityType, s)
	return s
}

func (e *Engine) descriptor(entityType domain.EntityType) (domain.SpaceDescriptor, error) {
	desc, ok := e.index.Descriptor(entityType)
	if !ok {
		return domain.SpaceDescriptor{}, domain.ErrConfigurationMissing{Type: entityType}
	}
	return desc, nil
}

// Create validates and pushes a new entity, then materializes the backend's
// authoritative version locally. Write failures surface synchronously so the
// caller can retry or roll back optimistic state.
func (e *Engine) Create(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (domain.Entity, error) {
	desc, err := e.descriptor(entityType)
	if err != nil {
		return domain.Entity{}, err
	}
	if !desc.Permissions.CanAdd {
		return domain.Entity{}, fmt.Errorf("create %s: %w", entityType, ErrNotPermitted)
	}
	if entity.ID == "" {
		return domain.Entity{}, fmt.Errorf("create %s: entity without id", entityType)
	}
	now := e.clock.Now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	if storageSchema, ok := e.queries.Schema(ctx, entityType); ok {
		if err := schema.Validate(storageSchema, entity); err != nil {
			return domain.Entity{}, fmt.Errorf("create %s: %w", entityType, err)
		}
	}

	created, err := e.remote.Push(ctx, entityType, entity)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("create %s: %w", entityType, err)
	}
	e.materialize(ctx, entityType, created)
	return created, nil
}

// Update merges field changes into the current record, pushes the result,
// and materializes the backend's authoritative version locally.
func (e *Engine) Update(ctx context.Context, entityType domain.EntityType, id string, changes map[string]domain.Value) (domain.Entity, error) {
	desc, err := e.descriptor(entityType)
	if err != nil {
		return domain.Entity{}, err
	}
	if !desc.Permissions.CanEdit {
		return domain.Entity{}, fmt.Errorf("update %s: %w", entityType, ErrNotPermitted)
	}
	current, found, err := e.queries.Get(ctx, entityType, id)
	if err != nil {
		return domain.Entity{}, err
	}
	if !found {
		return domain.Entity{}, domain.ErrNotFound{Type: entityType, ID: id}
	}
	next := current.Clone()
	if next.Fields == nil {
		next.Fields = make(map[string]domain.Value, len(changes))
	}
	for field, value := range changes {
		next.Fields[field] = value.Clone()
	}
	next.UpdatedAt = e.clock.Now()

	updated, err := e.remote.Push(ctx, entityType, next)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("update %s %s: %w", entityType, id, err)
	}
	e.materialize(ctx, entityType, updated)
	return updated, nil
}

// Delete soft-deletes an entity upstream and drops it locally.
func (e *Engine) Delete(ctx context.Context, entityType domain.EntityType, id string) error {
	desc, err := e.descriptor(entityType)
	if err != nil {
		return err
	}
	if !desc.Permissions.CanDelete {
		return fmt.Errorf("delete %s: %w", entityType, ErrNotPermitted)
	}
	if err := e.remote.Delete(ctx, entityType, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", entityType, id, err)
	}
	if col, cerr := e.queries.Collection(ctx, entityType); cerr == nil {
		if _, derr := col.Delete(ctx, id); derr != nil {
			e.logger.Warn("local delete failed", "type", entityType, "id", id, "error", derr)
		}
	}
	if s := e.GetEntityStore(entityType); s != nil {
		s.RemoveOne(id)
	}
	return nil
}

// materialize writes an accepted entity through the cache and store.
func (e *Engine) materialize(ctx context.Context, entityType domain.EntityType, entity domain.Entity) {
	col, err := e.queries.Collection(ctx, entityType)
	if err == nil {
		rec := domain.CacheRecord{Entity: entity, CachedAt: e.clock.Now().UnixMilli()}
		if uerr := col.Upsert(ctx, rec); uerr != nil {
			e.logger.Warn("cache write-through failed", "type", entityType, "id", entity.ID, "error", uerr)
		}
	}
	if s := e.GetEntityStore(entityType); s != nil {
		s.UpsertOne(entity)
	}
}

// GetAll returns the store's current list without touching the network.
func (e *Engine) GetAll(entityType domain.EntityType) []domain.Entity {
	s := e.GetEntityStore(entityType)
	if s == nil {
		return nil
	}
	return s.List()
}

// GetByID reads one entity, cache first with a remote refetch. A missing id
// returns (zero, false, nil), not an error.
func (e *Engine) GetByID(ctx context.Context, entityType domain.EntityType, id string) (domain.Entity, bool, error) {
	return e.queries.Get(ctx, entityType, id)
}

// Find filters the store's current list in memory.
func (e *Engine) Find(entityType domain.EntityType, pred func(domain.Entity) bool) []domain.Entity {
	s := e.GetEntityStore(entityType)
	if s == nil {
		return nil
	}
	return s.Where(pred)
}

// ApplyFilters executes one paginated read and folds the page into the
// store.
func (e *Engine) ApplyFilters(ctx context.Context, entityType domain.EntityType, filters domain.Filters, opts domain.QueryOptions) (domain.QueryResult, error) {
	result, err := e.queries.ApplyFilters(ctx, entityType, filters, opts)
	if err != nil {
		return result, err
	}
	if s := e.GetEntityStore(entityType); s != nil {
		s.UpsertMany(result.Records)
		if result.Total > 0 {
			s.SetTotalFromServer(result.Total)
		}
	}
	return result, nil
}

// LoadInitial loads the first page for a type into its store.
func (e *Engine) LoadInitial(ctx context.Context, entityType domain.EntityType, filters domain.Filters, opts domain.QueryOptions) error {
	if e.GetEntityStore(entityType) == nil {
		return domain.ErrConfigurationMissing{Type: entityType}
	}
	return e.repl.LoadInitial(ctx, entityType, filters, opts)
}

// LoadMore appends the next page to the store.
func (e *Engine) LoadMore(ctx context.Context, entityType domain.EntityType) (bool, error) {
	return e.repl.LoadMore(ctx, entityType)
}

// ApplyEvent feeds one realtime change event from the push transport into
// replication.
func (e *Engine) ApplyEvent(ctx context.Context, entityType domain.EntityType, kind domain.ChangeKind, entity domain.Entity) error {
	return e.repl.ApplyEvent(ctx, entityType, kind, entity)
}

// Select marks an entity as selected in its store.
func (e *Engine) Select(entityType domain.EntityType, id string) {
	if s := e.GetEntityStore(entityType); s != nil {
		s.Select(id)
	}
}

// Selected returns the selected entity of a type, when one is materialized.
func (e *Engine) Selected(entityType domain.EntityType) (domain.Entity, bool) {
	s := e.GetEntityStore(entityType)
	if s == nil {
		return domain.Entity{}, false
	}
	return s.Selected()
}

// LoadChildRecords fetches a parent's children of one table type and caches
// them.
func (e *Engine) LoadChildRecords(ctx context.Context, parentID, table string, opts domain.QueryOptions) ([]domain.ChildRecord, error) {
	return e.children.LoadChildRecords(ctx, parentID, table, opts)
}

// GetChildRecords serves a parent's children from the cache alone.
func (e *Engine) GetChildRecords(ctx context.Context, parentID, table string, opts domain.QueryOptions) ([]domain.ChildRecord, error) {
	return e.children.GetChildRecords(ctx, parentID, table, opts)
}

// ApplyChildFilters runs a filtered child page scoped to one parent.
func (e *Engine) ApplyChildFilters(ctx context.Context, parentID, table string, filters domain.Filters, opts domain.QueryOptions) (children.ChildResult, error) {
	return e.children.ApplyChildFilters(ctx, parentID, table, filters, opts)
}
