// Package replication keeps the local cache and entity stores convergent
// with the remote backend: periodic pulls, realtime change application with
// insert coalescing, last-write-wins conflict resolution, and manual
// load-more paging.
package replication

import (
	"context"
	"sync"
	"time"

	"replicore/internal/config"
	"replicore/internal/obs"
	"replicore/internal/query"
	"replicore/internal/schema"
	"replicore/internal/store"
	"replicore/pkg/domain"
)

const (
	// DefaultPullInterval paces the background pull loop.
	DefaultPullInterval = 30 * time.Second
	// DefaultPullLimit caps how many changed records one pull fetches.
	DefaultPullLimit = 500
	// DefaultInsertBatchSize flushes coalesced realtime inserts once reached.
	DefaultInsertBatchSize = 50
	// DefaultInsertDebounce flushes a partial insert batch after this quiet
	// period.
	DefaultInsertDebounce = 200 * time.Millisecond
)

// Coordinator drives background synchronization for all registered entity
// types. One coordinator owns one pull loop; realtime events arrive via
// ApplyEvent from whatever push transport the embedding application uses.
type Coordinator struct {
	engine *query.Engine
	remote domain.RemoteSource
	index  *config.Index

	clock    domain.Clock
	logger   obs.Logger
	interval time.Duration
	pullLim  int
	batchLen int
	debounce time.Duration

	mu     sync.Mutex
	states map[domain.EntityType]*typeState

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// typeState tracks per-entity-type replication progress. The loading flag
// guards re-entrant initial loads and load-mores: a second call while one is
// in flight is a no-op.
type typeState struct {
	store    *store.EntityStore
	lastPull time.Time

	loading    bool
	loaded     bool
	filters    domain.Filters
	options    domain.QueryOptions
	nextCursor *domain.Cursor
	hasMore    bool

	pending    []domain.Entity
	flushTimer *time.Timer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option {
	return func(r *Coordinator) { r.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(l obs.Logger) Option {
	return func(r *Coordinator) { r.logger = l }
}

// WithPullInterval overrides the background pull cadence.
func WithPullInterval(d time.Duration) Option {
	return func(r *Coordinator) { r.interval = d }
}

// WithPullLimit overrides the per-pull record cap.
func WithPullLimit(n int) Option {
	return func(r *Coordinator) { r.pullLim = n }
}

// WithInsertBatch overrides the realtime insert coalescing parameters.
func WithInsertBatch(size int, debounce time.Duration) Option {
	return func(r *Coordinator) {
		r.batchLen = size
		r.debounce = debounce
	}
}

// New wires a coordinator over the query engine's collections and the remote
// source.
func New(engine *query.Engine, remote domain.RemoteSource, index *config.Index, opts ...Option) *Coordinator {
	r := &Coordinator{
		engine:   engine,
		remote:   remote,
		index:    index,
		clock:    schema.SystemClock{},
		logger:   obs.NopLogger{},
		interval: DefaultPullInterval,
		pullLim:  DefaultPullLimit,
		batchLen: DefaultInsertBatchSize,
		debounce: DefaultInsertDebounce,
		states:   make(map[domain.EntityType]*typeState),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an entity store to its type. The store receives replicated
// changes and authoritative totals from then on.
func (r *Coordinator) Register(entityType domain.EntityType, s *store.EntityStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[entityType]; ok {
		return
	}
	r.states[entityType] = &typeState{store: s, lastPull: r.clock.Now()}
}

func (r *Coordinator) state(entityType domain.EntityType) (*typeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[entityType]
	return st, ok
}

// Start launches the periodic pull loop. Stop tears it down.
func (r *Coordinator) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.PullAll(ctx)
				r.engine.EvictExpired(ctx)
			}
		}
	}()
}

// Stop halts the pull loop and flushes pending insert batches.
func (r *Coordinator) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	r.mu.Lock()
	types := make([]domain.EntityType, 0, len(r.states))
	for entityType, st := range r.states {
		if st.flushTimer != nil {
			st.flushTimer.Stop()
		}
		types = append(types, entityType)
	}
	r.mu.Unlock()
	for _, entityType := range types {
		r.flushInserts(entityType)
	}
}

// PullAll runs one pull for every registered type.
func (r *Coordinator) PullAll(ctx context.Context) {
	r.mu.Lock()
	types := make([]domain.EntityType, 0, len(r.states))
	for entityType := range r.states {
		types = append(types, entityType)
	}
	r.mu.Unlock()
	for _, entityType := range types {
		if err := r.PullOnce(ctx, entityType); err != nil {
			r.logger.Warn("pull failed", "type", entityType, "error", err)
		}
	}
}

// PullOnce fetches records changed since the last pull and folds them into
// the cache and store under last-write-wins.
func (r *Coordinator) PullOnce(ctx context.Context, entityType domain.EntityType) error {
	st, ok := r.state(entityType)
	if !ok {
		return nil
	}
	r.mu.Lock()
	since := st.lastPull
	r.mu.Unlock()

	pullStarted := r.clock.Now()
	changed, err := r.remote.PullSince(ctx, entityType, since, r.pullLim)
	if err != nil {
		if domain.IsOffline(err) {
			return nil
		}
		return err
	}
	if err := r.applyRemote(ctx, entityType, st, changed); err != nil {
		return err
	}
	r.mu.Lock()
	st.lastPull = pullStarted
	r.mu.Unlock()
	return nil
}

// applyRemote folds a batch of authoritative records into cache and store.
// A local record younger than the incoming one wins and the incoming change
// is dropped.
func (r *Coordinator) applyRemote(ctx context.Context, entityType domain.EntityType, st *typeState, changed []domain.Entity) error {
	if len(changed) == 0 {
		return nil
	}
	col, err := r.engine.Collection(ctx, entityType)
	if err != nil {
		return err
	}
	now := r.clock.Now().UnixMilli()

	var upserts []domain.CacheRecord
	var alive []domain.Entity
	var removed []string
	for _, entity := range changed {
		if entity.ID == "" {
			continue
		}
		local, ok, gerr := col.Get(ctx, entity.ID)
		if gerr != nil {
			return gerr
		}
		if ok && local.UpdatedAt.After(entity.UpdatedAt) {
			continue
		}
		if entity.Deleted {
			if _, derr := col.Delete(ctx, entity.ID); derr != nil {
				return derr
			}
			removed = append(removed, entity.ID)
			continue
		}
		upserts = append(upserts, domain.CacheRecord{Entity: entity, CachedAt: now})
		alive = append(alive, entity)
	}
	if len(upserts) > 0 {
		if err := col.UpsertMany(ctx, upserts); err != nil {
			return err
		}
	}
	if len(alive) > 0 {
		st.store.UpsertMany(alive)
	}
	if len(removed) > 0 {
		st.store.RemoveMany(removed)
	}
	return nil
}

// ApplyEvent folds one realtime change event into the cache and store.
// Inserts are coalesced and flushed in batches; updates and deletes apply
// immediately.
func (r *Coordinator) ApplyEvent(ctx context.Context, entityType domain.EntityType, kind domain.ChangeKind, entity domain.Entity) error {
	st, ok := r.state(entityType)
	if !ok {
		return nil
	}
	switch kind {
	case domain.ChangeInsert:
		r.queueInsert(entityType, st, entity)
		return nil
	case domain.ChangeUpdate:
		return r.applyRemote(ctx, entityType, st, []domain.Entity{entity})
	case domain.ChangeDelete:
		entity.Deleted = true
		return r.applyRemote(ctx, entityType, st, []domain.Entity{entity})
	}
	return nil
}

// queueInsert buffers an insert and schedules the debounce flush. The batch
// flushes early once it reaches the configured size.
func (r *Coordinator) queueInsert(entityType domain.EntityType, st *typeState, entity domain.Entity) {
	r.mu.Lock()
	st.pending = append(st.pending, entity)
	full := len(st.pending) >= r.batchLen
	if !full {
		if st.flushTimer == nil {
			st.flushTimer = time.AfterFunc(r.debounce, func() {
				r.flushInserts(entityType)
			})
		} else {
			st.flushTimer.Reset(r.debounce)
		}
	}
	r.mu.Unlock()
	if full {
		r.flushInserts(entityType)
	}
}

// flushInserts drains the pending insert batch into cache and store with one
// store notification.
func (r *Coordinator) flushInserts(entityType domain.EntityType) {
	st, ok := r.state(entityType)
	if !ok {
		return
	}
	r.mu.Lock()
	batch := st.pending
	st.pending = nil
	if st.flushTimer != nil {
		st.flushTimer.Stop()
		st.flushTimer = nil
	}
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.applyRemote(ctx, entityType, st, batch); err != nil {
		r.logger.Warn("insert batch apply failed", "type", entityType, "error", err)
	}
}

// LoadInitial loads the first page for a type into its store. A call while a
// load is already in flight is a no-op.
func (r *Coordinator) LoadInitial(ctx context.Context, entityType domain.EntityType, filters domain.Filters, opts domain.QueryOptions) error {
	st, ok := r.state(entityType)
	if !ok {
		return nil
	}
	r.mu.Lock()
	if st.loading {
		r.mu.Unlock()
		return nil
	}
	st.loading = true
	st.filters = filters.Clone()
	st.options = opts
	r.mu.Unlock()
	defer r.clearLoading(st)

	st.store.SetLoading(true)
	defer st.store.SetLoading(false)

	result, err := r.engine.ApplyFilters(ctx, entityType, filters, opts)
	if err != nil {
		st.store.SetErr(err)
		return err
	}
	st.store.SetErr(nil)
	st.store.SetAll(result.Records, true)
	if result.Total > 0 || result.Offline {
		st.store.SetTotalFromServer(result.Total)
	}

	r.mu.Lock()
	st.loaded = true
	st.nextCursor = result.NextCursor
	st.hasMore = result.HasMore
	r.mu.Unlock()
	return nil
}

// LoadMore appends the next page, sized by the view's configured page size
// unless the initial options said otherwise. Returns false when no further
// page exists or a load is already running.
func (r *Coordinator) LoadMore(ctx context.Context, entityType domain.EntityType) (bool, error) {
	st, ok := r.state(entityType)
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	if st.loading || !st.loaded || !st.hasMore || st.nextCursor == nil {
		r.mu.Unlock()
		return false, nil
	}
	st.loading = true
	opts := st.options
	opts.Cursor = st.nextCursor
	filters := st.filters
	r.mu.Unlock()
	defer r.clearLoading(st)

	if opts.Limit <= 0 {
		if desc, ok := r.index.Descriptor(entityType); ok {
			opts.Limit = desc.PageSize()
		}
	}

	st.store.SetLoading(true)
	defer st.store.SetLoading(false)

	result, err := r.engine.ApplyFilters(ctx, entityType, filters, opts)
	if err != nil {
		st.store.SetErr(err)
		return false, err
	}
	st.store.SetErr(nil)
	st.store.AddMany(result.Records)

	r.mu.Lock()
	st.nextCursor = result.NextCursor
	st.hasMore = result.HasMore
	r.mu.Unlock()
	return len(result.Records) > 0, nil
}

func (r *Coordinator) clearLoading(st *typeState) {
	r.mu.Lock()
	st.loading = false
	r.mu.Unlock()
}

// PushTotal forwards an authoritative server-side count to the owning store.
// Wire it as the query engine's total sink.
func (r *Coordinator) PushTotal(entityType domain.EntityType, total int) {
	st, ok := r.state(entityType)
	if !ok {
		return
	}
	st.store.SetTotalFromServer(total)
}
