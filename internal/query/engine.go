// Package query implements the paginated read path: the ID-first two-phase
// fetch against the remote backend, hybrid prefix/substring search on first
// pages, cache write-through, and the cache-only offline fallback.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"replicore/internal/cache"
	"replicore/internal/config"
	"replicore/internal/obs"
	"replicore/internal/schema"
	"replicore/pkg/domain"
)

const (
	// DefaultRecordTTL bounds how long a cached record is served without a
	// refetch.
	DefaultRecordTTL = 7 * 24 * time.Hour
	// DefaultTotalTTL keeps remote total counts client-side long enough to
	// avoid a count round-trip on every first page.
	DefaultTotalTTL = 14 * 24 * time.Hour

	countTimeout = 30 * time.Second
)

// prefixShareNumerator biases hybrid first pages toward prefix matches:
// roughly 70% of the page budget, the rest backfilled from substring matches.
const prefixShareNumerator = 7

// Engine executes filtered, sorted, cursor-paginated reads over the union of
// the local cache and the remote backend. Collections are opened lazily per
// entity type and recreated at most once after a storage failure.
type Engine struct {
	remote domain.RemoteSource
	open   cache.Factory
	index  *config.Index
	synth  *schema.Synthesizer

	clock     domain.Clock
	logger    obs.Logger
	metrics   obs.MetricsRecorder
	tracer    obs.Tracer
	ttl       time.Duration
	totalSink func(domain.EntityType, int)

	totals *expiremap.ExpireMap[string, int]

	mu    sync.Mutex
	slots map[domain.EntityType]*collectionSlot

	errs chan error
}

type collectionSlot struct {
	col       domain.Collection
	schema    domain.StorageSchema
	recreated bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source for deterministic tests.
func WithClock(c domain.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(l obs.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics attaches an operation metrics recorder.
func WithMetrics(m obs.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer attaches a span tracer.
func WithTracer(t obs.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRecordTTL overrides how long cached records stay fresh.
func WithRecordTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

// WithTotalSink registers a callback invoked whenever a background total
// count completes, so stores can surface authoritative counts.
func WithTotalSink(fn func(domain.EntityType, int)) Option {
	return func(e *Engine) { e.totalSink = fn }
}

// NewEngine wires the read path over a remote source, a collection factory,
// and the configuration index.
func NewEngine(remote domain.RemoteSource, open cache.Factory, index *config.Index, opts ...Option) *Engine {
	e := &Engine{
		remote:  remote,
		open:    open,
		index:   index,
		synth:   schema.New(),
		clock:   schema.SystemClock{},
		logger:  obs.NopLogger{},
		metrics: obs.NopMetrics{},
		tracer:  obs.NopTracer{},
		ttl:     DefaultRecordTTL,
		totals:  expiremap.NewEx[string, int](time.Hour, DefaultTotalTTL),
		slots:   make(map[domain.EntityType]*collectionSlot),
		errs:    make(chan error, 32),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Errors exposes failures that degrade results instead of propagating, such
// as a broken offline fallback.
func (e *Engine) Errors() <-chan error { return e.errs }

func (e *Engine) reportError(err error) {
	e.logger.Error("background failure", "error", err)
	select {
	case e.errs <- err:
	default:
	}
}

func (e *Engine) instrument(ctx context.Context, op string) (context.Context, func(error)) {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, op)
	return ctx, func(err error) {
		span.End(err)
		e.metrics.Observe(ctx, op, err == nil, e.clock.Now().Sub(start))
	}
}

// Collection returns the lazily opened cache collection for an entity type,
// synthesizing its storage schema on first open.
func (e *Engine) Collection(ctx context.Context, entityType domain.EntityType) (domain.Collection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectionLocked(ctx, entityType)
}

func (e *Engine) collectionLocked(ctx context.Context, entityType domain.EntityType) (domain.Collection, error) {
	if slot, ok := e.slots[entityType]; ok {
		return slot.col, nil
	}
	desc, ok := e.index.Descriptor(entityType)
	if !ok {
		return nil, domain.ErrConfigurationMissing{Type: entityType}
	}
	storageSchema, ok := e.synth.Synthesize(entityType, desc)
	if !ok {
		return nil, domain.ErrConfigurationMissing{Type: entityType}
	}
	col, err := e.open(ctx, entityType)
	if err != nil {
		return nil, domain.StorageError{Type: entityType, Op: "open", Err: err}
	}
	e.slots[entityType] = &collectionSlot{col: col, schema: storageSchema}
	return col, nil
}

// Schema returns the synthesized storage schema for an opened entity type.
func (e *Engine) Schema(ctx context.Context, entityType domain.EntityType) (domain.StorageSchema, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.collectionLocked(ctx, entityType); err != nil {
		return domain.StorageSchema{}, false
	}
	return e.slots[entityType].schema, true
}

// recreate replaces a broken collection exactly once per entity type.
func (e *Engine) recreate(ctx context.Context, entityType domain.EntityType, cause error) (domain.Collection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.slots[entityType]
	if !ok || slot.recreated {
		return nil, cause
	}
	e.logger.Warn("recreating broken collection", "type", entityType, "error", cause)
	_ = slot.col.Close()
	col, err := e.open(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("recreate after %v: %w", cause, err)
	}
	slot.col = col
	slot.recreated = true
	return col, nil
}

// ApplyFilters executes one paginated read: the ID-first two-phase protocol
// when the backend is reachable, the cache-only path when it is not. Unknown
// entity types yield an empty result, not an error.
func (e *Engine) ApplyFilters(ctx context.Context, entityType domain.EntityType, filters domain.Filters, opts domain.QueryOptions) (result domain.QueryResult, err error) {
	ctx, done := e.instrument(ctx, "applyFilters")
	defer func() { done(err) }()

	desc, ok := e.index.Descriptor(entityType)
	if !ok {
		e.logger.Warn("query for unconfigured entity type", "type", entityType)
		return domain.QueryResult{}, nil
	}
	col, err := e.Collection(ctx, entityType)
	if err != nil {
		return domain.QueryResult{}, err
	}

	order := resolveOrder(desc, opts)
	limit := opts.Limit
	if limit <= 0 {
		limit = desc.PageSize()
	}
	selectors := BuildSelectors(desc, filters)

	idRows, err := e.selectIDs(ctx, entityType, selectors, order, opts.Cursor, limit)
	if err != nil {
		e.logger.Warn("remote unavailable, serving from cache", "type", entityType, "error", err)
		return e.fallbackLocal(ctx, entityType, col, selectors, order, opts.Cursor, limit)
	}

	entities, err := e.materialize(ctx, entityType, col, idRows)
	if err != nil {
		if domain.IsOffline(err) {
			e.logger.Warn("remote unavailable, serving from cache", "type", entityType, "error", err)
			return e.fallbackLocal(ctx, entityType, col, selectors, order, opts.Cursor, limit)
		}
		return domain.QueryResult{}, err
	}

	result = domain.QueryResult{
		Records: entities,
		HasMore: len(idRows) >= limit,
	}
	if result.HasMore && len(idRows) > 0 {
		result.NextCursor = cursorFromRow(idRows[len(idRows)-1], order)
	}
	result.Total = e.resolveTotal(ctx, entityType, desc, filters, opts.Cursor == nil, len(entities))
	return result, nil
}

// materialize runs phases 2-4: cache lookup, miss fetch, write-through, and
// the order-preserving merge.
func (e *Engine) materialize(ctx context.Context, entityType domain.EntityType, col domain.Collection, idRows []domain.IDRow) ([]domain.Entity, error) {
	if len(idRows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(idRows))
	for _, row := range idRows {
		ids = append(ids, row.ID)
	}

	cached, err := col.GetMany(ctx, ids)
	if err != nil {
		col, err = e.recreate(ctx, entityType, err)
		if err != nil {
			return nil, domain.StorageError{Type: entityType, Op: "getMany", Err: err}
		}
		cached, err = col.GetMany(ctx, ids)
		if err != nil {
			return nil, domain.StorageError{Type: entityType, Op: "getMany", Err: err}
		}
	}

	now := e.clock.Now()
	hits := make(map[string]domain.Entity, len(cached))
	for _, rec := range cached {
		if rec.Expired(now, e.ttl) {
			continue
		}
		hits[rec.ID] = rec.Entity
	}

	var misses []string
	for _, id := range ids {
		if _, ok := hits[id]; !ok {
			misses = append(misses, id)
		}
	}

	if len(misses) > 0 {
		fetched, err := e.remote.FetchByIDs(ctx, entityType, misses)
		if err != nil {
			return nil, err
		}
		records := make([]domain.CacheRecord, 0, len(fetched))
		for _, entity := range fetched {
			if entity.ID == "" {
				continue
			}
			hits[entity.ID] = entity
			records = append(records, domain.CacheRecord{Entity: entity, CachedAt: now.UnixMilli()})
		}
		if err := col.UpsertMany(ctx, records); err != nil {
			// Serving the page beats persisting it; the next read refetches.
			e.reportError(domain.StorageError{Type: entityType, Op: "upsertMany", Err: err})
		}
	}

	// Phase-1 order is authoritative; never re-sort.
	out := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		if entity, ok := hits[id]; ok {
			out = append(out, entity)
		}
	}
	return out, nil
}

// selectIDs is phase 1, switching to the hybrid split on first pages when a
// substring search filter is present.
func (e *Engine) selectIDs(ctx context.Context, entityType domain.EntityType, selectors []domain.Selector, order domain.SortOption, cursor *domain.Cursor, limit int) ([]domain.IDRow, error) {
	if cursor == nil {
		if i := searchSelectorIndex(selectors); i >= 0 {
			return e.hybridSelect(ctx, entityType, selectors, i, order, limit)
		}
	}
	return e.remote.SelectIDs(ctx, domain.RemoteQuery{
		Type:      entityType,
		Selectors: selectors,
		OrderBy:   order,
		Cursor:    cursor,
		Limit:     limit,
	})
}

// hybridSelect splits the first-page budget between prefix and
// contains-but-not-prefix matches, backfilling in both directions when either
// side comes up short.
func (e *Engine) hybridSelect(ctx context.Context, entityType domain.EntityType, selectors []domain.Selector, searchIdx int, order domain.SortOption, limit int) ([]domain.IDRow, error) {
	search := selectors[searchIdx]

	prefixSelectors := cloneSelectors(selectors)
	prefixSelectors[searchIdx].Op = domain.OpStartsWith
	prefixRows, err := e.remote.SelectIDs(ctx, domain.RemoteQuery{
		Type:      entityType,
		Selectors: prefixSelectors,
		OrderBy:   order,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	share := (limit*prefixShareNumerator + 9) / 10
	if share < 1 {
		share = 1
	}
	if share > limit {
		share = limit
	}
	take := len(prefixRows)
	if take > share {
		take = share
	}

	rows := make([]domain.IDRow, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, row := range prefixRows[:take] {
		rows = append(rows, row)
		seen[row.ID] = struct{}{}
	}

	if remaining := limit - len(rows); remaining > 0 {
		containsSelectors := cloneSelectors(selectors)
		containsSelectors = append(containsSelectors, domain.Selector{
			Field: search.Field,
			Op:    domain.OpStartsWith,
			Value: search.Value,
			Not:   true,
		})
		containsRows, err := e.remote.SelectIDs(ctx, domain.RemoteQuery{
			Type:      entityType,
			Selectors: containsSelectors,
			OrderBy:   order,
			Limit:     remaining,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range containsRows {
			if _, dup := seen[row.ID]; dup {
				continue
			}
			rows = append(rows, row)
			seen[row.ID] = struct{}{}
		}
	}

	// Substring matches came up short; spend the rest of the budget on the
	// prefix rows held back above.
	for _, row := range prefixRows[take:] {
		if len(rows) >= limit {
			break
		}
		if _, dup := seen[row.ID]; dup {
			continue
		}
		rows = append(rows, row)
		seen[row.ID] = struct{}{}
	}
	return rows, nil
}

// fallbackLocal serves the page from the cache alone. A broken cache gets one
// recreate attempt; after that the failure goes to the error channel and the
// caller receives an empty offline page.
func (e *Engine) fallbackLocal(ctx context.Context, entityType domain.EntityType, col domain.Collection, selectors []domain.Selector, order domain.SortOption, cursor *domain.Cursor, limit int) (domain.QueryResult, error) {
	find := domain.FindQuery{Selectors: selectors, OrderBy: order, Cursor: cursor, Limit: limit + 1}
	records, err := col.Find(ctx, find)
	if err != nil {
		col, err = e.recreate(ctx, entityType, err)
		if err == nil {
			records, err = col.Find(ctx, find)
		}
		if err != nil {
			e.reportError(domain.StorageError{Type: entityType, Op: "find", Err: err})
			return domain.QueryResult{Offline: true}, nil
		}
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	entities := make([]domain.Entity, 0, len(records))
	for _, rec := range records {
		entities = append(entities, rec.Entity)
	}
	total, err := col.Count(ctx, selectors)
	if err != nil {
		total = len(entities)
	}
	result := domain.QueryResult{
		Records: entities,
		Total:   total,
		HasMore: hasMore,
		Offline: true,
	}
	if hasMore && len(entities) > 0 {
		result.NextCursor = domain.NextCursor(entities[len(entities)-1], order)
	}
	return result, nil
}

// resolveTotal serves the cached remote total and, on first pages, refreshes
// it in the background, scoped by the declared partition key when one is
// filtered on.
func (e *Engine) resolveTotal(ctx context.Context, entityType domain.EntityType, desc domain.SpaceDescriptor, filters domain.Filters, firstPage bool, pageLen int) int {
	if !desc.HasTotal {
		return pageLen
	}
	countSelectors := partitionSelectors(desc, filters)
	key := totalKey(entityType, countSelectors)
	cached, ok := e.totals.Load(key)
	if firstPage {
		go e.refreshTotal(entityType, key, countSelectors)
	}
	if ok {
		return *cached
	}
	return pageLen
}

func (e *Engine) refreshTotal(entityType domain.EntityType, key string, selectors []domain.Selector) {
	ctx, cancel := context.WithTimeout(context.Background(), countTimeout)
	defer cancel()
	total, err := e.remote.Count(ctx, entityType, selectors)
	if err != nil {
		e.logger.Warn("total count failed", "type", entityType, "error", err)
		return
	}
	e.totals.Set(key, total)
	if e.totalSink != nil {
		e.totalSink(entityType, total)
	}
}

// CachedTotal exposes the client-side total for an entity type scoped by the
// same partition rules the read path uses.
func (e *Engine) CachedTotal(entityType domain.EntityType, filters domain.Filters) (int, bool) {
	desc, ok := e.index.Descriptor(entityType)
	if !ok || !desc.HasTotal {
		return 0, false
	}
	cached, ok := e.totals.Load(totalKey(entityType, partitionSelectors(desc, filters)))
	if !ok {
		return 0, false
	}
	return *cached, true
}

// Get reads one entity, cache first with a remote refetch on miss or expiry.
// Offline, a stale cached copy still wins over nothing. A missing id returns
// (zero, false, nil).
func (e *Engine) Get(ctx context.Context, entityType domain.EntityType, id string) (entity domain.Entity, found bool, err error) {
	ctx, done := e.instrument(ctx, "get")
	defer func() { done(err) }()

	col, err := e.Collection(ctx, entityType)
	if err != nil {
		return domain.Entity{}, false, err
	}
	rec, ok, err := col.Get(ctx, id)
	if err != nil {
		col, err = e.recreate(ctx, entityType, err)
		if err != nil {
			return domain.Entity{}, false, domain.StorageError{Type: entityType, Op: "get", Err: err}
		}
		rec, ok, err = col.Get(ctx, id)
		if err != nil {
			return domain.Entity{}, false, domain.StorageError{Type: entityType, Op: "get", Err: err}
		}
	}
	now := e.clock.Now()
	if ok && !rec.Deleted && !rec.Expired(now, e.ttl) {
		return rec.Entity, true, nil
	}

	fetched, ferr := e.remote.FetchByIDs(ctx, entityType, []string{id})
	if ferr != nil {
		if ok && !rec.Deleted {
			return rec.Entity, true, nil
		}
		return domain.Entity{}, false, nil
	}
	if len(fetched) == 0 {
		return domain.Entity{}, false, nil
	}
	fresh := fetched[0]
	if uerr := col.Upsert(ctx, domain.CacheRecord{Entity: fresh, CachedAt: now.UnixMilli()}); uerr != nil {
		e.reportError(domain.StorageError{Type: entityType, Op: "upsert", Err: uerr})
	}
	return fresh, true, nil
}

// EvictExpired sweeps every opened collection and drops records older than
// the record TTL. Returns the total number evicted.
func (e *Engine) EvictExpired(ctx context.Context) int {
	cutoff := e.clock.Now().Add(-e.ttl).UnixMilli()
	e.mu.Lock()
	collections := make(map[domain.EntityType]domain.Collection, len(e.slots))
	for entityType, slot := range e.slots {
		collections[entityType] = slot.col
	}
	e.mu.Unlock()

	evicted := 0
	for entityType, col := range collections {
		n, err := col.Evict(ctx, cutoff)
		if err != nil {
			e.reportError(domain.StorageError{Type: entityType, Op: "evict", Err: err})
			continue
		}
		evicted += n
	}
	return evicted
}

// Close closes all opened collections.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for _, slot := range e.slots {
		if err := slot.col.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.slots = make(map[domain.EntityType]*collectionSlot)
	return first
}

func resolveOrder(desc domain.SpaceDescriptor, opts domain.QueryOptions) domain.SortOption {
	order := opts.OrderBy
	if order.Field == "" {
		if len(desc.SortOptions) > 0 {
			order = desc.SortOptions[0]
		} else {
			order = domain.SortOption{Field: domain.FieldID, Direction: domain.SortAsc}
		}
	}
	if order.TieBreaker == nil && order.Field != domain.FieldID {
		order.TieBreaker = &domain.TieBreaker{Field: domain.FieldID, Direction: domain.SortAsc}
	}
	return order
}

func cursorFromRow(row domain.IDRow, order domain.SortOption) *domain.Cursor {
	cursor := &domain.Cursor{Value: row.SortValue}
	if order.Field == domain.FieldID || cursor.Value.IsNull() {
		cursor.Value = domain.String(row.ID)
	}
	if order.TieBreaker != nil {
		cursor.TieBreakerField = order.TieBreaker.Field
		tie := row.TieValue
		if order.TieBreaker.Field == domain.FieldID && tie.IsNull() {
			tie = domain.String(row.ID)
		}
		cursor.TieBreakerValue = tie
	}
	return cursor
}

func cloneSelectors(selectors []domain.Selector) []domain.Selector {
	out := make([]domain.Selector, len(selectors))
	copy(out, selectors)
	return out
}

func partitionSelectors(desc domain.SpaceDescriptor, filters domain.Filters) []domain.Selector {
	if desc.PartitionKey == "" {
		return nil
	}
	value, ok := filters[desc.PartitionKey]
	if !ok || value.IsNull() {
		return nil
	}
	return []domain.Selector{{Field: desc.PartitionKey, Op: domain.OpEquals, Value: value}}
}

func totalKey(entityType domain.EntityType, selectors []domain.Selector) string {
	var b strings.Builder
	b.WriteString(string(entityType))
	for _, sel := range selectors {
		b.WriteByte('|')
		b.WriteString(sel.Field)
		b.WriteByte('=')
		b.WriteString(sel.Value.Str)
	}
	return b.String()
}
