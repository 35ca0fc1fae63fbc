// Package children caches heterogeneous related records under their owning
// entity type: one discriminated collection per owner, keyed by
// (parentID, tableType), with the same ID-first paging the main read path
// uses, scoped to a single parent.
package children

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"replicore/internal/cache"
	"replicore/internal/config"
	"replicore/internal/obs"
	"replicore/internal/schema"
	"replicore/pkg/domain"
)

// Canonical child-record field names as they appear on the wire and in the
// cache.
const (
	FieldParentID    = "parent_id"
	FieldPartitionID = "partition_id"
	fieldTableType   = "table_type"
)

// childCollectionSuffix namespaces the per-owner child cache away from the
// owner's own record cache.
const childCollectionSuffix = "_children"

// ChildResult is one page of child records.
type ChildResult struct {
	Records    []domain.ChildRecord
	Total      int
	HasMore    bool
	NextCursor *domain.Cursor
	Offline    bool
}

// Manager resolves child tables to their owning entity type and serves child
// reads cache-first.
type Manager struct {
	remote domain.RemoteSource
	open   cache.Factory
	index  *config.Index

	clock  domain.Clock
	logger obs.Logger
	ttl    time.Duration

	mu   sync.Mutex
	cols map[domain.EntityType]domain.Collection
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c domain.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(l obs.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecordTTL overrides how long cached child records stay fresh.
func WithRecordTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// New wires a manager over the remote source, the collection factory, and
// the configuration index (for explicit table ownership overrides).
func New(remote domain.RemoteSource, open cache.Factory, index *config.Index, opts ...Option) *Manager {
	m := &Manager{
		remote: remote,
		open:   open,
		index:  index,
		clock:  schema.SystemClock{},
		logger: obs.NopLogger{},
		ttl:    7 * 24 * time.Hour,
		cols:   make(map[domain.EntityType]domain.Collection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NormalizeTable reduces a view name to its base table: a `_with_<x>` suffix
// joins extra context but shares the base table's cache partition.
func NormalizeTable(table string) string {
	if i := strings.Index(table, "_with_"); i > 0 {
		return table[:i]
	}
	return table
}

// ResolveOwner maps a child table or view to its owning entity type: an
// explicit configuration override first, then the `*_in_<type>` convention.
func (m *Manager) ResolveOwner(table string) (domain.EntityType, bool) {
	base := NormalizeTable(table)
	if owner, ok := m.index.ChildOwner(base); ok {
		return owner, true
	}
	if i := strings.LastIndex(base, "_in_"); i > 0 && i+len("_in_") < len(base) {
		return domain.EntityType(base[i+len("_in_"):]), true
	}
	return "", false
}

// EnsureChildCollection opens (or returns) the owner-scoped child cache for
// a table. Unknown tables yield ErrConfigurationMissing.
func (m *Manager) EnsureChildCollection(ctx context.Context, table string) (domain.Collection, domain.EntityType, error) {
	owner, ok := m.ResolveOwner(table)
	if !ok {
		return nil, "", domain.ErrConfigurationMissing{Type: domain.EntityType(table)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.cols[owner]; ok {
		return col, owner, nil
	}
	col, err := m.open(ctx, owner+childCollectionSuffix)
	if err != nil {
		return nil, "", domain.StorageError{Type: owner, Op: "open", Err: err}
	}
	m.cols[owner] = col
	return col, owner, nil
}

// LoadChildRecords fetches a parent's children of one table type from the
// remote backend and writes them through the cache.
func (m *Manager) LoadChildRecords(ctx context.Context, parentID, table string, opts domain.QueryOptions) ([]domain.ChildRecord, error) {
	col, _, err := m.EnsureChildCollection(ctx, table)
	if err != nil {
		return nil, err
	}
	base := NormalizeTable(table)
	order := childOrder(opts)
	remoteOrder, appSort := splitAdditionalSort(order)

	rows, err := m.remote.SelectIDs(ctx, domain.RemoteQuery{
		Type:      domain.EntityType(base),
		Selectors: parentSelector(parentID),
		OrderBy:   remoteOrder,
		Cursor:    opts.Cursor,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	entities, err := m.remote.FetchByIDs(ctx, domain.EntityType(base), ids)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UnixMilli()
	records := make([]domain.CacheRecord, 0, len(entities))
	children := make([]domain.ChildRecord, 0, len(entities))
	for _, entity := range entities {
		if entity.ID == "" {
			continue
		}
		rec := toCacheRecord(entity, base, now)
		records = append(records, rec)
		children = append(children, toChildRecord(rec))
	}
	if err := col.UpsertMany(ctx, records); err != nil {
		return nil, domain.StorageError{Type: domain.EntityType(base), Op: "upsertMany", Err: err}
	}
	if appSort != nil {
		sortChildren(children, *appSort)
	}
	return children, nil
}

// GetChildRecords serves a parent's children of one table type from the
// cache alone.
func (m *Manager) GetChildRecords(ctx context.Context, parentID, table string, opts domain.QueryOptions) ([]domain.ChildRecord, error) {
	col, _, err := m.EnsureChildCollection(ctx, table)
	if err != nil {
		return nil, err
	}
	base := NormalizeTable(table)
	order := childOrder(opts)
	storageOrder, appSort := splitAdditionalSort(order)

	find := domain.FindQuery{
		Selectors: append(parentSelector(parentID), tableSelector(base)...),
		OrderBy:   storageOrder,
		Cursor:    opts.Cursor,
		Limit:     opts.Limit,
	}
	if appSort != nil {
		// App-side sort needs the full match set before limiting.
		find.Limit = 0
		find.Cursor = nil
	}
	records, err := col.Find(ctx, find)
	if err != nil {
		return nil, domain.StorageError{Type: domain.EntityType(base), Op: "find", Err: err}
	}
	children := make([]domain.ChildRecord, 0, len(records))
	for _, rec := range records {
		children = append(children, toChildRecord(rec))
	}
	if appSort != nil {
		sortChildren(children, *appSort)
		if opts.Limit > 0 && len(children) > opts.Limit {
			children = children[:opts.Limit]
		}
	}
	return children, nil
}

// ApplyChildFilters runs the ID-first two-phase page scoped to one parent,
// falling back to the cache when the backend is unreachable.
func (m *Manager) ApplyChildFilters(ctx context.Context, parentID, table string, filters domain.Filters, opts domain.QueryOptions) (ChildResult, error) {
	col, _, err := m.EnsureChildCollection(ctx, table)
	if err != nil {
		return ChildResult{}, err
	}
	base := NormalizeTable(table)
	order := childOrder(opts)
	remoteOrder, appSort := splitAdditionalSort(order)
	limit := opts.Limit
	if limit <= 0 {
		limit = domain.DefaultPageSize
	}

	selectors := append(parentSelector(parentID), filterSelectors(filters)...)
	rows, err := m.remote.SelectIDs(ctx, domain.RemoteQuery{
		Type:      domain.EntityType(base),
		Selectors: selectors,
		OrderBy:   remoteOrder,
		Cursor:    opts.Cursor,
		Limit:     limit,
	})
	if err != nil {
		m.logger.Warn("remote unavailable, serving children from cache", "table", base, "error", err)
		return m.fallbackLocal(ctx, col, base, parentID, filters, order, opts.Cursor, limit)
	}

	children, err := m.materialize(ctx, col, base, rows)
	if err != nil {
		if domain.IsOffline(err) {
			return m.fallbackLocal(ctx, col, base, parentID, filters, order, opts.Cursor, limit)
		}
		return ChildResult{}, err
	}
	if appSort != nil {
		sortChildren(children, *appSort)
	}
	result := ChildResult{
		Records: children,
		Total:   len(children),
		HasMore: len(rows) >= limit,
	}
	if result.HasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		cursor := &domain.Cursor{Value: last.SortValue}
		if cursor.Value.IsNull() {
			cursor.Value = domain.String(last.ID)
		}
		if remoteOrder.TieBreaker != nil {
			cursor.TieBreakerField = remoteOrder.TieBreaker.Field
			cursor.TieBreakerValue = last.TieValue
			if remoteOrder.TieBreaker.Field == domain.FieldID && cursor.TieBreakerValue.IsNull() {
				cursor.TieBreakerValue = domain.String(last.ID)
			}
		}
		result.NextCursor = cursor
	}
	return result, nil
}

func (m *Manager) materialize(ctx context.Context, col domain.Collection, base string, rows []domain.IDRow) ([]domain.ChildRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	cached, err := col.GetMany(ctx, ids)
	if err != nil {
		return nil, domain.StorageError{Type: domain.EntityType(base), Op: "getMany", Err: err}
	}
	now := m.clock.Now()
	hits := make(map[string]domain.CacheRecord, len(cached))
	for _, rec := range cached {
		if rec.Expired(now, m.ttl) {
			continue
		}
		hits[rec.ID] = rec
	}
	var misses []string
	for _, id := range ids {
		if _, ok := hits[id]; !ok {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		fetched, err := m.remote.FetchByIDs(ctx, domain.EntityType(base), misses)
		if err != nil {
			return nil, err
		}
		records := make([]domain.CacheRecord, 0, len(fetched))
		for _, entity := range fetched {
			if entity.ID == "" {
				continue
			}
			rec := toCacheRecord(entity, base, now.UnixMilli())
			hits[rec.ID] = rec
			records = append(records, rec)
		}
		if err := col.UpsertMany(ctx, records); err != nil {
			return nil, domain.StorageError{Type: domain.EntityType(base), Op: "upsertMany", Err: err}
		}
	}
	out := make([]domain.ChildRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := hits[id]; ok {
			out = append(out, toChildRecord(rec))
		}
	}
	return out, nil
}

func (m *Manager) fallbackLocal(ctx context.Context, col domain.Collection, base, parentID string, filters domain.Filters, order domain.SortOption, cursor *domain.Cursor, limit int) (ChildResult, error) {
	storageOrder, appSort := splitAdditionalSort(order)
	selectors := append(parentSelector(parentID), tableSelector(base)...)
	selectors = append(selectors, filterSelectors(filters)...)
	find := domain.FindQuery{Selectors: selectors, OrderBy: storageOrder, Cursor: cursor, Limit: limit + 1}
	if appSort != nil {
		find.Limit = 0
		find.Cursor = nil
	}
	records, err := col.Find(ctx, find)
	if err != nil {
		return ChildResult{Offline: true}, domain.StorageError{Type: domain.EntityType(base), Op: "find", Err: err}
	}
	children := make([]domain.ChildRecord, 0, len(records))
	for _, rec := range records {
		children = append(children, toChildRecord(rec))
	}
	if appSort != nil {
		sortChildren(children, *appSort)
	}
	hasMore := len(children) > limit
	if hasMore {
		children = children[:limit]
	}
	return ChildResult{
		Records: children,
		Total:   len(children),
		HasMore: hasMore,
		Offline: true,
	}, nil
}

func childOrder(opts domain.QueryOptions) domain.SortOption {
	order := opts.OrderBy
	if order.Field == "" {
		order = domain.SortOption{Field: domain.FieldID, Direction: domain.SortAsc}
	}
	if order.TieBreaker == nil && order.Field != domain.FieldID {
		order.TieBreaker = &domain.TieBreaker{Field: domain.FieldID, Direction: domain.SortAsc}
	}
	return order
}

// splitAdditionalSort separates orderings on Additional fields, which cannot
// use storage-level ordering and run in application code after fetch.
func splitAdditionalSort(order domain.SortOption) (domain.SortOption, *domain.SortOption) {
	if isEnvelope(order.Field) {
		return order, nil
	}
	// Non-envelope child fields live in Additional; fall back to id order at
	// the storage layer and re-sort in code.
	fallback := domain.SortOption{Field: domain.FieldID, Direction: domain.SortAsc}
	appSort := order
	return fallback, &appSort
}

func isEnvelope(field string) bool {
	switch field {
	case domain.FieldID, domain.FieldCreatedAt, domain.FieldUpdatedAt, FieldParentID, FieldPartitionID:
		return true
	}
	return false
}

func sortChildren(children []domain.ChildRecord, order domain.SortOption) {
	field := strings.TrimPrefix(order.Field, "additional.")
	sort.SliceStable(children, func(i, j int) bool {
		cmp := children[i].Additional[field].Compare(children[j].Additional[field])
		if order.Direction == domain.SortDesc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
		return children[i].ID < children[j].ID
	})
}

func parentSelector(parentID string) []domain.Selector {
	return []domain.Selector{{Field: FieldParentID, Op: domain.OpEquals, Value: domain.String(parentID)}}
}

func tableSelector(base string) []domain.Selector {
	return []domain.Selector{{Field: fieldTableType, Op: domain.OpEquals, Value: domain.String(base)}}
}

func filterSelectors(filters domain.Filters) []domain.Selector {
	if len(filters) == 0 {
		return nil
	}
	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	out := make([]domain.Selector, 0, len(fields))
	for _, field := range fields {
		value := filters[field]
		if value.IsNull() {
			continue
		}
		op := domain.OpEquals
		switch value.Kind {
		case domain.KindString:
			op = domain.OpContains
		case domain.KindArray:
			op = domain.OpIn
		}
		out = append(out, domain.Selector{Field: field, Op: op, Value: value})
	}
	return out
}

// toCacheRecord stamps the table discriminator onto the entity before it
// enters the shared per-owner collection.
func toCacheRecord(entity domain.Entity, base string, cachedAt int64) domain.CacheRecord {
	e := entity.Clone()
	if e.Fields == nil {
		e.Fields = make(map[string]domain.Value, 1)
	}
	e.Fields[fieldTableType] = domain.String(base)
	return domain.CacheRecord{Entity: e, CachedAt: cachedAt}
}

// toChildRecord folds all non-core columns into Additional.
func toChildRecord(rec domain.CacheRecord) domain.ChildRecord {
	child := domain.ChildRecord{
		ID:       rec.ID,
		CachedAt: rec.CachedAt,
	}
	for name, value := range rec.Fields {
		switch name {
		case FieldParentID:
			child.ParentID = value.Str
		case FieldPartitionID:
			child.PartitionID = value.Str
		case fieldTableType:
			child.TableType = value.Str
		default:
			if child.Additional == nil {
				child.Additional = make(map[string]domain.Value)
			}
			child.Additional[name] = value.Clone()
		}
	}
	return child
}
