package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"replicore/internal/cache/memory"
	"replicore/internal/config"
	"replicore/internal/query"
	"replicore/internal/store"
	"replicore/pkg/domain"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeRemote answers RemoteSource calls from an in-memory row set. A non-nil
// gate blocks SelectIDs until released, for re-entrancy tests.
type fakeRemote struct {
	mu          sync.Mutex
	rows        map[string]domain.Entity
	pull        []domain.Entity
	offline     bool
	selectCalls int
	gate        chan struct{}
}

func newFakeRemote(entities ...domain.Entity) *fakeRemote {
	f := &fakeRemote{rows: make(map[string]domain.Entity)}
	for _, e := range entities {
		f.rows[e.ID] = e
	}
	return f
}

func (f *fakeRemote) SelectIDs(_ context.Context, q domain.RemoteQuery) ([]domain.IDRow, error) {
	f.mu.Lock()
	f.selectCalls++
	gate := f.gate
	offline := f.offline
	matched := make([]domain.Entity, 0, len(f.rows))
	for _, e := range f.rows {
		if !e.Deleted {
			matched = append(matched, e)
		}
	}
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if offline {
		return nil, fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	sort.SliceStable(matched, func(i, j int) bool { return domain.Less(matched[i], matched[j], q.OrderBy) })
	rows := make([]domain.IDRow, 0, len(matched))
	for _, e := range matched {
		if q.Cursor != nil && !q.Cursor.Accepts(e, q.OrderBy) {
			continue
		}
		row := domain.IDRow{ID: e.ID, SortValue: e.Field(q.OrderBy.Field)}
		if q.OrderBy.TieBreaker != nil {
			row.TieValue = e.Field(q.OrderBy.TieBreaker.Field)
		}
		rows = append(rows, row)
		if q.Limit > 0 && len(rows) >= q.Limit {
			break
		}
	}
	return rows, nil
}

func (f *fakeRemote) FetchByIDs(_ context.Context, _ domain.EntityType, ids []string) ([]domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	out := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := f.rows[id]; ok && !e.Deleted {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (f *fakeRemote) Count(context.Context, domain.EntityType, []domain.Selector) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return 0, fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	return len(f.rows), nil
}

func (f *fakeRemote) Push(_ context.Context, _ domain.EntityType, e domain.Entity) (domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.ID] = e.Clone()
	return e, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ domain.EntityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.rows[id]; ok {
		e.Deleted = true
		f.rows[id] = e
	}
	return nil
}

func (f *fakeRemote) PullSince(context.Context, domain.EntityType, time.Time, int) ([]domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	out := make([]domain.Entity, len(f.pull))
	copy(out, f.pull)
	return out, nil
}

func pet(id, name string, updatedAt time.Time) domain.Entity {
	return domain.Entity{
		ID:        id,
		UpdatedAt: updatedAt,
		Fields:    map[string]domain.Value{"name": domain.String(name)},
	}
}

type fixture struct {
	remote *fakeRemote
	col    *memory.Collection
	engine *query.Engine
	coord  *Coordinator
	store  *store.EntityStore
}

func newFixture(t *testing.T, remote *fakeRemote, opts ...Option) *fixture {
	t.Helper()
	idx, err := config.Build(config.Document{Workspaces: []config.Workspace{{
		Spaces: []config.Space{{
			Type:   "pet",
			Fields: map[string]string{"name": "string"},
			SortOptions: []config.SortOption{
				{Field: "name", Direction: "asc", TieBreaker: "id", TieDirection: "asc"},
			},
		}},
	}}})
	if err != nil {
		t.Fatalf("build index: %v", err)
	}

	fx := &fixture{remote: remote, col: memory.NewCollection("pet"), store: store.New("pet")}
	factory := func(context.Context, domain.EntityType) (domain.Collection, error) {
		return fx.col, nil
	}
	clock := domain.ClockFunc(func() time.Time { return testNow })
	fx.engine = query.NewEngine(remote, factory, idx, query.WithClock(clock))
	t.Cleanup(func() { _ = fx.engine.Close() })

	fx.coord = New(fx.engine, remote, idx, append([]Option{WithClock(clock)}, opts...)...)
	fx.coord.Register("pet", fx.store)
	t.Cleanup(fx.coord.Stop)
	return fx
}

func TestPullOnceAppliesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	fx := newFixture(t, remote)

	// Local p1 is younger than the incoming change and must survive.
	localFresh := pet("p1", "Local Edit", testNow)
	if err := fx.col.Upsert(ctx, domain.CacheRecord{Entity: localFresh, CachedAt: testNow.UnixMilli()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fx.store.UpsertOne(localFresh)

	stale := pet("p1", "Stale Remote", testNow.Add(-time.Hour))
	fresh := pet("p2", "New Remote", testNow.Add(time.Minute))
	tomb := pet("p3", "Gone", testNow.Add(time.Minute))
	tomb.Deleted = true
	fx.store.UpsertOne(pet("p3", "Gone", testNow.Add(-time.Hour)))

	remote.mu.Lock()
	remote.pull = []domain.Entity{stale, fresh, tomb}
	remote.mu.Unlock()

	if err := fx.coord.PullOnce(ctx, "pet"); err != nil {
		t.Fatalf("pull: %v", err)
	}

	rec, ok, _ := fx.col.Get(ctx, "p1")
	if !ok || rec.Fields["name"].Str != "Local Edit" {
		t.Fatalf("p1 = %+v ok=%v, local edit must win", rec, ok)
	}
	if rec, ok, _ := fx.col.Get(ctx, "p2"); !ok || rec.Fields["name"].Str != "New Remote" {
		t.Fatalf("p2 = %+v ok=%v", rec, ok)
	}
	if _, ok, _ := fx.col.Get(ctx, "p3"); ok {
		t.Fatal("deleted record still cached")
	}
	if _, ok := fx.store.ByID("p3"); ok {
		t.Fatal("deleted record still in store")
	}
	if e, ok := fx.store.ByID("p2"); !ok || e.Fields["name"].Str != "New Remote" {
		t.Fatalf("store p2 = %+v ok=%v", e, ok)
	}
}

func TestPullOnceSwallowsOfflineErrors(t *testing.T) {
	remote := newFakeRemote()
	remote.offline = true
	fx := newFixture(t, remote)

	if err := fx.coord.PullOnce(context.Background(), "pet"); err != nil {
		t.Fatalf("offline pull must not error: %v", err)
	}
}

func TestApplyEventCoalescesInserts(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	fx := newFixture(t, remote, WithInsertBatch(3, 150*time.Millisecond))

	// Two inserts sit below the batch size; nothing applies yet.
	for i := 0; i < 2; i++ {
		e := pet(fmt.Sprintf("p%d", i), "Pet", testNow)
		if err := fx.coord.ApplyEvent(ctx, "pet", domain.ChangeInsert, e); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if fx.store.Count() != 0 {
		t.Fatalf("store count = %d before flush", fx.store.Count())
	}

	// The third fills the batch and flushes synchronously.
	if err := fx.coord.ApplyEvent(ctx, "pet", domain.ChangeInsert, pet("p2", "Pet", testNow)); err != nil {
		t.Fatalf("third event: %v", err)
	}
	if fx.store.Count() != 3 {
		t.Fatalf("store count = %d after full batch", fx.store.Count())
	}

	// A lone insert flushes after the debounce window.
	if err := fx.coord.ApplyEvent(ctx, "pet", domain.ChangeInsert, pet("p9", "Late", testNow)); err != nil {
		t.Fatalf("late event: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fx.store.Count() != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("store count = %d, debounce flush never ran", fx.store.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApplyEventUpdateAndDeleteAreImmediate(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	fx := newFixture(t, remote)

	base := pet("p1", "Axel", testNow.Add(-time.Hour))
	if err := fx.col.Upsert(ctx, domain.CacheRecord{Entity: base, CachedAt: testNow.UnixMilli()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fx.store.UpsertOne(base)

	updated := pet("p1", "Max", testNow)
	if err := fx.coord.ApplyEvent(ctx, "pet", domain.ChangeUpdate, updated); err != nil {
		t.Fatalf("update event: %v", err)
	}
	if e, _ := fx.store.ByID("p1"); e.Fields["name"].Str != "Max" {
		t.Fatalf("store p1 = %+v", e)
	}

	gone := pet("p1", "Max", testNow.Add(time.Minute))
	if err := fx.coord.ApplyEvent(ctx, "pet", domain.ChangeDelete, gone); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if _, ok := fx.store.ByID("p1"); ok {
		t.Fatal("deleted entity still in store")
	}
	if _, ok, _ := fx.col.Get(ctx, "p1"); ok {
		t.Fatal("deleted entity still cached")
	}
}

func TestStopFlushesPendingInserts(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	fx := newFixture(t, remote, WithInsertBatch(100, time.Hour))

	if err := fx.coord.ApplyEvent(ctx, "pet", domain.ChangeInsert, pet("p1", "Axel", testNow)); err != nil {
		t.Fatalf("event: %v", err)
	}
	fx.coord.Stop()
	if fx.store.Count() != 1 {
		t.Fatalf("store count = %d after stop", fx.store.Count())
	}
}

func TestLoadInitialThenLoadMore(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(
		pet("p1", "Ann", testNow), pet("p2", "Bea", testNow),
		pet("p3", "Max", testNow), pet("p4", "Ned", testNow),
		pet("p5", "Zed", testNow),
	)
	fx := newFixture(t, remote)

	if err := fx.coord.LoadInitial(ctx, "pet", nil, domain.QueryOptions{Limit: 2}); err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if fx.store.Count() != 2 {
		t.Fatalf("store count = %d after initial", fx.store.Count())
	}
	if id, ok := fx.store.SelectedID(); !ok || id != "p1" {
		t.Fatalf("auto selection = %q ok=%v", id, ok)
	}

	more, err := fx.coord.LoadMore(ctx, "pet")
	if err != nil || !more {
		t.Fatalf("load more 1 = %v, %v", more, err)
	}
	if fx.store.Count() != 4 {
		t.Fatalf("store count = %d after first load more", fx.store.Count())
	}

	more, err = fx.coord.LoadMore(ctx, "pet")
	if err != nil || !more {
		t.Fatalf("load more 2 = %v, %v", more, err)
	}
	if fx.store.Count() != 5 {
		t.Fatalf("store count = %d after second load more", fx.store.Count())
	}

	more, err = fx.coord.LoadMore(ctx, "pet")
	if err != nil || more {
		t.Fatalf("exhausted load more = %v, %v", more, err)
	}
}

func TestLoadInitialIsReentrancySafe(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Ann", testNow))
	gate := make(chan struct{})
	remote.gate = gate
	fx := newFixture(t, remote)

	done := make(chan error, 1)
	go func() {
		done <- fx.coord.LoadInitial(ctx, "pet", nil, domain.QueryOptions{Limit: 2})
	}()

	// Wait until the first load is inside the remote call.
	deadline := time.Now().Add(2 * time.Second)
	for {
		remote.mu.Lock()
		calls := remote.selectCalls
		remote.mu.Unlock()
		if calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first load never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	// The second call must bail out without touching the backend.
	if err := fx.coord.LoadInitial(ctx, "pet", nil, domain.QueryOptions{Limit: 2}); err != nil {
		t.Fatalf("re-entrant load: %v", err)
	}
	remote.mu.Lock()
	calls := remote.selectCalls
	remote.mu.Unlock()
	if calls != 1 {
		t.Fatalf("selectCalls = %d, re-entrant load must be a no-op", calls)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}
	if fx.store.Count() != 1 {
		t.Fatalf("store count = %d", fx.store.Count())
	}
}

func TestPushTotalForwardsToStore(t *testing.T) {
	fx := newFixture(t, newFakeRemote())
	fx.coord.PushTotal("pet", 3573)
	if got := fx.store.TotalFromServer(); got != 3573 {
		t.Fatalf("total = %d", got)
	}
}
