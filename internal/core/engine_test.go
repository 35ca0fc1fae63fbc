package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"replicore/internal/cache/memory"
	"replicore/internal/config"
	"replicore/pkg/domain"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]domain.Entity
	offline bool
	pushes  int
	deletes int
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
	defer f.mu.Unlock()
	if f.offline {
		return nil, fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	var matched []domain.Entity
	for _, e := range f.rows {
		if e.Deleted {
			continue
		}
		ok := true
		for _, sel := range q.Selectors {
			if !sel.Matches(e) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, e)
		}
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
	return len(f.rows), nil
}

func (f *fakeRemote) Push(_ context.Context, _ domain.EntityType, e domain.Entity) (domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if f.offline {
		return domain.Entity{}, fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	f.rows[e.ID] = e.Clone()
	return e, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ domain.EntityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.offline {
		return fmt.Errorf("%w: dial refused", domain.ErrOffline)
	}
	if e, ok := f.rows[id]; ok {
		e.Deleted = true
		f.rows[id] = e
	}
	return nil
}

func (f *fakeRemote) PullSince(context.Context, domain.EntityType, time.Time, int) ([]domain.Entity, error) {
	return nil, nil
}

func pet(id, name string) domain.Entity {
	return domain.Entity{
		ID:        id,
		CreatedAt: testNow.Add(-48 * time.Hour),
		UpdatedAt: testNow.Add(-24 * time.Hour),
		Fields:    map[string]domain.Value{"name": domain.String(name)},
	}
}

func testIndex(t *testing.T, canMutate bool) *config.Index {
	t.Helper()
	idx, err := config.Build(config.Document{Workspaces: []config.Workspace{{
		Spaces: []config.Space{{
			Type:   "pet",
			Fields: map[string]string{"name": "string"},
			SortOptions: []config.SortOption{
				{Field: "name", Direction: "asc", TieBreaker: "id", TieDirection: "asc"},
			},
			Permissions: &config.Permissions{CanAdd: canMutate, CanEdit: canMutate, CanDelete: canMutate},
		}},
	}}})
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	return idx
}

func newEngine(t *testing.T, remote *fakeRemote, canMutate bool) *Engine {
	t.Helper()
	factory := func(_ context.Context, entityType domain.EntityType) (domain.Collection, error) {
		return memory.NewCollection(entityType), nil
	}
	e := New(remote, factory, testIndex(t, canMutate),
		WithClock(domain.ClockFunc(func() time.Time { return testNow })))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestGetEntityStoreUnknownTypeIsNil(t *testing.T) {
	e := newEngine(t, newFakeRemote(), true)
	if s := e.GetEntityStore("ghost"); s != nil {
		t.Fatal("unknown type must yield nil store")
	}
	if s := e.GetEntityStore("pet"); s == nil {
		t.Fatal("configured type must yield a store")
	}
	if a, b := e.GetEntityStore("pet"), e.GetEntityStore("pet"); a != b {
		t.Fatal("store must be a singleton per type")
	}
}

func TestCreateWritesThroughRemoteFirst(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e := newEngine(t, remote, true)

	created, err := e.Create(ctx, "pet", domain.Entity{
		ID:     "p1",
		Fields: map[string]domain.Value{"name": domain.String("Axel")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.CreatedAt != testNow || created.UpdatedAt != testNow {
		t.Fatalf("timestamps = %v / %v", created.CreatedAt, created.UpdatedAt)
	}
	if remote.pushes != 1 {
		t.Fatalf("pushes = %d", remote.pushes)
	}
	if e, ok := e.GetEntityStore("pet").ByID("p1"); !ok || e.Fields["name"].Str != "Axel" {
		t.Fatalf("store entity = %+v ok=%v", e, ok)
	}
}

func TestCreateRequiresPermissionAndID(t *testing.T) {
	ctx := context.Background()
	denied := newEngine(t, newFakeRemote(), false)
	_, err := denied.Create(ctx, "pet", pet("p1", "Axel"))
	if !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("err = %v, want ErrNotPermitted", err)
	}

	allowed := newEngine(t, newFakeRemote(), true)
	if _, err := allowed.Create(ctx, "pet", domain.Entity{}); err == nil {
		t.Fatal("entity without id must be rejected")
	}
}

func TestCreateValidatesAgainstSchema(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e := newEngine(t, remote, true)

	_, err := e.Create(ctx, "pet", domain.Entity{
		ID:     "p1",
		Fields: map[string]domain.Value{"unknown_column": domain.String("x")},
	})
	if err == nil {
		t.Fatal("unknown field must be rejected before the push")
	}
	if remote.pushes != 0 {
		t.Fatalf("pushes = %d, validation must run first", remote.pushes)
	}
}

func TestCreateSurfacesRemoteFailureSynchronously(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.offline = true
	e := newEngine(t, remote, true)

	_, err := e.Create(ctx, "pet", domain.Entity{
		ID:     "p1",
		Fields: map[string]domain.Value{"name": domain.String("Axel")},
	})
	if err == nil {
		t.Fatal("remote failure must surface to the caller")
	}
	if s := e.GetEntityStore("pet"); s.Count() != 0 {
		t.Fatal("failed create must not materialize locally")
	}
}

func TestUpdateMergesAndPushes(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Axel"))
	e := newEngine(t, remote, true)

	updated, err := e.Update(ctx, "pet", "p1", map[string]domain.Value{"name": domain.String("Max")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Fields["name"].Str != "Max" {
		t.Fatalf("updated = %+v", updated)
	}
	if updated.UpdatedAt != testNow {
		t.Fatalf("updatedAt = %v", updated.UpdatedAt)
	}

	remote.mu.Lock()
	pushed := remote.rows["p1"]
	remote.mu.Unlock()
	if pushed.Fields["name"].Str != "Max" {
		t.Fatalf("remote row = %+v", pushed)
	}
}

func TestUpdateMissingIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newFakeRemote(), true)

	_, err := e.Update(ctx, "pet", "ghost", map[string]domain.Value{"name": domain.String("X")})
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteDropsLocalState(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Axel"))
	e := newEngine(t, remote, true)

	// Materialize locally first.
	if _, err := e.ApplyFilters(ctx, "pet", nil, domain.QueryOptions{Limit: 10}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if e.GetEntityStore("pet").Count() != 1 {
		t.Fatal("prime failed")
	}

	if err := e.Delete(ctx, "pet", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if remote.deletes != 1 {
		t.Fatalf("deletes = %d", remote.deletes)
	}
	if e.GetEntityStore("pet").Count() != 0 {
		t.Fatal("entity still in store after delete")
	}
	if _, found, _ := e.GetByID(ctx, "pet", "p1"); found {
		t.Fatal("deleted entity still resolvable")
	}
}

func TestDeleteRequiresPermission(t *testing.T) {
	e := newEngine(t, newFakeRemote(pet("p1", "Axel")), false)
	if err := e.Delete(context.Background(), "pet", "p1"); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("err = %v, want ErrNotPermitted", err)
	}
}

func TestApplyFiltersFoldsPageIntoStore(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Ann"), pet("p2", "Bea"))
	e := newEngine(t, remote, true)

	result, err := e.ApplyFilters(ctx, "pet", nil, domain.QueryOptions{Limit: 10})
	if err != nil {
		t.Fatalf("apply filters: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("records = %d", len(result.Records))
	}
	if e.GetEntityStore("pet").Count() != 2 {
		t.Fatalf("store count = %d", e.GetEntityStore("pet").Count())
	}
}

func TestSelectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Ann"))
	e := newEngine(t, remote, true)

	if _, err := e.ApplyFilters(ctx, "pet", nil, domain.QueryOptions{Limit: 10}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	e.Select("pet", "p1")
	selected, ok := e.Selected("pet")
	if !ok || selected.ID != "p1" {
		t.Fatalf("selected = %+v ok=%v", selected, ok)
	}
}

func TestLoadInitialUnknownTypeErrs(t *testing.T) {
	e := newEngine(t, newFakeRemote(), true)
	err := e.LoadInitial(context.Background(), "ghost", nil, domain.QueryOptions{Limit: 10})
	var missing domain.ErrConfigurationMissing
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want ErrConfigurationMissing", err)
	}
}

func TestLoadInitialAndMoreThroughFacade(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Ann"), pet("p2", "Bea"), pet("p3", "Max"))
	e := newEngine(t, remote, true)

	if err := e.LoadInitial(ctx, "pet", nil, domain.QueryOptions{Limit: 2}); err != nil {
		t.Fatalf("load initial: %v", err)
	}
	if got := e.GetEntityStore("pet").Count(); got != 2 {
		t.Fatalf("store count = %d", got)
	}
	more, err := e.LoadMore(ctx, "pet")
	if err != nil || !more {
		t.Fatalf("load more = %v, %v", more, err)
	}
	if got := e.GetEntityStore("pet").Count(); got != 3 {
		t.Fatalf("store count = %d after load more", got)
	}
}

func TestGetAllAndFindReadStoreOnly(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(pet("p1", "Ann"), pet("p2", "Bea"))
	e := newEngine(t, remote, true)

	if _, err := e.ApplyFilters(ctx, "pet", nil, domain.QueryOptions{Limit: 10}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	remote.mu.Lock()
	remote.offline = true
	remote.mu.Unlock()

	if got := len(e.GetAll("pet")); got != 2 {
		t.Fatalf("GetAll = %d", got)
	}
	found := e.Find("pet", func(e domain.Entity) bool {
		return e.Fields["name"].Str == "Bea"
	})
	if len(found) != 1 || found[0].ID != "p2" {
		t.Fatalf("Find = %+v", found)
	}
}
