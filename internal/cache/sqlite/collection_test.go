package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"replicore/internal/schema"
	"replicore/pkg/domain"
)

func record(id, name string, cachedAt int64) domain.CacheRecord {
	return domain.CacheRecord{
		Entity: domain.Entity{
			ID:        id,
			UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Fields:    map[string]domain.Value{"name": domain.String(name)},
		},
		CachedAt: cachedAt,
	}
}

func TestHydrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	col, err := Open(path, "pet")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := col.UpsertMany(ctx, []domain.CacheRecord{
		record("p1", "Axel", 100),
		record("p2", "Max", 200),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := col.Delete(ctx, "p2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := col.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, "pet")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, ok, err := reopened.Get(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: %v ok=%v", err, ok)
	}
	if got.Fields["name"].Str != "Axel" || got.CachedAt != 100 {
		t.Fatalf("hydrated record = %+v", got)
	}
	if _, ok, _ := reopened.Get(ctx, "p2"); ok {
		t.Fatal("deleted record came back after reopen")
	}
}

func TestEvictPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	col, err := Open(path, "pet")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := col.UpsertMany(ctx, []domain.CacheRecord{
		record("old", "Max", 50),
		record("fresh", "Axel", 500),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dropped, err := col.Evict(ctx, 100)
	if err != nil || dropped != 1 {
		t.Fatalf("evict = %d, %v; want 1", dropped, err)
	}
	if err := col.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, "pet")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if _, ok, _ := reopened.Get(ctx, "old"); ok {
		t.Fatal("evicted record survived in the durable mirror")
	}
	if _, ok, _ := reopened.Get(ctx, "fresh"); !ok {
		t.Fatal("fresh record missing after reopen")
	}
}

func TestOpenMigratesLegacyRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	// A cache written before schema versioning: rows without a cache
	// timestamp and no version table.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE cache_pet (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		cached_at INTEGER NOT NULL
	)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	legacy := record("p1", "Axel", 0)
	payload, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("encode legacy row: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO cache_pet(id,payload,cached_at) VALUES(?,?,0)`, "p1", payload); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	col, err := Open(path, "pet", WithClock(domain.ClockFunc(func() time.Time { return now })))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = col.Close() }()

	got, ok, err := col.Get(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if got.CachedAt != now.UnixMilli() {
		t.Fatalf("cachedAt = %d, want backfill %d", got.CachedAt, now.UnixMilli())
	}

	var version int
	if err := col.DB().QueryRow(`SELECT version FROM cache_schema_versions WHERE table_name = 'cache_pet'`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Fatalf("version = %d, want %d", version, schema.CurrentVersion)
	}

	// A stamped cache must not be rewritten on the next open.
	if err := col.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	later := now.Add(time.Hour)
	reopened, err := Open(path, "pet", WithClock(domain.ClockFunc(func() time.Time { return later })))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	again, ok, err := reopened.Get(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: %v ok=%v", err, ok)
	}
	if again.CachedAt != now.UnixMilli() {
		t.Fatalf("cachedAt rewritten to %d on reopen", again.CachedAt)
	}
}

func TestAttachSharesOneHandle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	pets, err := Open(path, "pet")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = pets.Close() }()

	owners, err := Attach(pets.DB(), "owner")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer func() { _ = owners.Close() }()

	if err := pets.Upsert(ctx, record("p1", "Axel", 100)); err != nil {
		t.Fatalf("pet upsert: %v", err)
	}
	if err := owners.Upsert(ctx, record("o1", "Ann", 100)); err != nil {
		t.Fatalf("owner upsert: %v", err)
	}
	if _, ok, _ := owners.Get(ctx, "p1"); ok {
		t.Fatal("tables leaked across entity types")
	}
	if _, ok, _ := owners.Get(ctx, "o1"); !ok {
		t.Fatal("owner record missing")
	}
}
