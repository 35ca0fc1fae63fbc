// Package postgres provides a durable cache collection that mirrors the
// in-memory implementation to a PostgreSQL table, one row per record.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"replicore/internal/cache/memory"
	"replicore/internal/schema"
	"replicore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion.
var _ domain.Collection = (*Collection)(nil)

// versionTable records the schema version each cache table was written with,
// so hydration can migrate rows persisted by an older synthesizer.
const versionTable = "cache_schema_versions"

// Option customizes collection construction.
type Option func(*settings)

type settings struct {
	clock domain.Clock
}

// WithClock overrides the time source used when migrating hydrated rows.
func WithClock(c domain.Clock) Option {
	return func(s *settings) { s.clock = c }
}

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/replicore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Collection reuses the in-memory collection for query semantics while
// mirroring every mutation to Postgres.
type Collection struct {
	*memory.Collection
	db    *sql.DB
	mu    sync.Mutex
	table string
	owned bool
}

// Open connects to Postgres using the provided DSN (falling back to a local
// default), ensures the cache table exists, and hydrates the in-memory state.
func Open(ctx context.Context, dsn string, entityType domain.EntityType, opts ...Option) (*Collection, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	col, err := Attach(ctx, db, entityType, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	col.owned = true
	return col, nil
}

// Attach builds a collection over an existing database handle.
func Attach(ctx context.Context, db *sql.DB, entityType domain.EntityType, opts ...Option) (*Collection, error) {
	cfg := &settings{clock: schema.SystemClock{}}
	for _, opt := range opts {
		opt(cfg)
	}
	table := tableName(entityType)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		cached_at BIGINT NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create cache table %s: %w", table, err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	)`, versionTable)); err != nil {
		return nil, fmt.Errorf("create version table: %w", err)
	}
	c := &Collection{
		Collection: memory.NewCollection(entityType),
		db:         db,
		table:      table,
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if err := c.migrate(ctx, cfg.clock); err != nil {
		return nil, err
	}
	return c, nil
}

// migrate upgrades hydrated rows when the stored schema version is behind the
// synthesizer's, then stamps the current version. Tables without a version
// row predate versioning and count as version 1.
func (c *Collection) migrate(ctx context.Context, clock domain.Clock) error {
	stored := 1
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE table_name = $1`, versionTable), c.table).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if stored < schema.CurrentVersion {
		if _, err := schema.Migrate(ctx, c, stored, clock); err != nil {
			return fmt.Errorf("migrate cache table %s: %w", c.table, err)
		}
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(table_name, version) VALUES($1, $2)
		ON CONFLICT(table_name) DO UPDATE SET version=excluded.version`, versionTable),
		c.table, schema.CurrentVersion); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return nil
}

func tableName(entityType domain.EntityType) string {
	var b strings.Builder
	b.WriteString("cache_")
	for _, r := range string(entityType) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (c *Collection) load(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT payload FROM %s`, c.table))
	if err != nil {
		return fmt.Errorf("select cache rows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []domain.CacheRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan cache row: %w", err)
		}
		var rec domain.CacheRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode cache row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate cache rows: %w", err)
	}
	c.Restore(records)
	return nil
}

// Upsert writes one record through to Postgres.
func (c *Collection) Upsert(ctx context.Context, record domain.CacheRecord) error {
	return c.UpsertMany(ctx, []domain.CacheRecord{record})
}

// UpsertMany applies the in-memory upsert, then mirrors the batch in one
// Postgres transaction.
func (c *Collection) UpsertMany(ctx context.Context, records []domain.CacheRecord) error {
	if err := c.Collection.UpsertMany(ctx, records); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stmt := fmt.Sprintf(`INSERT INTO %s(id,payload,cached_at) VALUES($1,$2,$3)
		ON CONFLICT(id) DO UPDATE SET payload=EXCLUDED.payload, cached_at=EXCLUDED.cached_at`, c.table)
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, rec.ID, payload, rec.CachedAt); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Delete removes the record from memory and Postgres.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	existed, err := c.Collection.Delete(ctx, id)
	if err != nil {
		return existed, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, c.table), id); err != nil {
		return existed, fmt.Errorf("delete %s: %w", id, err)
	}
	return existed, nil
}

// Evict drops expired records from memory and Postgres.
func (c *Collection) Evict(ctx context.Context, olderThan int64) (int, error) {
	n, err := c.Collection.Evict(ctx, olderThan)
	if err != nil {
		return n, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE cached_at < $1`, c.table), olderThan); err != nil {
		return n, fmt.Errorf("evict: %w", err)
	}
	return n, nil
}

// Close tears down subscriptions and, when the collection owns its handle,
// closes the database.
func (c *Collection) Close() error {
	_ = c.Collection.Close()
	if c.owned {
		return c.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for integration testing hooks.
func (c *Collection) DB() *sql.DB { return c.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
