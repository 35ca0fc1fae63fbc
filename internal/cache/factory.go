// Package cache selects a local cache collection backend per entity type.
package cache

import (
	"context"
	"fmt"
	"os"

	"replicore/internal/cache/memory"
	"replicore/internal/cache/postgres"
	"replicore/internal/cache/sqlite"
	"replicore/pkg/domain"
)

// Driver identifies a concrete cache collection implementation.
type Driver string

const (
	// DriverMemory is in-memory only (tests / ephemeral).
	DriverMemory Driver = "memory"
	// DriverSQLite mirrors to an embedded sqlite file.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres mirrors to a PostgreSQL server.
	DriverPostgres Driver = "postgres"
)

// Factory opens one collection per entity type. The query engine uses it both
// for initial opens and for the one-time recreate attempt after a storage
// failure.
type Factory func(ctx context.Context, entityType domain.EntityType) (domain.Collection, error)

// OpenFactory selects a backend using environment variables. Defaults to
// sqlite when unset.
//
//	REPLICORE_CACHE_DRIVER: memory|sqlite|postgres (default sqlite)
//	REPLICORE_SQLITE_PATH: path to the sqlite cache file (default ./replicore.db)
//	REPLICORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenFactory() (Factory, error) {
	driver := os.Getenv("REPLICORE_CACHE_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return func(_ context.Context, entityType domain.EntityType) (domain.Collection, error) {
			return memory.NewCollection(entityType), nil
		}, nil
	case DriverSQLite:
		path := os.Getenv("REPLICORE_SQLITE_PATH")
		return func(_ context.Context, entityType domain.EntityType) (domain.Collection, error) {
			return sqlite.Open(path, entityType)
		}, nil
	case DriverPostgres:
		dsn := os.Getenv("REPLICORE_POSTGRES_DSN")
		return func(ctx context.Context, entityType domain.EntityType) (domain.Collection, error) {
			return postgres.Open(ctx, dsn, entityType)
		}, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %s", driver)
	}
}
