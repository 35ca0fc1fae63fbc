package schema

import (
	"context"
	"fmt"
	"time"

	"replicore/pkg/domain"
)

var errIDTooLong = fmt.Errorf("id exceeds %d characters", domain.MaxIDLength)

func unknownFieldError(name string) error {
	return fmt.Errorf("field %q not in schema", name)
}

func kindMismatchError(name string, want domain.FieldType, got domain.ValueKind) error {
	return fmt.Errorf("field %q expects %s, got %s", name, want, got)
}

func tooLongError(name string, max int) error {
	return fmt.Errorf("field %q exceeds max length %d", name, max)
}

// Migrate upgrades the records of a collection from a previous schema
// version. The only shape change so far is the cachedAt column introduced in
// version 2: pre-existing records without a cache timestamp receive the
// current time so they age out of the cache on the normal TTL schedule
// instead of being evicted immediately.
func Migrate(ctx context.Context, col domain.Collection, fromVersion int, clock domain.Clock) (int, error) {
	if fromVersion >= CurrentVersion {
		return 0, nil
	}
	records, err := col.Find(ctx, domain.FindQuery{IncludeDeleted: true})
	if err != nil {
		return 0, fmt.Errorf("load records for migration: %w", err)
	}
	now := clock.Now()
	var migrated []domain.CacheRecord
	for _, rec := range records {
		if rec.CachedAt > 0 {
			continue
		}
		rec.CachedAt = now.UnixMilli()
		migrated = append(migrated, rec)
	}
	if len(migrated) == 0 {
		return 0, nil
	}
	if err := col.UpsertMany(ctx, migrated); err != nil {
		return 0, fmt.Errorf("write migrated records: %w", err)
	}
	return len(migrated), nil
}

// SystemClock is the default wall clock used when no override is injected.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
