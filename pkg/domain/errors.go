package domain

import (
	"errors"
	"fmt"
)

// ErrConfigurationMissing reports a requested entity type with no space
// descriptor. Callers treat it as "entity type unknown", not a fatal error.
type ErrConfigurationMissing struct {
	Type EntityType
}

func (e ErrConfigurationMissing) Error() string {
	return fmt.Sprintf("no configuration for entity type %q", e.Type)
}

// ErrNotFound reports an id absent both locally and remotely.
type ErrNotFound struct {
	Type EntityType
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Type, e.ID)
}

// StorageError wraps a broken or unavailable local collection. It is the only
// I/O failure class that propagates to callers after the one-time recreate
// attempt fails.
type StorageError struct {
	Type EntityType
	Op   string
	Err  error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Type, e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// ErrOffline marks a transport-level failure routed to the offline fallback
// path. It never surfaces to callers unless the fallback itself fails.
var ErrOffline = errors.New("remote backend unavailable")

// IsOffline reports whether err is classified as a connectivity failure.
func IsOffline(err error) bool { return errors.Is(err, ErrOffline) }
