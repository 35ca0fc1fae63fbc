package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"replicore/pkg/domain"
)

// Snapshotter is the collection surface the exporter needs: a full dump and
// an event-free restore. The memory collection satisfies it, and the durable
// collections inherit it by embedding.
type Snapshotter interface {
	Type() domain.EntityType
	Snapshot() []domain.CacheRecord
	Restore(records []domain.CacheRecord)
}

// Envelope is the serialized form of one collection snapshot.
type Envelope struct {
	Type    domain.EntityType    `json:"type"`
	TakenAt time.Time            `json:"taken_at"`
	Records []domain.CacheRecord `json:"records"`
}

// Key builds the blob key for a collection snapshot taken at an instant.
func Key(entityType domain.EntityType, takenAt time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s.json", entityType, takenAt.UTC().Format("20060102T150405Z"))
}

// Export dumps a collection's full contents into the blob store and returns
// the stored blob's metadata.
func Export(ctx context.Context, store Store, col Snapshotter, takenAt time.Time) (Info, error) {
	env := Envelope{
		Type:    col.Type(),
		TakenAt: takenAt.UTC(),
		Records: col.Snapshot(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	info, err := store.Put(ctx, Key(env.Type, env.TakenAt), bytes.NewReader(payload), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"entity-type": string(env.Type)},
	})
	if err != nil {
		return Info{}, fmt.Errorf("store snapshot: %w", err)
	}
	return info, nil
}

// Import replaces a collection's contents with a previously exported
// snapshot. The snapshot's entity type must match the collection's.
func Import(ctx context.Context, store Store, key string, col Snapshotter) error {
	_, body, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = body.Close() }()
	payload, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Type != col.Type() {
		return fmt.Errorf("snapshot type %s does not match collection %s", env.Type, col.Type())
	}
	col.Restore(env.Records)
	return nil
}

// Latest returns the most recent snapshot key for an entity type, or false
// when none exists.
func Latest(ctx context.Context, store Store, entityType domain.EntityType) (string, bool, error) {
	infos, err := store.List(ctx, fmt.Sprintf("snapshots/%s/", entityType))
	if err != nil {
		return "", false, err
	}
	if len(infos) == 0 {
		return "", false, nil
	}
	// Keys embed a sortable timestamp; List returns them key-sorted.
	return infos[len(infos)-1].Key, true, nil
}
