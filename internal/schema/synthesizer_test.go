package schema

import (
	"context"
	"testing"
	"time"

	"replicore/internal/cache/memory"
	"replicore/pkg/domain"
)

func TestSynthesizeDeclaredAndEnvelopeFields(t *testing.T) {
	desc := domain.SpaceDescriptor{
		Type: "pet",
		Fields: map[string]string{
			"name":     "string",
			"breed_id": "uuid",
		},
	}
	schema, ok := New().Synthesize("pet", desc)
	if !ok {
		t.Fatal("synthesize rejected a valid descriptor")
	}
	if schema.Version != CurrentVersion {
		t.Fatalf("version = %d, want %d", schema.Version, CurrentVersion)
	}

	id, ok := schema.Field(domain.FieldID)
	if !ok {
		t.Fatal("id field missing")
	}
	if !id.Required || !id.PrimaryKey || id.MaxLength != domain.MaxIDLength {
		t.Fatalf("id descriptor = %+v", id)
	}

	for name, want := range map[string]domain.FieldType{
		domain.FieldCreatedAt: domain.FieldString,
		domain.FieldUpdatedAt: domain.FieldString,
		domain.FieldDeleted:   domain.FieldBoolean,
		domain.FieldCachedAt:  domain.FieldNumber,
		"name":                domain.FieldString,
		"breed_id":            domain.FieldString,
	} {
		f, ok := schema.Field(name)
		if !ok {
			t.Errorf("field %s missing", name)
			continue
		}
		if f.Type != want {
			t.Errorf("field %s type = %s, want %s", name, f.Type, want)
		}
	}
}

func TestSynthesizeAdoptsSortAndFilterFields(t *testing.T) {
	desc := domain.SpaceDescriptor{
		Type:   "pet",
		Fields: map[string]string{"name": "string"},
		SortOptions: []domain.SortOption{
			{Field: "weight", Direction: domain.SortAsc, TieBreaker: &domain.TieBreaker{Field: "id"}},
		},
		FilterFields: []domain.FilterField{
			{Field: "age", LogicalType: "number"},
		},
	}
	schema, ok := New().Synthesize("pet", desc)
	if !ok {
		t.Fatal("synthesize rejected a valid descriptor")
	}
	if _, ok := schema.Field("weight"); !ok {
		t.Error("sort-only field not adopted")
	}
	if f, ok := schema.Field("age"); !ok || f.Type != domain.FieldNumber {
		t.Errorf("filter-only field = %+v ok=%v", f, ok)
	}
}

func TestSynthesizeRejectsTypeMismatch(t *testing.T) {
	desc := domain.SpaceDescriptor{Type: "owner"}
	if _, ok := New().Synthesize("pet", desc); ok {
		t.Fatal("descriptor for a different type must be rejected")
	}
	if _, ok := New().Synthesize("", domain.SpaceDescriptor{}); ok {
		t.Fatal("empty entity type must be rejected")
	}
}

func TestValidate(t *testing.T) {
	schema, _ := New().Synthesize("pet", domain.SpaceDescriptor{
		Type:   "pet",
		Fields: map[string]string{"name": "string", "age": "number"},
	})

	valid := domain.Entity{ID: "p1", Fields: map[string]domain.Value{
		"name": domain.String("Axel"),
		"age":  domain.Number(4),
	}}
	if err := Validate(schema, valid); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}

	if err := Validate(schema, domain.Entity{}); err == nil {
		t.Error("entity without id must be rejected")
	}

	mismatch := domain.Entity{ID: "p2", Fields: map[string]domain.Value{"age": domain.String("four")}}
	if err := Validate(schema, mismatch); err == nil {
		t.Error("kind mismatch must be rejected")
	}

	unknown := domain.Entity{ID: "p3", Fields: map[string]domain.Value{"color": domain.String("blue")}}
	if err := Validate(schema, unknown); err == nil {
		t.Error("unknown field must be rejected")
	}

	nullable := domain.Entity{ID: "p4", Fields: map[string]domain.Value{"name": domain.Null()}}
	if err := Validate(schema, nullable); err != nil {
		t.Errorf("null optional field rejected: %v", err)
	}

	longID := domain.Entity{ID: "123456789012345678901234567890123456789"}
	if err := Validate(schema, longID); err == nil {
		t.Error("over-length id must be rejected")
	}
}

func TestMigrateBackfillsCachedAt(t *testing.T) {
	ctx := context.Background()
	col := memory.NewCollection("pet")
	defer func() { _ = col.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := domain.ClockFunc(func() time.Time { return now })

	records := []domain.CacheRecord{
		{Entity: domain.Entity{ID: "old"}},
		{Entity: domain.Entity{ID: "fresh"}, CachedAt: now.UnixMilli()},
	}
	if err := col.UpsertMany(ctx, records); err != nil {
		t.Fatalf("seed: %v", err)
	}

	migrated, err := Migrate(ctx, col, 1, clock)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if migrated != 1 {
		t.Fatalf("migrated = %d, want 1", migrated)
	}

	rec, ok, err := col.Get(ctx, "old")
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if rec.CachedAt != now.UnixMilli() {
		t.Fatalf("cachedAt = %d, want %d", rec.CachedAt, now.UnixMilli())
	}

	again, err := Migrate(ctx, col, CurrentVersion, clock)
	if err != nil || again != 0 {
		t.Fatalf("up-to-date migrate = %d, %v", again, err)
	}
}
