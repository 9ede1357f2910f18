package memstore

import (
	"context"
	"testing"

	"margin/api/internal/domain"
)

func newField(t *testing.T) *domain.AnnotationField {
	t.Helper()
	curator, err := domain.NewCuratorID("did:plc:memtest")
	if err != nil {
		t.Fatalf("NewCuratorID: %v", err)
	}
	def, err := domain.NewDyadDefinition("Agree", "Disagree")
	if err != nil {
		t.Fatalf("NewDyadDefinition: %v", err)
	}
	field, err := domain.NewAnnotationField(domain.AnnotationFieldProps{
		CuratorID:  curator,
		Name:       "Stance",
		Definition: def,
	})
	if err != nil {
		t.Fatalf("NewAnnotationField: %v", err)
	}
	return field
}

func TestFieldStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFieldStore()
	field := newField(t)

	if got, err := store.FindFieldByID(ctx, field.ID()); err != nil || got != nil {
		t.Fatalf("absent field should be (nil, nil), got (%v, %v)", got, err)
	}

	if err := store.SaveField(ctx, field); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.FindFieldByID(ctx, field.ID())
	if err != nil {
		t.Fatalf("FindFieldByID: %v", err)
	}
	if got == nil || got.Name() != field.Name() {
		t.Fatalf("stored field mismatch: %+v", got)
	}

	byName, err := store.FindFieldByName(ctx, field.CuratorID(), "Stance")
	if err != nil || byName == nil || byName.ID() != field.ID() {
		t.Fatalf("FindFieldByName mismatch: (%v, %v)", byName, err)
	}

	if err := store.DeleteField(ctx, field.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, err := store.FindFieldByID(ctx, field.ID()); err != nil || got != nil {
		t.Fatalf("deleted field should be (nil, nil), got (%v, %v)", got, err)
	}
}

func TestFieldStoreIsDefensive(t *testing.T) {
	ctx := context.Background()
	store := NewFieldStore()
	field := newField(t)
	if err := store.SaveField(ctx, field); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the caller's instance after save must not reach the store.
	if err := field.UpdateDetails("Tampered", ""); err != nil {
		t.Fatalf("UpdateDetails: %v", err)
	}
	stored, err := store.FindFieldByID(ctx, field.ID())
	if err != nil {
		t.Fatalf("FindFieldByID: %v", err)
	}
	if stored.Name() != "Stance" {
		t.Fatalf("save should have kept a defensive copy, got %s", stored.Name())
	}

	// Mutating a returned instance must not reach the store either.
	if err := stored.UpdateDetails("AlsoTampered", ""); err != nil {
		t.Fatalf("UpdateDetails: %v", err)
	}
	again, err := store.FindFieldByID(ctx, field.ID())
	if err != nil {
		t.Fatalf("FindFieldByID: %v", err)
	}
	if again.Name() != "Stance" {
		t.Fatalf("find should have returned a defensive copy, got %s", again.Name())
	}
}

func TestFindFieldByPublishedRecordIDUsesCompositeKey(t *testing.T) {
	ctx := context.Background()
	store := NewFieldStore()
	field := newField(t)

	ref, err := domain.NewPublishedRecordID("at://did:plc:memtest/app.margin.annotationField/3k1", "bafy1")
	if err != nil {
		t.Fatalf("NewPublishedRecordID: %v", err)
	}
	if _, err := field.MarkPublished(ref); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := store.SaveField(ctx, field); err != nil {
		t.Fatalf("Save: %v", err)
	}

	found, err := store.FindFieldByPublishedRecordID(ctx, ref)
	if err != nil || found == nil {
		t.Fatalf("lookup by exact ref failed: (%v, %v)", found, err)
	}

	// Same URI but a different CID is a different version and must not match.
	stale := domain.PublishedRecordID{URI: ref.URI, CID: "bafy2"}
	found, err = store.FindFieldByPublishedRecordID(ctx, stale)
	if err != nil || found != nil {
		t.Fatalf("stale cid should not match, got (%v, %v)", found, err)
	}
}
