package pds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"margin/api/internal/domain"
)

type fakeRecordClient struct {
	CreateRecordFunc func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error)
	PutRecordFunc    func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error)
	DeleteRecordFunc func(ctx context.Context, did, collection, rkey string) error
}

func (f *fakeRecordClient) CreateRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	return f.CreateRecordFunc(ctx, did, collection, rkey, record)
}

func (f *fakeRecordClient) PutRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	return f.PutRecordFunc(ctx, did, collection, rkey, record)
}

func (f *fakeRecordClient) DeleteRecord(ctx context.Context, did, collection, rkey string) error {
	return f.DeleteRecordFunc(ctx, did, collection, rkey)
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func testCurator(t *testing.T) domain.CuratorID {
	t.Helper()
	curator, err := domain.NewCuratorID("did:plc:alice123")
	if err != nil {
		t.Fatalf("new curator id: %v", err)
	}
	return curator
}

func testRatingField(t *testing.T, curator domain.CuratorID) *domain.AnnotationField {
	t.Helper()
	name, err := domain.NewName("Overall quality")
	if err != nil {
		t.Fatalf("new name: %v", err)
	}
	field, err := domain.NewAnnotationField(domain.AnnotationFieldProps{
		CuratorID:  curator,
		Name:       name,
		Definition: domain.NewRatingDefinition(),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("new field: %v", err)
	}
	return field
}

func testAnnotation(t *testing.T, curator domain.CuratorID, field *domain.AnnotationField) *domain.Annotation {
	t.Helper()
	subject, err := domain.NewSubjectURI("https://example.com/articles/42")
	if err != nil {
		t.Fatalf("new subject: %v", err)
	}
	rating := 4
	value, err := domain.NewAnnotationValue(field.Definition(), domain.ValueInput{Rating: &rating})
	if err != nil {
		t.Fatalf("new value: %v", err)
	}
	annotation, err := domain.NewAnnotation(domain.AnnotationProps{
		CuratorID: curator,
		Subject:   subject,
		FieldID:   field.ID(),
		Value:     value,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("new annotation: %v", err)
	}
	return annotation
}

func mustRef(t *testing.T, uri, cid string) domain.PublishedRecordID {
	t.Helper()
	ref, err := domain.NewPublishedRecordID(uri, cid)
	if err != nil {
		t.Fatalf("new ref: %v", err)
	}
	return ref
}

func TestFieldRecordShape(t *testing.T) {
	curator := testCurator(t)
	field := testRatingField(t, curator)

	record, err := FieldRecord(field)
	if err != nil {
		t.Fatalf("field record: %v", err)
	}
	if record["$type"] != CollectionField {
		t.Errorf("$type = %v, want %s", record["$type"], CollectionField)
	}
	if record["name"] != "Overall quality" {
		t.Errorf("name = %v", record["name"])
	}
	if _, ok := record["description"]; ok {
		t.Error("empty description should be omitted")
	}
	definition, ok := record["definition"].(map[string]any)
	if !ok {
		t.Fatalf("definition is %T, want object", record["definition"])
	}
	if definition["$type"] != CollectionField+"#rating" {
		t.Errorf("definition $type = %v", definition["$type"])
	}
}

func TestAnnotationRecordCarriesFieldRef(t *testing.T) {
	curator := testCurator(t)
	field := testRatingField(t, curator)
	annotation := testAnnotation(t, curator, field)
	fieldRef := mustRef(t, "at://did:plc:alice123/"+CollectionField+"/abc", "bafy1")

	record, err := AnnotationRecord(annotation, fieldRef, nil)
	if err != nil {
		t.Fatalf("annotation record: %v", err)
	}
	ref, ok := record["field"].(strongRef)
	if !ok {
		t.Fatalf("field ref is %T", record["field"])
	}
	if ref.URI != fieldRef.URI || ref.CID != fieldRef.CID {
		t.Errorf("field ref = %+v, want %+v", ref, fieldRef)
	}
	if _, ok := record["fromTemplate"]; ok {
		t.Error("fromTemplate should be absent without a template ref")
	}
	if _, ok := record["note"]; ok {
		t.Error("empty note should be omitted")
	}
}

func TestPublishFieldCreatesWhenDraft(t *testing.T) {
	curator := testCurator(t)
	field := testRatingField(t, curator)

	var gotCollection, gotDID string
	client := &fakeRecordClient{
		CreateRecordFunc: func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
			gotDID = did
			gotCollection = collection
			return domain.NewPublishedRecordID(RecordURI(did, collection, rkey), "bafycreated")
		},
	}
	publisher := NewPublisher(client, testLogger())

	ref, err := publisher.PublishField(context.Background(), field)
	if err != nil {
		t.Fatalf("publish field: %v", err)
	}
	if gotDID != curator.String() {
		t.Errorf("did = %s, want %s", gotDID, curator)
	}
	if gotCollection != CollectionField {
		t.Errorf("collection = %s", gotCollection)
	}
	if ref.CID != "bafycreated" {
		t.Errorf("cid = %s", ref.CID)
	}
}

func TestPublishFieldReusesRecordKeyOnRepublish(t *testing.T) {
	curator := testCurator(t)
	field := testRatingField(t, curator)
	prior := mustRef(t, RecordURI(curator.String(), CollectionField, "rkey1"), "bafyold")
	if _, err := field.MarkPublished(prior); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	var putRkey string
	client := &fakeRecordClient{
		CreateRecordFunc: func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
			t.Fatal("republish must not create a new record")
			return domain.PublishedRecordID{}, nil
		},
		PutRecordFunc: func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
			putRkey = rkey
			return domain.NewPublishedRecordID(RecordURI(did, collection, rkey), "bafynew")
		},
	}
	publisher := NewPublisher(client, testLogger())

	ref, err := publisher.PublishField(context.Background(), field)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if putRkey != "rkey1" {
		t.Errorf("rkey = %s, want rkey1", putRkey)
	}
	if ref.URI != prior.URI {
		t.Errorf("uri changed on republish: %s vs %s", ref.URI, prior.URI)
	}
	if ref.CID == prior.CID {
		t.Error("republish should yield a new cid")
	}
}

func batchFixture(t *testing.T) (*domain.AnnotationsFromTemplate, map[domain.AnnotationFieldID]domain.PublishedRecordID) {
	t.Helper()
	curator := testCurator(t)
	fieldA := testRatingField(t, curator)
	fieldB := testRatingField(t, curator)

	name, err := domain.NewName("Review pass")
	if err != nil {
		t.Fatalf("new name: %v", err)
	}
	template, err := domain.NewAnnotationTemplate(domain.AnnotationTemplateProps{
		CuratorID: curator,
		Name:      name,
		Fields: []domain.TemplateField{
			{FieldID: fieldA.ID(), Required: true},
			{FieldID: fieldB.ID(), Required: false},
		},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("new template: %v", err)
	}

	templateID := template.ID()
	makeAnnotation := func(field *domain.AnnotationField) *domain.Annotation {
		subject, _ := domain.NewSubjectURI("https://example.com/articles/42")
		rating := 3
		value, err := domain.NewAnnotationValue(field.Definition(), domain.ValueInput{Rating: &rating})
		if err != nil {
			t.Fatalf("new value: %v", err)
		}
		annotation, err := domain.NewAnnotation(domain.AnnotationProps{
			CuratorID:  curator,
			Subject:    subject,
			FieldID:    field.ID(),
			Value:      value,
			CreatedAt:  time.Now(),
			TemplateID: &templateID,
		})
		if err != nil {
			t.Fatalf("new annotation: %v", err)
		}
		return annotation
	}

	batch, err := domain.NewAnnotationsFromTemplate(template, []*domain.Annotation{
		makeAnnotation(fieldA),
		makeAnnotation(fieldB),
	})
	if err != nil {
		t.Fatalf("new batch: %v", err)
	}

	fieldRefs := map[domain.AnnotationFieldID]domain.PublishedRecordID{
		fieldA.ID(): mustRef(t, RecordURI(curator.String(), CollectionField, "fa"), "bafyfa"),
		fieldB.ID(): mustRef(t, RecordURI(curator.String(), CollectionField, "fb"), "bafyfb"),
	}
	return batch, fieldRefs
}

func TestPublishBatchWritesTemplateAndAnnotations(t *testing.T) {
	batch, fieldRefs := batchFixture(t)

	var creates int
	client := &fakeRecordClient{
		CreateRecordFunc: func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
			creates++
			return domain.NewPublishedRecordID(RecordURI(did, collection, rkey), fmt.Sprintf("bafy%d", creates))
		},
	}
	publisher := NewPublisher(client, testLogger())

	result, err := publisher.PublishBatch(context.Background(), batch, fieldRefs)
	if err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if creates != 3 {
		t.Errorf("creates = %d, want 3 (template + 2 annotations)", creates)
	}
	if result.Template.IsZero() {
		t.Error("template ref missing")
	}
	if len(result.Annotations) != 2 {
		t.Fatalf("annotation refs = %d, want 2", len(result.Annotations))
	}
	for _, annotation := range batch.Annotations() {
		if _, ok := result.Annotations[annotation.ID()]; !ok {
			t.Errorf("no ref for annotation %s", annotation.ID())
		}
	}
}

func TestPublishBatchRollsBackCreatedRecords(t *testing.T) {
	batch, fieldRefs := batchFixture(t)

	var creates, deletes int
	client := &fakeRecordClient{
		CreateRecordFunc: func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
			creates++
			if creates == 3 {
				return domain.PublishedRecordID{}, errors.New("upstream unavailable")
			}
			return domain.NewPublishedRecordID(RecordURI(did, collection, rkey), fmt.Sprintf("bafy%d", creates))
		},
		DeleteRecordFunc: func(ctx context.Context, did, collection, rkey string) error {
			deletes++
			return nil
		},
	}
	publisher := NewPublisher(client, testLogger())

	_, err := publisher.PublishBatch(context.Background(), batch, fieldRefs)
	if err == nil {
		t.Fatal("want error from failed batch")
	}
	if deletes != 2 {
		t.Errorf("deletes = %d, want 2 (template + first annotation)", deletes)
	}
	var perr *PartialPublishError
	if !errors.As(err, &perr) {
		t.Fatalf("want PartialPublishError, got %T", err)
	}
	if len(perr.Orphaned) != 0 {
		t.Errorf("orphaned = %d, want 0 after clean rollback", len(perr.Orphaned))
	}
}

func TestPublishBatchReportsOrphansWhenRollbackFails(t *testing.T) {
	batch, fieldRefs := batchFixture(t)

	var creates int
	client := &fakeRecordClient{
		CreateRecordFunc: func(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
			creates++
			if creates == 3 {
				return domain.PublishedRecordID{}, errors.New("upstream unavailable")
			}
			return domain.NewPublishedRecordID(RecordURI(did, collection, rkey), fmt.Sprintf("bafy%d", creates))
		},
		DeleteRecordFunc: func(ctx context.Context, did, collection, rkey string) error {
			return errors.New("delete refused")
		},
	}
	publisher := NewPublisher(client, testLogger())

	_, err := publisher.PublishBatch(context.Background(), batch, fieldRefs)
	var perr *PartialPublishError
	if !errors.As(err, &perr) {
		t.Fatalf("want PartialPublishError, got %v", err)
	}
	if len(perr.Orphaned) != 2 {
		t.Errorf("orphaned = %d, want 2", len(perr.Orphaned))
	}
}

func TestParseRecordURI(t *testing.T) {
	did, collection, rkey, err := ParseRecordURI("at://did:plc:alice123/app.margin.annotation/3kabc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if did != "did:plc:alice123" || collection != "app.margin.annotation" || rkey != "3kabc" {
		t.Errorf("parsed %s %s %s", did, collection, rkey)
	}

	for _, bad := range []string{"", "https://x/y/z", "at://only-did", "at://a/b", "at://a/b/c/d"} {
		if _, _, _, err := ParseRecordURI(bad); err == nil {
			t.Errorf("ParseRecordURI(%q) should fail", bad)
		}
	}
}

func TestNewTIDMonotonic(t *testing.T) {
	prev := NewTID()
	for i := 0; i < 100; i++ {
		next := NewTID()
		if len(next) != 13 {
			t.Fatalf("tid length = %d", len(next))
		}
		if next <= prev {
			t.Fatalf("tid %s not after %s", next, prev)
		}
		prev = next
	}
}

func TestContentIDDeterministic(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b, err := canonicalJSON(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical JSON differs: %s vs %s", a, b)
	}
	if ContentID(a) != ContentID(b) {
		t.Error("equal content must yield equal cid")
	}
	if ContentID(a) == ContentID([]byte("other")) {
		t.Error("different content must yield different cid")
	}
}
