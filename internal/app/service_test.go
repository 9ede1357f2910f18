package app

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"margin/api/internal/config"
	"margin/api/internal/domain"
	"margin/api/internal/memstore"
	"margin/api/internal/pds"
)

const testCurator = domain.CuratorID("did:plc:alice123")

type fakePublisher struct {
	PublishFieldFunc      func(ctx context.Context, field *domain.AnnotationField) (domain.PublishedRecordID, error)
	PublishTemplateFunc   func(ctx context.Context, template *domain.AnnotationTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (domain.PublishedRecordID, error)
	PublishAnnotationFunc func(ctx context.Context, annotation *domain.Annotation, fieldRef domain.PublishedRecordID, templateRef *domain.PublishedRecordID) (domain.PublishedRecordID, error)
	PublishBatchFunc      func(ctx context.Context, batch *domain.AnnotationsFromTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (*pds.BatchResult, error)
	UnpublishFunc         func(ctx context.Context, ref domain.PublishedRecordID) error

	unpublished []domain.PublishedRecordID
}

func (f *fakePublisher) PublishField(ctx context.Context, field *domain.AnnotationField) (domain.PublishedRecordID, error) {
	if f.PublishFieldFunc != nil {
		return f.PublishFieldFunc(ctx, field)
	}
	return testRef("field", field.ID().String()), nil
}

func (f *fakePublisher) PublishTemplate(ctx context.Context, template *domain.AnnotationTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (domain.PublishedRecordID, error) {
	if f.PublishTemplateFunc != nil {
		return f.PublishTemplateFunc(ctx, template, fieldRefs)
	}
	return testRef("template", template.ID().String()), nil
}

func (f *fakePublisher) PublishAnnotation(ctx context.Context, annotation *domain.Annotation, fieldRef domain.PublishedRecordID, templateRef *domain.PublishedRecordID) (domain.PublishedRecordID, error) {
	if f.PublishAnnotationFunc != nil {
		return f.PublishAnnotationFunc(ctx, annotation, fieldRef, templateRef)
	}
	return testRef("annotation", annotation.ID().String()), nil
}

func (f *fakePublisher) PublishBatch(ctx context.Context, batch *domain.AnnotationsFromTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (*pds.BatchResult, error) {
	if f.PublishBatchFunc != nil {
		return f.PublishBatchFunc(ctx, batch, fieldRefs)
	}
	result := &pds.BatchResult{
		Template:    testRef("template", batch.Template().ID().String()),
		Annotations: make(map[domain.AnnotationID]domain.PublishedRecordID),
	}
	for _, annotation := range batch.Annotations() {
		result.Annotations[annotation.ID()] = testRef("annotation", annotation.ID().String())
	}
	return result, nil
}

func (f *fakePublisher) Unpublish(ctx context.Context, ref domain.PublishedRecordID) error {
	f.unpublished = append(f.unpublished, ref)
	if f.UnpublishFunc != nil {
		return f.UnpublishFunc(ctx, ref)
	}
	return nil
}

type fakeQueue struct {
	entries []domain.PublishedRecordID
}

func (f *fakeQueue) Enqueue(_ context.Context, ref domain.PublishedRecordID, _ string) error {
	f.entries = append(f.entries, ref)
	return nil
}

func testRef(collection, suffix string) domain.PublishedRecordID {
	return domain.PublishedRecordID{
		URI: "at://" + string(testCurator) + "/app.margin." + collection + "/" + suffix,
		CID: "bafkreicid" + suffix,
	}
}

type testEnv struct {
	service     *Service
	fields      *memstore.FieldStore
	templates   *memstore.TemplateStore
	annotations *memstore.AnnotationStore
	publisher   *fakePublisher
	queue       *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		fields:      memstore.NewFieldStore(),
		templates:   memstore.NewTemplateStore(),
		annotations: memstore.NewAnnotationStore(),
		publisher:   &fakePublisher{},
		queue:       &fakeQueue{},
	}
	env.service = New(config.Config{}, Deps{
		Fields:      env.fields,
		Templates:   env.templates,
		Annotations: env.annotations,
		Publisher:   env.publisher,
		Orphans:     env.queue,
		Logger:      log.New(io.Discard),
	})
	return env
}

func ratingInput() DefinitionInput {
	return DefinitionInput{Kind: "rating"}
}

func dyadInput() DefinitionInput {
	return DefinitionInput{Kind: "dyad", SideA: "boring", SideB: "thrilling"}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestCreateFieldRejectsInvalidDefinition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.CreateField(context.Background(), testCurator, "Mood", "", DefinitionInput{Kind: "dyad", SideA: "calm"})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateFieldRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.CreateField(context.Background(), testCurator, "Mood", "", DefinitionInput{Kind: "slider"})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateFieldRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput()); err != nil {
		t.Fatalf("create field: %v", err)
	}
	_, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", ratingInput())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NAME_TAKEN" {
		t.Fatalf("expected NAME_TAKEN, got %v", err)
	}
	// A different curator may reuse the name.
	if _, err := env.service.CreateField(context.Background(), domain.CuratorID("did:plc:bob12345"), "Pace", "", dyadInput()); err != nil {
		t.Fatalf("other curator should be able to reuse the name: %v", err)
	}
}

func TestGetFieldScopedToCurator(t *testing.T) {
	env := newTestEnv(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	if _, err := env.service.GetField(context.Background(), domain.CuratorID("did:plc:mallory1"), field.ID()); err == nil {
		t.Fatal("expected not found for foreign curator")
	}
	got, err := env.service.GetField(context.Background(), testCurator, field.ID())
	if err != nil {
		t.Fatalf("get field: %v", err)
	}
	if got.Name().String() != "Pace" {
		t.Fatalf("unexpected field name %q", got.Name())
	}
}

func TestPublishFieldSavesBeforePublish(t *testing.T) {
	env := newTestEnv(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	sawSavedField := false
	env.publisher.PublishFieldFunc = func(ctx context.Context, f *domain.AnnotationField) (domain.PublishedRecordID, error) {
		stored, err := env.fields.FindFieldByID(ctx, f.ID())
		if err != nil {
			t.Fatalf("find field during publish: %v", err)
		}
		sawSavedField = stored != nil
		return testRef("annotationField", "rkey1"), nil
	}

	published, warning, err := env.service.PublishField(context.Background(), testCurator, field.ID())
	if err != nil {
		t.Fatalf("publish field: %v", err)
	}
	if !sawSavedField {
		t.Fatal("field was not saved locally before the remote publish")
	}
	if warning != nil {
		t.Fatalf("unexpected warning: %v", warning)
	}
	if !published.IsPublished() {
		t.Fatal("field should be published")
	}

	stored, err := env.fields.FindFieldByID(context.Background(), field.ID())
	if err != nil {
		t.Fatalf("find field: %v", err)
	}
	ref, ok := stored.PublishedRecordID()
	if !ok {
		t.Fatal("stored field should carry the published record id")
	}
	if ref.CID != "bafkreicidrkey1" {
		t.Fatalf("unexpected cid %q", ref.CID)
	}
}

func TestPublishFieldFailureLeavesDraft(t *testing.T) {
	env := newTestEnv(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	env.publisher.PublishFieldFunc = func(context.Context, *domain.AnnotationField) (domain.PublishedRecordID, error) {
		return domain.PublishedRecordID{}, errors.New("pds unavailable")
	}

	_, _, err = env.service.PublishField(context.Background(), testCurator, field.ID())
	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		t.Fatalf("expected publish error, got %v", err)
	}

	stored, err := env.fields.FindFieldByID(context.Background(), field.ID())
	if err != nil {
		t.Fatalf("find field: %v", err)
	}
	if stored.IsPublished() {
		t.Fatal("failed publish must leave the field in draft")
	}
}

func TestRepublishSupersedesOldRecord(t *testing.T) {
	env := newTestEnv(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	refs := []domain.PublishedRecordID{testRef("annotationField", "v1"), testRef("annotationField", "v2")}
	calls := 0
	env.publisher.PublishFieldFunc = func(context.Context, *domain.AnnotationField) (domain.PublishedRecordID, error) {
		ref := refs[calls]
		calls++
		return ref, nil
	}

	if _, _, err := env.service.PublishField(context.Background(), testCurator, field.ID()); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, _, err := env.service.PublishField(context.Background(), testCurator, field.ID()); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if len(env.publisher.unpublished) != 1 {
		t.Fatalf("expected 1 unpublish, got %d", len(env.publisher.unpublished))
	}
	if env.publisher.unpublished[0].Key() != refs[0].Key() {
		t.Fatalf("unpublished wrong record: %v", env.publisher.unpublished[0])
	}

	stored, _ := env.fields.FindFieldByID(context.Background(), field.ID())
	ref, _ := stored.PublishedRecordID()
	if ref.Key() != refs[1].Key() {
		t.Fatalf("local ref should point at the new version, got %v", ref)
	}
}

func TestRepublishKeepsNewRefWhenOldUnpublishFails(t *testing.T) {
	env := newTestEnv(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}

	refs := []domain.PublishedRecordID{testRef("annotationField", "v1"), testRef("annotationField", "v2")}
	calls := 0
	env.publisher.PublishFieldFunc = func(context.Context, *domain.AnnotationField) (domain.PublishedRecordID, error) {
		ref := refs[calls]
		calls++
		return ref, nil
	}
	env.publisher.UnpublishFunc = func(context.Context, domain.PublishedRecordID) error {
		return errors.New("record busy")
	}

	if _, _, err := env.service.PublishField(context.Background(), testCurator, field.ID()); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	_, warning, err := env.service.PublishField(context.Background(), testCurator, field.ID())
	if err != nil {
		t.Fatalf("second publish must succeed despite the failed unpublish: %v", err)
	}
	if warning == nil {
		t.Fatal("expected a reconciliation warning")
	}
	if warning.Ref.Key() != refs[0].Key() {
		t.Fatalf("warning should name the superseded record, got %v", warning.Ref)
	}
	if len(env.queue.entries) != 1 || env.queue.entries[0].Key() != refs[0].Key() {
		t.Fatalf("superseded record should be queued for reconciliation, got %v", env.queue.entries)
	}

	stored, _ := env.fields.FindFieldByID(context.Background(), field.ID())
	ref, _ := stored.PublishedRecordID()
	if ref.Key() != refs[1].Key() {
		t.Fatalf("local ref should point at the new version, got %v", ref)
	}
}

func TestDeleteAnnotationCompletesDespiteFailedUnpublish(t *testing.T) {
	env := newTestEnv(t)
	field, err := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	annotation, err := env.service.CreateAnnotation(context.Background(), testCurator, "https://example.com/article", field.ID(), ValueDTO{Rating: intPtr(4)}, "")
	if err != nil {
		t.Fatalf("create annotation: %v", err)
	}
	if _, _, err := env.service.PublishAnnotation(context.Background(), testCurator, annotation.ID()); err != nil {
		t.Fatalf("publish annotation: %v", err)
	}
	env.publisher.UnpublishFunc = func(context.Context, domain.PublishedRecordID) error {
		return errors.New("pds unavailable")
	}

	warning, err := env.service.DeleteAnnotation(context.Background(), testCurator, annotation.ID())
	if err != nil {
		t.Fatalf("delete must succeed locally: %v", err)
	}
	if warning == nil {
		t.Fatal("expected a reconciliation warning for the stranded remote record")
	}

	stored, err := env.annotations.FindAnnotationByID(context.Background(), annotation.ID())
	if err != nil {
		t.Fatalf("find annotation: %v", err)
	}
	if stored != nil {
		t.Fatal("annotation should be gone locally")
	}
	if len(env.queue.entries) != 1 {
		t.Fatalf("expected 1 queued orphan, got %d", len(env.queue.entries))
	}
}

func TestPublishTemplatePublishesDraftMemberFields(t *testing.T) {
	env := newTestEnv(t)
	pace, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	stars, err := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	template, err := env.service.CreateTemplate(context.Background(), testCurator, "Review", "", []TemplateFieldInput{
		{FieldID: pace.ID().String(), Required: true},
		{FieldID: stars.ID().String(), Required: false},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	var seenRefs map[domain.AnnotationFieldID]domain.PublishedRecordID
	env.publisher.PublishTemplateFunc = func(_ context.Context, tpl *domain.AnnotationTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (domain.PublishedRecordID, error) {
		seenRefs = fieldRefs
		return testRef("annotationTemplate", "t1"), nil
	}

	published, _, err := env.service.PublishTemplate(context.Background(), testCurator, template.ID())
	if err != nil {
		t.Fatalf("publish template: %v", err)
	}
	if !published.IsPublished() {
		t.Fatal("template should be published")
	}
	if len(seenRefs) != 2 {
		t.Fatalf("expected refs for both member fields, got %d", len(seenRefs))
	}

	for _, id := range []domain.AnnotationFieldID{pace.ID(), stars.ID()} {
		stored, _ := env.fields.FindFieldByID(context.Background(), id)
		if !stored.IsPublished() {
			t.Fatalf("member field %s should have been published first", id)
		}
	}
}

func TestAnnotateFromTemplateEnforcesRequiredFields(t *testing.T) {
	env := newTestEnv(t)
	pace, err := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	stars, err := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	template, err := env.service.CreateTemplate(context.Background(), testCurator, "Review", "", []TemplateFieldInput{
		{FieldID: pace.ID().String(), Required: true},
		{FieldID: stars.ID().String(), Required: false},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	_, err = env.service.AnnotateFromTemplate(context.Background(), testCurator, template.ID(), "https://example.com/article", []BatchEntryInput{
		{FieldID: stars.ID().String(), Value: ValueDTO{Rating: intPtr(4)}},
	})
	if err == nil {
		t.Fatal("expected error when a required field is missing")
	}

	batch, err := env.service.AnnotateFromTemplate(context.Background(), testCurator, template.ID(), "https://example.com/article", []BatchEntryInput{
		{FieldID: pace.ID().String(), Value: ValueDTO{Value: floatPtr(0.7)}},
		{FieldID: stars.ID().String(), Value: ValueDTO{Rating: intPtr(4)}},
	})
	if err != nil {
		t.Fatalf("annotate from template: %v", err)
	}
	if len(batch.Annotations()) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(batch.Annotations()))
	}
	for _, annotation := range batch.Annotations() {
		if id, ok := annotation.TemplateID(); !ok || id != template.ID() {
			t.Fatal("annotation should back-reference the template")
		}
		stored, _ := env.annotations.FindAnnotationByID(context.Background(), annotation.ID())
		if stored == nil {
			t.Fatal("annotation should be persisted")
		}
	}
}

func TestPublishBatchRecordsAllRefs(t *testing.T) {
	env := newTestEnv(t)
	pace, _ := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	stars, _ := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	template, err := env.service.CreateTemplate(context.Background(), testCurator, "Review", "", []TemplateFieldInput{
		{FieldID: pace.ID().String(), Required: true},
		{FieldID: stars.ID().String(), Required: false},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	batch, err := env.service.AnnotateFromTemplate(context.Background(), testCurator, template.ID(), "https://example.com/article", []BatchEntryInput{
		{FieldID: pace.ID().String(), Value: ValueDTO{Value: floatPtr(0.7)}},
		{FieldID: stars.ID().String(), Value: ValueDTO{Rating: intPtr(4)}},
	})
	if err != nil {
		t.Fatalf("annotate from template: %v", err)
	}

	result, err := env.service.PublishBatch(context.Background(), testCurator, template.ID(), "https://example.com/article")
	if err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if result.Template.IsZero() {
		t.Fatal("batch result should carry the template ref")
	}
	if len(result.Annotations) != 2 {
		t.Fatalf("expected refs for 2 annotations, got %d", len(result.Annotations))
	}

	storedTemplate, _ := env.templates.FindTemplateByID(context.Background(), template.ID())
	if !storedTemplate.IsPublished() {
		t.Fatal("template should be published locally")
	}
	for _, annotation := range batch.Annotations() {
		stored, _ := env.annotations.FindAnnotationByID(context.Background(), annotation.ID())
		if !stored.IsPublished() {
			t.Fatalf("annotation %s should be published locally", annotation.ID())
		}
	}
}

func TestPublishBatchFailureLeavesEverythingDraft(t *testing.T) {
	env := newTestEnv(t)
	pace, _ := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	template, err := env.service.CreateTemplate(context.Background(), testCurator, "Review", "", []TemplateFieldInput{
		{FieldID: pace.ID().String(), Required: true},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	batch, err := env.service.AnnotateFromTemplate(context.Background(), testCurator, template.ID(), "https://example.com/article", []BatchEntryInput{
		{FieldID: pace.ID().String(), Value: ValueDTO{Value: floatPtr(0.3)}},
	})
	if err != nil {
		t.Fatalf("annotate from template: %v", err)
	}

	orphan := testRef("annotation", "stuck")
	env.publisher.PublishBatchFunc = func(context.Context, *domain.AnnotationsFromTemplate, map[domain.AnnotationFieldID]domain.PublishedRecordID) (*pds.BatchResult, error) {
		return nil, &pds.PartialPublishError{
			Orphaned: []domain.PublishedRecordID{orphan},
			Cause:    errors.New("pds unavailable"),
		}
	}

	_, err = env.service.PublishBatch(context.Background(), testCurator, template.ID(), "https://example.com/article")
	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		t.Fatalf("expected publish error, got %v", err)
	}

	storedTemplate, _ := env.templates.FindTemplateByID(context.Background(), template.ID())
	if storedTemplate.IsPublished() {
		t.Fatal("template must stay in draft after a failed batch")
	}
	for _, annotation := range batch.Annotations() {
		stored, _ := env.annotations.FindAnnotationByID(context.Background(), annotation.ID())
		if stored.IsPublished() {
			t.Fatal("annotations must stay in draft after a failed batch")
		}
	}
	if len(env.queue.entries) != 1 || env.queue.entries[0].Key() != orphan.Key() {
		t.Fatalf("orphaned record should be queued for reconciliation, got %v", env.queue.entries)
	}
}

func TestPublishBatchRecordsOverwrittenTemplateRef(t *testing.T) {
	env := newTestEnv(t)
	pace, _ := env.service.CreateField(context.Background(), testCurator, "Pace", "", dyadInput())
	template, err := env.service.CreateTemplate(context.Background(), testCurator, "Review", "", []TemplateFieldInput{
		{FieldID: pace.ID().String(), Required: true},
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if _, _, err := env.service.PublishTemplate(context.Background(), testCurator, template.ID()); err != nil {
		t.Fatalf("publish template: %v", err)
	}
	if _, err := env.service.AnnotateFromTemplate(context.Background(), testCurator, template.ID(), "https://example.com/article", []BatchEntryInput{
		{FieldID: pace.ID().String(), Value: ValueDTO{Value: floatPtr(0.3)}},
	}); err != nil {
		t.Fatalf("annotate from template: %v", err)
	}

	// The batch overwrote the pre-published template record before failing.
	// That new version is live remotely and must be recorded locally.
	newTemplateRef := testRef("annotationTemplate", "v2")
	env.publisher.PublishBatchFunc = func(context.Context, *domain.AnnotationsFromTemplate, map[domain.AnnotationFieldID]domain.PublishedRecordID) (*pds.BatchResult, error) {
		return nil, &pds.PartialPublishError{
			Template: &newTemplateRef,
			Cause:    errors.New("annotation create failed"),
		}
	}

	_, err = env.service.PublishBatch(context.Background(), testCurator, template.ID(), "https://example.com/article")
	if err == nil {
		t.Fatal("expected the batch to fail")
	}

	storedTemplate, _ := env.templates.FindTemplateByID(context.Background(), template.ID())
	ref, ok := storedTemplate.PublishedRecordID()
	if !ok {
		t.Fatal("template should still carry a published record id")
	}
	if ref.Key() != newTemplateRef.Key() {
		t.Fatalf("local template ref should track the overwritten record, got %v", ref)
	}
}

func TestUpdateAnnotationRevalidatesValue(t *testing.T) {
	env := newTestEnv(t)
	field, _ := env.service.CreateField(context.Background(), testCurator, "Stars", "", ratingInput())
	annotation, err := env.service.CreateAnnotation(context.Background(), testCurator, "https://example.com/article", field.ID(), ValueDTO{Rating: intPtr(3)}, "")
	if err != nil {
		t.Fatalf("create annotation: %v", err)
	}

	_, err = env.service.UpdateAnnotation(context.Background(), testCurator, annotation.ID(), &ValueDTO{Rating: intPtr(9)}, nil)
	var valueErr *domain.ValueError
	if !errors.As(err, &valueErr) {
		t.Fatalf("expected value error for out-of-range rating, got %v", err)
	}

	updated, err := env.service.UpdateAnnotation(context.Background(), testCurator, annotation.ID(), &ValueDTO{Rating: intPtr(5)}, nil)
	if err != nil {
		t.Fatalf("update annotation: %v", err)
	}
	rating, ok := updated.Value().(domain.RatingValue)
	if !ok || rating.Rating != 5 {
		t.Fatalf("unexpected value %v", updated.Value())
	}
}
