package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"margin/api/internal/archive"
	"margin/api/internal/config"
	"margin/api/internal/domain"
	"margin/api/internal/pds"
	"margin/api/internal/search"
)

// Consumer-side ports over the local store. Both the Postgres store and the
// in-memory reference store satisfy all three.
type fieldStore interface {
	FindFieldByID(ctx context.Context, id domain.AnnotationFieldID) (*domain.AnnotationField, error)
	FindFieldByPublishedRecordID(ctx context.Context, ref domain.PublishedRecordID) (*domain.AnnotationField, error)
	FindFieldByName(ctx context.Context, curator domain.CuratorID, name string) (*domain.AnnotationField, error)
	ListFieldsByCurator(ctx context.Context, curator domain.CuratorID) ([]*domain.AnnotationField, error)
	SaveField(ctx context.Context, field *domain.AnnotationField) error
	DeleteField(ctx context.Context, id domain.AnnotationFieldID) error
}

type templateStore interface {
	FindTemplateByID(ctx context.Context, id domain.AnnotationTemplateID) (*domain.AnnotationTemplate, error)
	FindTemplateByPublishedRecordID(ctx context.Context, ref domain.PublishedRecordID) (*domain.AnnotationTemplate, error)
	FindTemplateByName(ctx context.Context, curator domain.CuratorID, name string) (*domain.AnnotationTemplate, error)
	ListTemplatesByCurator(ctx context.Context, curator domain.CuratorID) ([]*domain.AnnotationTemplate, error)
	SaveTemplate(ctx context.Context, template *domain.AnnotationTemplate) error
	DeleteTemplate(ctx context.Context, id domain.AnnotationTemplateID) error
}

type annotationStore interface {
	FindAnnotationByID(ctx context.Context, id domain.AnnotationID) (*domain.Annotation, error)
	FindAnnotationByPublishedRecordID(ctx context.Context, ref domain.PublishedRecordID) (*domain.Annotation, error)
	ListAnnotationsBySubject(ctx context.Context, curator domain.CuratorID, subject domain.SubjectURI) ([]*domain.Annotation, error)
	SaveAnnotation(ctx context.Context, annotation *domain.Annotation) error
	DeleteAnnotation(ctx context.Context, id domain.AnnotationID) error
}

// recordPublisher pushes aggregates into the curator's remote repository.
type recordPublisher interface {
	PublishField(ctx context.Context, field *domain.AnnotationField) (domain.PublishedRecordID, error)
	PublishTemplate(ctx context.Context, template *domain.AnnotationTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (domain.PublishedRecordID, error)
	PublishAnnotation(ctx context.Context, annotation *domain.Annotation, fieldRef domain.PublishedRecordID, templateRef *domain.PublishedRecordID) (domain.PublishedRecordID, error)
	PublishBatch(ctx context.Context, batch *domain.AnnotationsFromTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (*pds.BatchResult, error)
	Unpublish(ctx context.Context, ref domain.PublishedRecordID) error
}

// orphanQueue tracks remote records whose delete failed.
type orphanQueue interface {
	Enqueue(ctx context.Context, ref domain.PublishedRecordID, reason string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg         config.Config
	fields      fieldStore
	templates   templateStore
	annotations annotationStore
	publisher   recordPublisher
	orphans     orphanQueue      // may be nil
	search      *search.Service  // may be nil
	journal     *archive.Service // may be nil
	logger      *log.Logger
	db          pinger // may be nil
}

type Deps struct {
	Fields      fieldStore
	Templates   templateStore
	Annotations annotationStore
	Publisher   recordPublisher
	Orphans     orphanQueue
	Search      *search.Service
	Journal     *archive.Service
	DB          pinger
	Logger      *log.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:         cfg,
		fields:      deps.Fields,
		templates:   deps.Templates,
		annotations: deps.Annotations,
		publisher:   deps.Publisher,
		orphans:     deps.Orphans,
		search:      deps.Search,
		journal:     deps.Journal,
		db:          deps.DB,
		logger:      logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

// DefinitionInput is the raw shape of a field definition supplied by a caller.
type DefinitionInput struct {
	Kind    string   `json:"kind"`
	SideA   string   `json:"sideA"`
	SideB   string   `json:"sideB"`
	VertexA string   `json:"vertexA"`
	VertexB string   `json:"vertexB"`
	VertexC string   `json:"vertexC"`
	Options []string `json:"options"`
}

func buildDefinition(in DefinitionInput) (domain.FieldDefinition, error) {
	switch domain.FieldKind(in.Kind) {
	case domain.KindDyad:
		return domain.NewDyadDefinition(in.SideA, in.SideB)
	case domain.KindTriad:
		return domain.NewTriadDefinition(in.VertexA, in.VertexB, in.VertexC)
	case domain.KindRating:
		return domain.NewRatingDefinition(), nil
	case domain.KindSingleSelect:
		return domain.NewSingleSelectDefinition(in.Options)
	case domain.KindMultiSelect:
		return domain.NewMultiSelectDefinition(in.Options)
	default:
		return nil, &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown field kind %q", in.Kind)}
	}
}

// ValueDTO is the raw shape of an annotation value supplied by a caller. It
// maps one-to-one onto domain.ValueInput.
type ValueDTO struct {
	Value   *float64 `json:"value,omitempty"`
	VertexA *float64 `json:"vertexA,omitempty"`
	VertexB *float64 `json:"vertexB,omitempty"`
	VertexC *float64 `json:"vertexC,omitempty"`
	Rating  *int     `json:"rating,omitempty"`
	Option  *string  `json:"option,omitempty"`
	Options []string `json:"options,omitempty"`
}

func (v ValueDTO) toInput() domain.ValueInput {
	return domain.ValueInput{
		Value:   v.Value,
		VertexA: v.VertexA,
		VertexB: v.VertexB,
		VertexC: v.VertexC,
		Rating:  v.Rating,
		Option:  v.Option,
		Options: v.Options,
	}
}

// ---- Fields ----

func (s *Service) CreateField(ctx context.Context, curator domain.CuratorID, name, description string, def DefinitionInput) (*domain.AnnotationField, error) {
	vName, err := domain.NewName(name)
	if err != nil {
		return nil, err
	}
	existing, err := s.fields.FindFieldByName(ctx, curator, vName.String())
	if err != nil {
		return nil, &PersistenceError{Op: "find field by name", Err: err}
	}
	if existing != nil {
		return nil, domainError(http.StatusConflict, "NAME_TAKEN", fmt.Sprintf("field %q already exists", vName), nil)
	}
	definition, err := buildDefinition(def)
	if err != nil {
		return nil, err
	}
	field, err := domain.NewAnnotationField(domain.AnnotationFieldProps{
		CuratorID:   curator,
		Name:        vName,
		Description: description,
		Definition:  definition,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.fields.SaveField(ctx, field); err != nil {
		return nil, &PersistenceError{Op: "save field", Err: err}
	}
	s.indexField(field)
	return field, nil
}

func (s *Service) GetField(ctx context.Context, curator domain.CuratorID, id domain.AnnotationFieldID) (*domain.AnnotationField, error) {
	return s.loadField(ctx, curator, id)
}

func (s *Service) ListFields(ctx context.Context, curator domain.CuratorID) ([]*domain.AnnotationField, error) {
	fields, err := s.fields.ListFieldsByCurator(ctx, curator)
	if err != nil {
		return nil, &PersistenceError{Op: "list fields", Err: err}
	}
	return fields, nil
}

func (s *Service) UpdateField(ctx context.Context, curator domain.CuratorID, id domain.AnnotationFieldID, name, description string) (*domain.AnnotationField, error) {
	field, err := s.loadField(ctx, curator, id)
	if err != nil {
		return nil, err
	}
	vName, err := domain.NewName(name)
	if err != nil {
		return nil, err
	}
	if err := field.UpdateDetails(vName, description); err != nil {
		return nil, err
	}
	if err := s.fields.SaveField(ctx, field); err != nil {
		return nil, &PersistenceError{Op: "save field", Err: err}
	}
	s.indexField(field)
	return field, nil
}

// PublishField pushes a field's current content to the remote repository.
// Order is fixed: local save, remote publish, local save of the new ref. A
// superseded ref is best-effort unpublished afterwards.
func (s *Service) PublishField(ctx context.Context, curator domain.CuratorID, id domain.AnnotationFieldID) (*domain.AnnotationField, *ReconciliationWarning, error) {
	field, err := s.loadField(ctx, curator, id)
	if err != nil {
		return nil, nil, err
	}
	warning, err := s.publishFieldAggregate(ctx, field)
	if err != nil {
		return nil, nil, err
	}
	return field, warning, nil
}

func (s *Service) publishFieldAggregate(ctx context.Context, field *domain.AnnotationField) (*ReconciliationWarning, error) {
	if err := s.fields.SaveField(ctx, field); err != nil {
		return nil, &PersistenceError{Op: "save field", Err: err}
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout())
	defer cancel()
	ref, err := s.publisher.PublishField(publishCtx, field)
	if err != nil {
		return nil, &PublishError{Op: fmt.Sprintf("field %s", field.ID()), Err: err}
	}

	superseded, err := field.MarkPublished(ref)
	if err != nil {
		return nil, err
	}
	if err := s.fields.SaveField(ctx, field); err != nil {
		return nil, &PersistenceError{Op: "save published field", Err: err}
	}

	s.journalPublished(ref, func() (map[string]any, error) { return pds.FieldRecord(field) })
	warning := s.retireSuperseded(ctx, superseded)
	return warning, nil
}

// DeleteField removes a field locally and best-effort unpublishes its remote
// record. Local deletion always completes; a failed unpublish comes back as a
// warning, not an error.
func (s *Service) DeleteField(ctx context.Context, curator domain.CuratorID, id domain.AnnotationFieldID) (*ReconciliationWarning, error) {
	field, err := s.loadField(ctx, curator, id)
	if err != nil {
		return nil, err
	}
	if err := s.fields.DeleteField(ctx, id); err != nil {
		return nil, &PersistenceError{Op: "delete field", Err: err}
	}
	if s.search != nil {
		s.search.DeleteField(string(id))
	}
	return s.unpublishDeleted(ctx, publishedRefOf(field)), nil
}

// ---- Templates ----

type TemplateFieldInput struct {
	FieldID  string `json:"fieldId"`
	Required bool   `json:"required"`
}

func (s *Service) CreateTemplate(ctx context.Context, curator domain.CuratorID, name, description string, fields []TemplateFieldInput) (*domain.AnnotationTemplate, error) {
	vName, err := domain.NewName(name)
	if err != nil {
		return nil, err
	}
	existing, err := s.templates.FindTemplateByName(ctx, curator, vName.String())
	if err != nil {
		return nil, &PersistenceError{Op: "find template by name", Err: err}
	}
	if existing != nil {
		return nil, domainError(http.StatusConflict, "NAME_TAKEN", fmt.Sprintf("template %q already exists", vName), nil)
	}
	refs := make([]domain.TemplateField, 0, len(fields))
	for _, in := range fields {
		fieldID, err := domain.ParseAnnotationFieldID(in.FieldID)
		if err != nil {
			return nil, err
		}
		// Every referenced field must exist and belong to the curator.
		if _, err := s.loadField(ctx, curator, fieldID); err != nil {
			return nil, err
		}
		refs = append(refs, domain.TemplateField{FieldID: fieldID, Required: in.Required})
	}
	template, err := domain.NewAnnotationTemplate(domain.AnnotationTemplateProps{
		CuratorID:   curator,
		Name:        vName,
		Description: description,
		Fields:      refs,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.templates.SaveTemplate(ctx, template); err != nil {
		return nil, &PersistenceError{Op: "save template", Err: err}
	}
	s.indexTemplate(template)
	return template, nil
}

func (s *Service) GetTemplate(ctx context.Context, curator domain.CuratorID, id domain.AnnotationTemplateID) (*domain.AnnotationTemplate, error) {
	return s.loadTemplate(ctx, curator, id)
}

func (s *Service) ListTemplates(ctx context.Context, curator domain.CuratorID) ([]*domain.AnnotationTemplate, error) {
	templates, err := s.templates.ListTemplatesByCurator(ctx, curator)
	if err != nil {
		return nil, &PersistenceError{Op: "list templates", Err: err}
	}
	return templates, nil
}

func (s *Service) UpdateTemplate(ctx context.Context, curator domain.CuratorID, id domain.AnnotationTemplateID, name, description string) (*domain.AnnotationTemplate, error) {
	template, err := s.loadTemplate(ctx, curator, id)
	if err != nil {
		return nil, err
	}
	vName, err := domain.NewName(name)
	if err != nil {
		return nil, err
	}
	if err := template.UpdateDetails(vName, description); err != nil {
		return nil, err
	}
	if err := s.templates.SaveTemplate(ctx, template); err != nil {
		return nil, &PersistenceError{Op: "save template", Err: err}
	}
	s.indexTemplate(template)
	return template, nil
}

// PublishTemplate publishes a template. Member fields that are still Draft
// are published first, since the template record references them by
// StrongRef.
func (s *Service) PublishTemplate(ctx context.Context, curator domain.CuratorID, id domain.AnnotationTemplateID) (*domain.AnnotationTemplate, []ReconciliationWarning, error) {
	template, err := s.loadTemplate(ctx, curator, id)
	if err != nil {
		return nil, nil, err
	}

	fieldRefs, warnings, err := s.ensureFieldsPublished(ctx, curator, template)
	if err != nil {
		return nil, nil, err
	}

	if err := s.templates.SaveTemplate(ctx, template); err != nil {
		return nil, nil, &PersistenceError{Op: "save template", Err: err}
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout())
	defer cancel()
	ref, err := s.publisher.PublishTemplate(publishCtx, template, fieldRefs)
	if err != nil {
		return nil, nil, &PublishError{Op: fmt.Sprintf("template %s", template.ID()), Err: err}
	}

	superseded, err := template.MarkPublished(ref)
	if err != nil {
		return nil, nil, err
	}
	if err := s.templates.SaveTemplate(ctx, template); err != nil {
		return nil, nil, &PersistenceError{Op: "save published template", Err: err}
	}

	s.journalPublished(ref, func() (map[string]any, error) {
		return pds.TemplateRecord(template, fieldRefs)
	})
	if warning := s.retireSuperseded(ctx, superseded); warning != nil {
		warnings = append(warnings, *warning)
	}
	return template, warnings, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, curator domain.CuratorID, id domain.AnnotationTemplateID) (*ReconciliationWarning, error) {
	template, err := s.loadTemplate(ctx, curator, id)
	if err != nil {
		return nil, err
	}
	if err := s.templates.DeleteTemplate(ctx, id); err != nil {
		return nil, &PersistenceError{Op: "delete template", Err: err}
	}
	if s.search != nil {
		s.search.DeleteTemplate(string(id))
	}
	return s.unpublishDeleted(ctx, publishedRefOf(template)), nil
}

// ---- Annotations ----

func (s *Service) CreateAnnotation(ctx context.Context, curator domain.CuratorID, subjectURL string, fieldID domain.AnnotationFieldID, value ValueDTO, note string) (*domain.Annotation, error) {
	subject, err := domain.NewSubjectURI(subjectURL)
	if err != nil {
		return nil, err
	}
	field, err := s.loadField(ctx, curator, fieldID)
	if err != nil {
		return nil, err
	}
	vValue, err := domain.NewAnnotationValue(field.Definition(), value.toInput())
	if err != nil {
		return nil, err
	}
	vNote, err := domain.NewAnnotationNote(note)
	if err != nil {
		return nil, err
	}
	annotation, err := domain.NewAnnotation(domain.AnnotationProps{
		CuratorID: curator,
		Subject:   subject,
		FieldID:   fieldID,
		Value:     vValue,
		Note:      vNote,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.annotations.SaveAnnotation(ctx, annotation); err != nil {
		return nil, &PersistenceError{Op: "save annotation", Err: err}
	}
	s.indexAnnotation(annotation, field)
	return annotation, nil
}

func (s *Service) GetAnnotation(ctx context.Context, curator domain.CuratorID, id domain.AnnotationID) (*domain.Annotation, error) {
	return s.loadAnnotation(ctx, curator, id)
}

func (s *Service) ListAnnotationsBySubject(ctx context.Context, curator domain.CuratorID, subjectURL string) ([]*domain.Annotation, error) {
	subject, err := domain.NewSubjectURI(subjectURL)
	if err != nil {
		return nil, err
	}
	annotations, err := s.annotations.ListAnnotationsBySubject(ctx, curator, subject)
	if err != nil {
		return nil, &PersistenceError{Op: "list annotations", Err: err}
	}
	return annotations, nil
}

func (s *Service) UpdateAnnotation(ctx context.Context, curator domain.CuratorID, id domain.AnnotationID, value *ValueDTO, note *string) (*domain.Annotation, error) {
	annotation, err := s.loadAnnotation(ctx, curator, id)
	if err != nil {
		return nil, err
	}
	if value != nil {
		field, err := s.loadField(ctx, curator, annotation.FieldID())
		if err != nil {
			return nil, err
		}
		if err := annotation.UpdateValue(field.Definition(), value.toInput()); err != nil {
			return nil, err
		}
	}
	if note != nil {
		vNote, err := domain.NewAnnotationNote(*note)
		if err != nil {
			return nil, err
		}
		if err := annotation.UpdateNote(vNote); err != nil {
			return nil, err
		}
	}
	if err := s.annotations.SaveAnnotation(ctx, annotation); err != nil {
		return nil, &PersistenceError{Op: "save annotation", Err: err}
	}
	return annotation, nil
}

// PublishAnnotation publishes one annotation. Its field must be resolvable
// and gets published first when still Draft; a template back-reference is
// carried when the template is published.
func (s *Service) PublishAnnotation(ctx context.Context, curator domain.CuratorID, id domain.AnnotationID) (*domain.Annotation, []ReconciliationWarning, error) {
	annotation, err := s.loadAnnotation(ctx, curator, id)
	if err != nil {
		return nil, nil, err
	}
	field, err := s.loadField(ctx, curator, annotation.FieldID())
	if err != nil {
		return nil, nil, err
	}

	var warnings []ReconciliationWarning
	fieldRef, ok := field.PublishedRecordID()
	if !ok {
		warning, err := s.publishFieldAggregate(ctx, field)
		if err != nil {
			return nil, nil, err
		}
		if warning != nil {
			warnings = append(warnings, *warning)
		}
		fieldRef, _ = field.PublishedRecordID()
	}

	var templateRef *domain.PublishedRecordID
	if templateID, ok := annotation.TemplateID(); ok {
		template, err := s.templates.FindTemplateByID(ctx, templateID)
		if err != nil {
			return nil, nil, &PersistenceError{Op: "find template", Err: err}
		}
		if template != nil {
			if ref, ok := template.PublishedRecordID(); ok {
				templateRef = &ref
			}
		}
	}

	if err := s.annotations.SaveAnnotation(ctx, annotation); err != nil {
		return nil, nil, &PersistenceError{Op: "save annotation", Err: err}
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout())
	defer cancel()
	ref, err := s.publisher.PublishAnnotation(publishCtx, annotation, fieldRef, templateRef)
	if err != nil {
		return nil, nil, &PublishError{Op: fmt.Sprintf("annotation %s", annotation.ID()), Err: err}
	}

	superseded, err := annotation.MarkPublished(ref)
	if err != nil {
		return nil, nil, err
	}
	if err := s.annotations.SaveAnnotation(ctx, annotation); err != nil {
		return nil, nil, &PersistenceError{Op: "save published annotation", Err: err}
	}

	s.journalPublished(ref, func() (map[string]any, error) {
		return pds.AnnotationRecord(annotation, fieldRef, templateRef)
	})
	if warning := s.retireSuperseded(ctx, superseded); warning != nil {
		warnings = append(warnings, *warning)
	}
	return annotation, warnings, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, curator domain.CuratorID, id domain.AnnotationID) (*ReconciliationWarning, error) {
	annotation, err := s.loadAnnotation(ctx, curator, id)
	if err != nil {
		return nil, err
	}
	if err := s.annotations.DeleteAnnotation(ctx, id); err != nil {
		return nil, &PersistenceError{Op: "delete annotation", Err: err}
	}
	if s.search != nil {
		s.search.DeleteAnnotation(string(id))
	}
	return s.unpublishDeleted(ctx, publishedRefOf(annotation)), nil
}

// ---- Batch ----

type BatchEntryInput struct {
	FieldID string   `json:"fieldId"`
	Value   ValueDTO `json:"value"`
	Note    string   `json:"note"`
}

// AnnotateFromTemplate creates one annotation per entry against a template in
// a single action. The batch must satisfy the template's required flags; on
// success every annotation is persisted with a back-reference to the
// template.
func (s *Service) AnnotateFromTemplate(ctx context.Context, curator domain.CuratorID, templateID domain.AnnotationTemplateID, subjectURL string, entries []BatchEntryInput) (*domain.AnnotationsFromTemplate, error) {
	template, err := s.loadTemplate(ctx, curator, templateID)
	if err != nil {
		return nil, err
	}
	subject, err := domain.NewSubjectURI(subjectURL)
	if err != nil {
		return nil, err
	}

	tplID := template.ID()
	annotations := make([]*domain.Annotation, 0, len(entries))
	for _, entry := range entries {
		fieldID, err := domain.ParseAnnotationFieldID(entry.FieldID)
		if err != nil {
			return nil, err
		}
		field, err := s.loadField(ctx, curator, fieldID)
		if err != nil {
			return nil, err
		}
		value, err := domain.NewAnnotationValue(field.Definition(), entry.Value.toInput())
		if err != nil {
			return nil, err
		}
		note, err := domain.NewAnnotationNote(entry.Note)
		if err != nil {
			return nil, err
		}
		annotation, err := domain.NewAnnotation(domain.AnnotationProps{
			CuratorID:  curator,
			Subject:    subject,
			FieldID:    fieldID,
			Value:      value,
			Note:       note,
			CreatedAt:  time.Now().UTC(),
			TemplateID: &tplID,
		})
		if err != nil {
			return nil, err
		}
		annotations = append(annotations, annotation)
	}

	batch, err := domain.NewAnnotationsFromTemplate(template, annotations)
	if err != nil {
		return nil, err
	}

	for _, annotation := range batch.Annotations() {
		if err := s.annotations.SaveAnnotation(ctx, annotation); err != nil {
			return nil, &PersistenceError{Op: "save batch annotation", Err: err}
		}
	}
	return batch, nil
}

// BatchPublishResult maps each annotation to the StrongRef it received.
type BatchPublishResult struct {
	Template    domain.PublishedRecordID
	Annotations map[domain.AnnotationID]domain.PublishedRecordID
	Warnings    []ReconciliationWarning
}

// PublishBatch publishes a template and the annotations created against it
// for one subject as a single all-or-nothing unit. On failure the publisher
// rolls back the records it created; refs it cannot delete are queued for
// reconciliation and every local aggregate stays Draft.
func (s *Service) PublishBatch(ctx context.Context, curator domain.CuratorID, templateID domain.AnnotationTemplateID, subjectURL string) (*BatchPublishResult, error) {
	template, err := s.loadTemplate(ctx, curator, templateID)
	if err != nil {
		return nil, err
	}
	subject, err := domain.NewSubjectURI(subjectURL)
	if err != nil {
		return nil, err
	}

	all, err := s.annotations.ListAnnotationsBySubject(ctx, curator, subject)
	if err != nil {
		return nil, &PersistenceError{Op: "list annotations", Err: err}
	}
	members := make([]*domain.Annotation, 0, len(all))
	for _, annotation := range all {
		if id, ok := annotation.TemplateID(); ok && id == templateID {
			members = append(members, annotation)
		}
	}
	batch, err := domain.NewAnnotationsFromTemplate(template, members)
	if err != nil {
		return nil, err
	}

	fieldRefs, warnings, err := s.ensureFieldsPublished(ctx, curator, template)
	if err != nil {
		return nil, err
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout())
	defer cancel()
	result, err := s.publisher.PublishBatch(publishCtx, batch, fieldRefs)
	if err != nil {
		s.handleBatchFailure(ctx, template, err)
		return nil, &PublishError{Op: fmt.Sprintf("batch template %s", templateID), Err: err}
	}

	superseded, err := template.MarkPublished(result.Template)
	if err != nil {
		return nil, err
	}
	if err := s.templates.SaveTemplate(ctx, template); err != nil {
		return nil, &PersistenceError{Op: "save published template", Err: err}
	}
	s.journalPublished(result.Template, func() (map[string]any, error) {
		return pds.TemplateRecord(template, fieldRefs)
	})
	if warning := s.retireSuperseded(ctx, superseded); warning != nil {
		warnings = append(warnings, *warning)
	}

	out := &BatchPublishResult{
		Template:    result.Template,
		Annotations: make(map[domain.AnnotationID]domain.PublishedRecordID, len(result.Annotations)),
		Warnings:    warnings,
	}
	for _, annotation := range batch.Annotations() {
		ref, ok := result.Annotations[annotation.ID()]
		if !ok {
			continue
		}
		if _, err := annotation.MarkPublished(ref); err != nil {
			return nil, err
		}
		if err := s.annotations.SaveAnnotation(ctx, annotation); err != nil {
			return nil, &PersistenceError{Op: "save published annotation", Err: err}
		}
		fieldRef := fieldRefs[annotation.FieldID()]
		templateRef := result.Template
		s.journalPublished(ref, func() (map[string]any, error) {
			return pds.AnnotationRecord(annotation, fieldRef, &templateRef)
		})
		out.Annotations[annotation.ID()] = ref
	}
	return out, nil
}

// handleBatchFailure processes the wreckage of a failed batch: orphaned refs
// go to the reconcile queue, and a template record that was overwritten
// before the failure is recorded locally since that version is now live.
func (s *Service) handleBatchFailure(ctx context.Context, template *domain.AnnotationTemplate, err error) {
	var perr *pds.PartialPublishError
	if !errors.As(err, &perr) {
		return
	}
	for _, ref := range perr.Orphaned {
		s.enqueueOrphan(ctx, ref, "batch rollback delete failed")
	}
	if perr.Template != nil {
		superseded, markErr := template.MarkPublished(*perr.Template)
		if markErr != nil {
			s.logger.Error("record overwritten template ref", "template", template.ID(), "error", markErr)
			return
		}
		if saveErr := s.templates.SaveTemplate(ctx, template); saveErr != nil {
			s.logger.Error("save overwritten template ref", "template", template.ID(), "error", saveErr)
			return
		}
		s.retireSuperseded(ctx, superseded)
	}
}

// ---- Search ----

func (s *Service) Search(ctx context.Context, text, filterType, curator string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:          text,
		FilterType:    search.ResultType(filterType),
		FilterCurator: curator,
		Limit:         limit,
		Offset:        offset,
	}), nil
}

// ---- internals ----

func (s *Service) publishTimeout() time.Duration {
	if s.cfg.PublishTimeout > 0 {
		return s.cfg.PublishTimeout
	}
	return 30 * time.Second
}

func (s *Service) loadField(ctx context.Context, curator domain.CuratorID, id domain.AnnotationFieldID) (*domain.AnnotationField, error) {
	field, err := s.fields.FindFieldByID(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "find field", Err: err}
	}
	if field == nil || field.CuratorID() != curator {
		return nil, &domain.NotFoundError{Kind: "annotationField", ID: string(id)}
	}
	return field, nil
}

func (s *Service) loadTemplate(ctx context.Context, curator domain.CuratorID, id domain.AnnotationTemplateID) (*domain.AnnotationTemplate, error) {
	template, err := s.templates.FindTemplateByID(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "find template", Err: err}
	}
	if template == nil || template.CuratorID() != curator {
		return nil, &domain.NotFoundError{Kind: "annotationTemplate", ID: string(id)}
	}
	return template, nil
}

func (s *Service) loadAnnotation(ctx context.Context, curator domain.CuratorID, id domain.AnnotationID) (*domain.Annotation, error) {
	annotation, err := s.annotations.FindAnnotationByID(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "find annotation", Err: err}
	}
	if annotation == nil || annotation.CuratorID() != curator {
		return nil, &domain.NotFoundError{Kind: "annotation", ID: string(id)}
	}
	return annotation, nil
}

// ensureFieldsPublished resolves the StrongRef of every member field,
// publishing the ones still in Draft.
func (s *Service) ensureFieldsPublished(ctx context.Context, curator domain.CuratorID, template *domain.AnnotationTemplate) (map[domain.AnnotationFieldID]domain.PublishedRecordID, []ReconciliationWarning, error) {
	refs := make(map[domain.AnnotationFieldID]domain.PublishedRecordID, len(template.Fields()))
	var warnings []ReconciliationWarning
	for _, tf := range template.Fields() {
		field, err := s.loadField(ctx, curator, tf.FieldID)
		if err != nil {
			return nil, nil, err
		}
		ref, ok := field.PublishedRecordID()
		if !ok {
			warning, err := s.publishFieldAggregate(ctx, field)
			if err != nil {
				return nil, nil, err
			}
			if warning != nil {
				warnings = append(warnings, *warning)
			}
			ref, _ = field.PublishedRecordID()
		}
		refs[tf.FieldID] = ref
	}
	return refs, warnings, nil
}

// retireSuperseded best-effort unpublishes a superseded StrongRef. The local
// pointer is already correct; failure degrades to a warning plus a queue
// entry.
func (s *Service) retireSuperseded(ctx context.Context, superseded *domain.PublishedRecordID) *ReconciliationWarning {
	if superseded == nil {
		return nil
	}
	if err := s.publisher.Unpublish(ctx, *superseded); err != nil {
		s.logger.Warn("unpublish of superseded record failed", "uri", superseded.URI, "cid", superseded.CID, "error", err)
		s.enqueueOrphan(ctx, *superseded, "superseded record unpublish failed")
		return &ReconciliationWarning{Ref: *superseded, Reason: err.Error()}
	}
	return nil
}

// unpublishDeleted removes the remote record of a locally deleted aggregate.
// Local truth already changed, so failure is a warning.
func (s *Service) unpublishDeleted(ctx context.Context, ref *domain.PublishedRecordID) *ReconciliationWarning {
	if ref == nil {
		return nil
	}
	if err := s.publisher.Unpublish(ctx, *ref); err != nil {
		s.logger.Warn("unpublish of deleted record failed", "uri", ref.URI, "cid", ref.CID, "error", err)
		s.enqueueOrphan(ctx, *ref, "deleted record unpublish failed")
		return &ReconciliationWarning{Ref: *ref, Reason: err.Error()}
	}
	s.journalDeleted(*ref)
	return nil
}

// journalPublished commits the new record version to the curator's local
// archive. The archive is a convenience copy; failures are logged and
// swallowed.
func (s *Service) journalPublished(ref domain.PublishedRecordID, build func() (map[string]any, error)) {
	if s.journal == nil {
		return
	}
	did, collection, rkey, err := pds.ParseRecordURI(ref.URI)
	if err != nil {
		s.logger.Warn("journal publish skipped", "uri", ref.URI, "error", err)
		return
	}
	record, err := build()
	if err != nil {
		s.logger.Warn("journal publish skipped", "uri", ref.URI, "error", err)
		return
	}
	if _, err := s.journal.RecordPublished(did, collection, rkey, ref.CID, record); err != nil {
		s.logger.Warn("journal publish failed", "uri", ref.URI, "error", err)
	}
}

func (s *Service) journalDeleted(ref domain.PublishedRecordID) {
	if s.journal == nil {
		return
	}
	did, collection, rkey, err := pds.ParseRecordURI(ref.URI)
	if err != nil {
		s.logger.Warn("journal delete skipped", "uri", ref.URI, "error", err)
		return
	}
	if _, err := s.journal.RecordDeleted(did, collection, rkey); err != nil {
		s.logger.Warn("journal delete failed", "uri", ref.URI, "error", err)
	}
}

func (s *Service) enqueueOrphan(ctx context.Context, ref domain.PublishedRecordID, reason string) {
	if s.orphans == nil {
		return
	}
	if err := s.orphans.Enqueue(ctx, ref, reason); err != nil {
		s.logger.Warn("enqueue orphan record failed", "uri", ref.URI, "cid", ref.CID, "error", err)
	}
}

func (s *Service) indexField(field *domain.AnnotationField) {
	if s.search == nil {
		return
	}
	s.search.IndexField(search.FieldRecord{
		ID:          string(field.ID()),
		Name:        field.Name().String(),
		Description: field.Description(),
		CuratorDID:  field.CuratorID().String(),
		Kind:        string(field.Definition().Kind()),
	})
}

func (s *Service) indexTemplate(template *domain.AnnotationTemplate) {
	if s.search == nil {
		return
	}
	s.search.IndexTemplate(search.TemplateRecord{
		ID:          string(template.ID()),
		Name:        template.Name().String(),
		Description: template.Description(),
		CuratorDID:  template.CuratorID().String(),
	})
}

func (s *Service) indexAnnotation(annotation *domain.Annotation, field *domain.AnnotationField) {
	if s.search == nil {
		return
	}
	s.search.IndexAnnotation(search.AnnotationRecord{
		ID:         string(annotation.ID()),
		SubjectURL: annotation.Subject().String(),
		Note:       annotation.Note().String(),
		FieldName:  field.Name().String(),
		CuratorDID: annotation.CuratorID().String(),
	})
}

func publishedRefOf(a interface {
	PublishedRecordID() (domain.PublishedRecordID, bool)
}) *domain.PublishedRecordID {
	if ref, ok := a.PublishedRecordID(); ok {
		return &ref
	}
	return nil
}
