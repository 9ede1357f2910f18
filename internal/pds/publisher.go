package pds

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"margin/api/internal/domain"
)

// Publisher maps aggregates onto repository records. Republishing a
// previously published aggregate reuses its record key, producing a new
// record version under a new CID at the same URI.
type Publisher struct {
	client RecordClient
	logger *log.Logger
}

func NewPublisher(client RecordClient, logger *log.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// BatchResult holds the StrongRefs written by a batch publish.
type BatchResult struct {
	Template    domain.PublishedRecordID
	Annotations map[domain.AnnotationID]domain.PublishedRecordID
}

// PartialPublishError reports a failed batch whose best-effort rollback could
// not fully undo the records already written. Orphaned refs exist remotely
// with no local counterpart until a later sweep removes them. Template is set
// when the batch overwrote an already-published template record before
// failing; that version stays live and should be recorded locally.
type PartialPublishError struct {
	Orphaned []domain.PublishedRecordID
	Template *domain.PublishedRecordID
	Cause    error
}

func (e *PartialPublishError) Error() string {
	parts := []string{fmt.Sprintf("batch publish failed: %v", e.Cause)}
	if len(e.Orphaned) > 0 {
		parts = append(parts, fmt.Sprintf("%d orphaned record(s)", len(e.Orphaned)))
	}
	return strings.Join(parts, "; ")
}

func (e *PartialPublishError) Unwrap() error { return e.Cause }

func (p *Publisher) PublishField(ctx context.Context, field *domain.AnnotationField) (domain.PublishedRecordID, error) {
	record, err := FieldRecord(field)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("publish field %s: %w", field.ID(), err)
	}
	ref, err := p.writeRecord(ctx, field.CuratorID(), CollectionField, publishedRef(field), record)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("publish field %s: %w", field.ID(), err)
	}
	return ref, nil
}

func (p *Publisher) PublishTemplate(ctx context.Context, template *domain.AnnotationTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (domain.PublishedRecordID, error) {
	record, err := TemplateRecord(template, fieldRefs)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("publish template %s: %w", template.ID(), err)
	}
	ref, err := p.writeRecord(ctx, template.CuratorID(), CollectionTemplate, publishedRef(template), record)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("publish template %s: %w", template.ID(), err)
	}
	return ref, nil
}

func (p *Publisher) PublishAnnotation(ctx context.Context, annotation *domain.Annotation, fieldRef domain.PublishedRecordID, templateRef *domain.PublishedRecordID) (domain.PublishedRecordID, error) {
	record, err := AnnotationRecord(annotation, fieldRef, templateRef)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("publish annotation %s: %w", annotation.ID(), err)
	}
	ref, err := p.writeRecord(ctx, annotation.CuratorID(), CollectionAnnotation, publishedRef(annotation), record)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("publish annotation %s: %w", annotation.ID(), err)
	}
	return ref, nil
}

// PublishBatch writes the batch's template and all of its annotations as one
// unit. On failure it deletes the records it created; anything it cannot
// delete comes back in a PartialPublishError for later reconciliation.
func (p *Publisher) PublishBatch(ctx context.Context, batch *domain.AnnotationsFromTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (*BatchResult, error) {
	template := batch.Template()
	templateWasPublished := template.IsPublished()

	templateRef, err := p.PublishTemplate(ctx, template, fieldRefs)
	if err != nil {
		return nil, &PartialPublishError{Cause: err}
	}

	result := &BatchResult{
		Template:    templateRef,
		Annotations: make(map[domain.AnnotationID]domain.PublishedRecordID, len(batch.Annotations())),
	}
	created := make([]domain.PublishedRecordID, 0, len(batch.Annotations())+1)
	if !templateWasPublished {
		created = append(created, templateRef)
	}

	for _, annotation := range batch.Annotations() {
		fieldRef, ok := fieldRefs[annotation.FieldID()]
		if !ok {
			return nil, p.rollback(ctx, created, templateWasPublished, templateRef,
				fmt.Errorf("annotation %s: field %s has no published record", annotation.ID(), annotation.FieldID()))
		}
		ref, err := p.PublishAnnotation(ctx, annotation, fieldRef, &templateRef)
		if err != nil {
			return nil, p.rollback(ctx, created, templateWasPublished, templateRef, err)
		}
		created = append(created, ref)
		result.Annotations[annotation.ID()] = ref
	}
	return result, nil
}

// Unpublish deletes the record a StrongRef points at.
func (p *Publisher) Unpublish(ctx context.Context, ref domain.PublishedRecordID) error {
	did, collection, rkey, err := ParseRecordURI(ref.URI)
	if err != nil {
		return err
	}
	if err := p.client.DeleteRecord(ctx, did, collection, rkey); err != nil {
		return fmt.Errorf("unpublish %s: %w", ref, err)
	}
	return nil
}

// rollback deletes the records created during a failed batch and shapes the
// resulting error. A template record that was merely overwritten (not
// created) is left at its new version and reported separately.
func (p *Publisher) rollback(ctx context.Context, created []domain.PublishedRecordID, templateWasPublished bool, templateRef domain.PublishedRecordID, cause error) error {
	perr := &PartialPublishError{Cause: cause}
	for _, ref := range created {
		if err := p.Unpublish(ctx, ref); err != nil {
			p.logger.Warn("batch rollback: record left behind", "uri", ref.URI, "cid", ref.CID, "error", err)
			perr.Orphaned = append(perr.Orphaned, ref)
		}
	}
	if templateWasPublished {
		perr.Template = &templateRef
	}
	return perr
}

func (p *Publisher) writeRecord(ctx context.Context, curator domain.CuratorID, collection string, prior *domain.PublishedRecordID, record map[string]any) (domain.PublishedRecordID, error) {
	did := curator.String()
	if prior != nil {
		priorDID, priorCollection, rkey, err := ParseRecordURI(prior.URI)
		if err != nil {
			return domain.PublishedRecordID{}, err
		}
		if priorDID != did || priorCollection != collection {
			return domain.PublishedRecordID{}, fmt.Errorf("record %s does not belong to %s/%s", prior.URI, did, collection)
		}
		return p.client.PutRecord(ctx, did, collection, rkey, record)
	}
	return p.client.CreateRecord(ctx, did, collection, NewTID(), record)
}

// publishedRef adapts the (ref, ok) accessor shared by the aggregates into a
// nullable pointer.
func publishedRef(a interface {
	PublishedRecordID() (domain.PublishedRecordID, bool)
}) *domain.PublishedRecordID {
	if ref, ok := a.PublishedRecordID(); ok {
		return &ref
	}
	return nil
}
