package domain

import "fmt"

// AnnotationsFromTemplate groups one template with the annotations created
// against its fields in a single user action. It is a unit-of-work wrapper
// for batch create/publish, not a storage entity: it lives only for the
// duration of the use case.
type AnnotationsFromTemplate struct {
	template    *AnnotationTemplate
	annotations []*Annotation
}

// NewAnnotationsFromTemplate validates that every annotation belongs to the
// template's curator, references one of the template's fields, and that every
// required field is covered.
func NewAnnotationsFromTemplate(template *AnnotationTemplate, annotations []*Annotation) (*AnnotationsFromTemplate, error) {
	if template == nil {
		return nil, &ValidationError{Field: "template", Message: "template is required"}
	}
	if len(annotations) == 0 {
		return nil, &ValidationError{Field: "annotations", Message: "batch requires at least one annotation"}
	}
	provided := make([]AnnotationFieldID, 0, len(annotations))
	seen := make(map[AnnotationFieldID]struct{}, len(annotations))
	for _, annotation := range annotations {
		if annotation == nil {
			return nil, &ValidationError{Field: "annotations", Message: "batch annotation must not be nil"}
		}
		if annotation.CuratorID() != template.CuratorID() {
			return nil, &ValidationError{Field: "curatorId", Message: "batch annotations must share the template's curator"}
		}
		if _, dup := seen[annotation.FieldID()]; dup {
			return nil, &ValidationError{Field: "annotations", Message: fmt.Sprintf("duplicate annotation for field %s", annotation.FieldID())}
		}
		seen[annotation.FieldID()] = struct{}{}
		provided = append(provided, annotation.FieldID())
	}
	if err := template.ValidateComplete(provided); err != nil {
		return nil, err
	}
	return &AnnotationsFromTemplate{
		template:    template,
		annotations: append([]*Annotation(nil), annotations...),
	}, nil
}

func (b *AnnotationsFromTemplate) Template() *AnnotationTemplate { return b.template }

// Annotations returns the batch members in their original order.
func (b *AnnotationsFromTemplate) Annotations() []*Annotation {
	return append([]*Annotation(nil), b.annotations...)
}

// Annotation looks up one member by id.
func (b *AnnotationsFromTemplate) Annotation(id AnnotationID) (*Annotation, bool) {
	for _, annotation := range b.annotations {
		if annotation.ID() == id {
			return annotation, true
		}
	}
	return nil, false
}
