package domain

import "time"

// Annotation is one curator's value for one field on one subject URL. The
// value is only ever constructed against the field's definition, so an
// Annotation in memory is consistent with its field by construction.
type Annotation struct {
	id         AnnotationID
	curatorID  CuratorID
	subject    SubjectURI
	fieldID    AnnotationFieldID
	value      AnnotationValue
	note       AnnotationNote
	createdAt  time.Time
	published  *PublishedRecordID
	templateID *AnnotationTemplateID
}

type AnnotationProps struct {
	CuratorID         CuratorID
	Subject           SubjectURI
	FieldID           AnnotationFieldID
	Value             AnnotationValue
	Note              AnnotationNote
	CreatedAt         time.Time
	PublishedRecordID *PublishedRecordID
	// TemplateID back-references the template this annotation was created
	// from, when it came out of a batch.
	TemplateID *AnnotationTemplateID
}

func NewAnnotation(props AnnotationProps) (*Annotation, error) {
	return RestoreAnnotation(NewAnnotationID(), props)
}

func RestoreAnnotation(id AnnotationID, props AnnotationProps) (*Annotation, error) {
	if id == "" {
		return nil, &ValidationError{Field: "annotationId", Message: "id must not be empty"}
	}
	if props.CuratorID == "" {
		return nil, &ValidationError{Field: "curatorId", Message: "curator is required"}
	}
	if _, err := NewSubjectURI(props.Subject.String()); err != nil {
		return nil, err
	}
	if props.FieldID == "" {
		return nil, &ValidationError{Field: "annotationFieldId", Message: "field reference is required"}
	}
	if props.Value == nil {
		return nil, &ValidationError{Field: "value", Message: "annotation value is required"}
	}
	if _, err := NewAnnotationNote(props.Note.String()); err != nil {
		return nil, err
	}
	createdAt := props.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	annotation := &Annotation{
		id:        id,
		curatorID: props.CuratorID,
		subject:   props.Subject,
		fieldID:   props.FieldID,
		value:     cloneValue(props.Value),
		note:      props.Note,
		createdAt: createdAt,
	}
	if props.PublishedRecordID != nil {
		ref := *props.PublishedRecordID
		if _, err := NewPublishedRecordID(ref.URI, ref.CID); err != nil {
			return nil, err
		}
		annotation.published = &ref
	}
	if props.TemplateID != nil {
		if *props.TemplateID == "" {
			return nil, &ValidationError{Field: "annotationTemplateId", Message: "template reference must not be empty"}
		}
		templateID := *props.TemplateID
		annotation.templateID = &templateID
	}
	return annotation, nil
}

func (a *Annotation) ID() AnnotationID            { return a.id }
func (a *Annotation) CuratorID() CuratorID        { return a.curatorID }
func (a *Annotation) Subject() SubjectURI         { return a.subject }
func (a *Annotation) FieldID() AnnotationFieldID  { return a.fieldID }
func (a *Annotation) Value() AnnotationValue      { return cloneValue(a.value) }
func (a *Annotation) Note() AnnotationNote        { return a.note }
func (a *Annotation) CreatedAt() time.Time        { return a.createdAt }

// TemplateID returns the originating template, if this annotation came from a
// batch.
func (a *Annotation) TemplateID() (AnnotationTemplateID, bool) {
	if a.templateID == nil {
		return "", false
	}
	return *a.templateID, true
}

func (a *Annotation) PublishedRecordID() (PublishedRecordID, bool) {
	if a.published == nil {
		return PublishedRecordID{}, false
	}
	return *a.published, true
}

func (a *Annotation) IsPublished() bool { return a.published != nil }

func (a *Annotation) MarkPublished(ref PublishedRecordID) (*PublishedRecordID, error) {
	if _, err := NewPublishedRecordID(ref.URI, ref.CID); err != nil {
		return nil, err
	}
	previous := a.published
	a.published = &ref
	return previous, nil
}

// UpdateValue replaces the value after validating the raw input against the
// field's definition. The definition must belong to the same field the
// annotation references; the caller loads it.
func (a *Annotation) UpdateValue(def FieldDefinition, in ValueInput) error {
	value, err := NewAnnotationValue(def, in)
	if err != nil {
		return err
	}
	a.value = value
	return nil
}

func (a *Annotation) UpdateNote(note AnnotationNote) error {
	if _, err := NewAnnotationNote(note.String()); err != nil {
		return err
	}
	a.note = note
	return nil
}

func (a *Annotation) Clone() *Annotation {
	clone, _ := RestoreAnnotation(a.id, AnnotationProps{
		CuratorID:         a.curatorID,
		Subject:           a.subject,
		FieldID:           a.fieldID,
		Value:             a.value,
		Note:              a.note,
		CreatedAt:         a.createdAt,
		PublishedRecordID: a.published,
		TemplateID:        a.templateID,
	})
	return clone
}
