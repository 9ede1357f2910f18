package domain

import (
	"fmt"
	"time"
)

// TemplateField is one member of a template: a reference to an
// AnnotationField plus whether a complete batch must include a value for it.
type TemplateField struct {
	FieldID  AnnotationFieldID
	Required bool
}

// AnnotationTemplate is an ordered set of field references a curator
// annotates against in one action. Field references are unique within a
// template.
type AnnotationTemplate struct {
	id          AnnotationTemplateID
	curatorID   CuratorID
	name        Name
	description string
	fields      []TemplateField
	createdAt   time.Time
	published   *PublishedRecordID
}

type AnnotationTemplateProps struct {
	CuratorID         CuratorID
	Name              Name
	Description       string
	Fields            []TemplateField
	CreatedAt         time.Time
	PublishedRecordID *PublishedRecordID
}

func NewAnnotationTemplate(props AnnotationTemplateProps) (*AnnotationTemplate, error) {
	return RestoreAnnotationTemplate(NewAnnotationTemplateID(), props)
}

func RestoreAnnotationTemplate(id AnnotationTemplateID, props AnnotationTemplateProps) (*AnnotationTemplate, error) {
	if id == "" {
		return nil, &ValidationError{Field: "annotationTemplateId", Message: "id must not be empty"}
	}
	if props.CuratorID == "" {
		return nil, &ValidationError{Field: "curatorId", Message: "curator is required"}
	}
	if _, err := NewName(props.Name.String()); err != nil {
		return nil, err
	}
	if len(props.Fields) == 0 {
		return nil, &ValidationError{Field: "fields", Message: "template requires at least one field"}
	}
	seen := make(map[AnnotationFieldID]struct{}, len(props.Fields))
	for _, tf := range props.Fields {
		if tf.FieldID == "" {
			return nil, &ValidationError{Field: "fields", Message: "field reference must not be empty"}
		}
		if _, dup := seen[tf.FieldID]; dup {
			return nil, &ValidationError{Field: "fields", Message: fmt.Sprintf("duplicate field reference %s", tf.FieldID)}
		}
		seen[tf.FieldID] = struct{}{}
	}
	createdAt := props.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	template := &AnnotationTemplate{
		id:          id,
		curatorID:   props.CuratorID,
		name:        props.Name,
		description: props.Description,
		fields:      append([]TemplateField(nil), props.Fields...),
		createdAt:   createdAt,
	}
	if props.PublishedRecordID != nil {
		ref := *props.PublishedRecordID
		if _, err := NewPublishedRecordID(ref.URI, ref.CID); err != nil {
			return nil, err
		}
		template.published = &ref
	}
	return template, nil
}

func (t *AnnotationTemplate) ID() AnnotationTemplateID { return t.id }
func (t *AnnotationTemplate) CuratorID() CuratorID     { return t.curatorID }
func (t *AnnotationTemplate) Name() Name               { return t.name }
func (t *AnnotationTemplate) Description() string      { return t.description }
func (t *AnnotationTemplate) CreatedAt() time.Time     { return t.createdAt }

// Fields returns the ordered field references as a copy.
func (t *AnnotationTemplate) Fields() []TemplateField {
	return append([]TemplateField(nil), t.fields...)
}

// Field looks up a member by its field id.
func (t *AnnotationTemplate) Field(id AnnotationFieldID) (TemplateField, bool) {
	for _, tf := range t.fields {
		if tf.FieldID == id {
			return tf, true
		}
	}
	return TemplateField{}, false
}

func (t *AnnotationTemplate) PublishedRecordID() (PublishedRecordID, bool) {
	if t.published == nil {
		return PublishedRecordID{}, false
	}
	return *t.published, true
}

func (t *AnnotationTemplate) IsPublished() bool { return t.published != nil }

func (t *AnnotationTemplate) MarkPublished(ref PublishedRecordID) (*PublishedRecordID, error) {
	if _, err := NewPublishedRecordID(ref.URI, ref.CID); err != nil {
		return nil, err
	}
	previous := t.published
	t.published = &ref
	return previous, nil
}

func (t *AnnotationTemplate) UpdateDetails(name Name, description string) error {
	if _, err := NewName(name.String()); err != nil {
		return err
	}
	t.name = name
	t.description = description
	return nil
}

// ValidateComplete checks that a batch claiming to be complete for this
// template supplies a value for every required field and references no field
// outside the template.
func (t *AnnotationTemplate) ValidateComplete(provided []AnnotationFieldID) error {
	supplied := make(map[AnnotationFieldID]struct{}, len(provided))
	for _, id := range provided {
		if _, ok := t.Field(id); !ok {
			return &ValidationError{Field: "fields", Message: fmt.Sprintf("field %s is not part of template %s", id, t.id)}
		}
		supplied[id] = struct{}{}
	}
	for _, tf := range t.fields {
		if !tf.Required {
			continue
		}
		if _, ok := supplied[tf.FieldID]; !ok {
			return &ValidationError{Field: "fields", Message: fmt.Sprintf("required field %s has no value", tf.FieldID)}
		}
	}
	return nil
}

func (t *AnnotationTemplate) Clone() *AnnotationTemplate {
	clone, _ := RestoreAnnotationTemplate(t.id, AnnotationTemplateProps{
		CuratorID:         t.curatorID,
		Name:              t.name,
		Description:       t.description,
		Fields:            t.fields,
		CreatedAt:         t.createdAt,
		PublishedRecordID: t.published,
	})
	return clone
}
