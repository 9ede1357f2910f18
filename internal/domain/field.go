package domain

import "time"

// AnnotationField is a reusable, curator-owned annotation dimension: a name,
// a description and one FieldDefinition. Two fields are never merged — every
// create yields a fresh identity even if the content matches an existing
// field.
type AnnotationField struct {
	id          AnnotationFieldID
	curatorID   CuratorID
	name        Name
	description string
	definition  FieldDefinition
	createdAt   time.Time
	published   *PublishedRecordID
}

// AnnotationFieldProps carries everything needed to construct a field. A zero
// CreatedAt means "now".
type AnnotationFieldProps struct {
	CuratorID         CuratorID
	Name              Name
	Description       string
	Definition        FieldDefinition
	CreatedAt         time.Time
	PublishedRecordID *PublishedRecordID
}

// NewAnnotationField validates props and returns a fresh field. It never
// returns a partially constructed aggregate.
func NewAnnotationField(props AnnotationFieldProps) (*AnnotationField, error) {
	return RestoreAnnotationField(NewAnnotationFieldID(), props)
}

// RestoreAnnotationField rebuilds a field under a pre-existing identity, used
// when reconstituting from storage or cloning. The same invariants apply.
func RestoreAnnotationField(id AnnotationFieldID, props AnnotationFieldProps) (*AnnotationField, error) {
	if id == "" {
		return nil, &ValidationError{Field: "annotationFieldId", Message: "id must not be empty"}
	}
	if props.CuratorID == "" {
		return nil, &ValidationError{Field: "curatorId", Message: "curator is required"}
	}
	if _, err := NewName(props.Name.String()); err != nil {
		return nil, err
	}
	if props.Definition == nil {
		return nil, &ValidationError{Field: "definition", Message: "field definition is required"}
	}
	if err := props.Definition.Validate(); err != nil {
		return nil, err
	}
	createdAt := props.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	field := &AnnotationField{
		id:          id,
		curatorID:   props.CuratorID,
		name:        props.Name,
		description: props.Description,
		definition:  cloneDefinition(props.Definition),
		createdAt:   createdAt,
	}
	if props.PublishedRecordID != nil {
		ref := *props.PublishedRecordID
		if _, err := NewPublishedRecordID(ref.URI, ref.CID); err != nil {
			return nil, err
		}
		field.published = &ref
	}
	return field, nil
}

func (f *AnnotationField) ID() AnnotationFieldID      { return f.id }
func (f *AnnotationField) CuratorID() CuratorID       { return f.curatorID }
func (f *AnnotationField) Name() Name                 { return f.name }
func (f *AnnotationField) Description() string        { return f.description }
func (f *AnnotationField) Definition() FieldDefinition { return cloneDefinition(f.definition) }
func (f *AnnotationField) CreatedAt() time.Time       { return f.createdAt }

// PublishedRecordID returns the current StrongRef, if any.
func (f *AnnotationField) PublishedRecordID() (PublishedRecordID, bool) {
	if f.published == nil {
		return PublishedRecordID{}, false
	}
	return *f.published, true
}

func (f *AnnotationField) IsPublished() bool { return f.published != nil }

// MarkPublished attaches a new StrongRef and returns the superseded one, if
// any. The caller owns unpublishing the superseded ref.
func (f *AnnotationField) MarkPublished(ref PublishedRecordID) (*PublishedRecordID, error) {
	if _, err := NewPublishedRecordID(ref.URI, ref.CID); err != nil {
		return nil, err
	}
	previous := f.published
	f.published = &ref
	return previous, nil
}

// UpdateDetails changes name and description. The published ref is kept: the
// remote copy is now stale and the caller is expected to republish.
func (f *AnnotationField) UpdateDetails(name Name, description string) error {
	if _, err := NewName(name.String()); err != nil {
		return err
	}
	f.name = name
	f.description = description
	return nil
}

// Clone returns an independent deep copy.
func (f *AnnotationField) Clone() *AnnotationField {
	clone, _ := RestoreAnnotationField(f.id, AnnotationFieldProps{
		CuratorID:         f.curatorID,
		Name:              f.name,
		Description:       f.description,
		Definition:        f.definition,
		CreatedAt:         f.createdAt,
		PublishedRecordID: f.published,
	})
	return clone
}
