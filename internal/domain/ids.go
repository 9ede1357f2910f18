package domain

import (
	"fmt"
	"strings"

	"margin/api/internal/util"
)

// AnnotationFieldID is the stable local identity of an AnnotationField. It
// never changes, unlike the field's published record ref which is replaced on
// every republish.
type AnnotationFieldID string

// NewAnnotationFieldID returns a fresh process-unique id.
func NewAnnotationFieldID() AnnotationFieldID {
	return AnnotationFieldID(util.NewID("fld"))
}

// ParseAnnotationFieldID reconstitutes an id from its persisted form.
func ParseAnnotationFieldID(raw string) (AnnotationFieldID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "annotationFieldId", Message: "id must not be empty"}
	}
	return AnnotationFieldID(raw), nil
}

func (id AnnotationFieldID) String() string { return string(id) }

// AnnotationTemplateID is the stable local identity of an AnnotationTemplate.
type AnnotationTemplateID string

func NewAnnotationTemplateID() AnnotationTemplateID {
	return AnnotationTemplateID(util.NewID("tpl"))
}

func ParseAnnotationTemplateID(raw string) (AnnotationTemplateID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "annotationTemplateId", Message: "id must not be empty"}
	}
	return AnnotationTemplateID(raw), nil
}

func (id AnnotationTemplateID) String() string { return string(id) }

// AnnotationID is the stable local identity of an Annotation.
type AnnotationID string

func NewAnnotationID() AnnotationID {
	return AnnotationID(util.NewID("ann"))
}

func ParseAnnotationID(raw string) (AnnotationID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "annotationId", Message: "id must not be empty"}
	}
	return AnnotationID(raw), nil
}

func (id AnnotationID) String() string { return string(id) }

// CuratorID identifies the authoring user by their decentralized identifier.
type CuratorID string

// NewCuratorID validates a DID string ("did:plc:...", "did:web:...").
func NewCuratorID(raw string) (CuratorID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "curatorId", Message: "curator DID must not be empty"}
	}
	if !strings.HasPrefix(raw, "did:") {
		return "", &ValidationError{Field: "curatorId", Message: fmt.Sprintf("%q is not a DID", raw)}
	}
	return CuratorID(raw), nil
}

func (id CuratorID) String() string { return string(id) }
