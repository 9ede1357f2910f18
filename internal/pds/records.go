// Package pds publishes aggregates into the curator's personal data store: a
// content-addressed, append-only repository addressed by {uri, cid}
// StrongRefs. Two backends exist: the XRPC client for a hosted repository and
// an object-store backend for self-hosted setups.
package pds

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"margin/api/internal/domain"
)

// Record collections (lexicon NSIDs).
const (
	CollectionField      = "app.margin.annotationField"
	CollectionTemplate   = "app.margin.annotationTemplate"
	CollectionAnnotation = "app.margin.annotation"
)

// strongRef is the wire form of a {uri, cid} reference.
type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func refToWire(ref domain.PublishedRecordID) strongRef {
	return strongRef{URI: ref.URI, CID: ref.CID}
}

// taggedUnion converts a (kind, payload) pair from the domain codec into a
// JSON object with a $type discriminator, the shape the lexicon expects.
func taggedUnion(parent, kind string, payload []byte) (map[string]any, error) {
	out := map[string]any{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	out["$type"] = parent + "#" + kind
	return out, nil
}

// FieldRecord maps an AnnotationField to its wire record.
func FieldRecord(field *domain.AnnotationField) (map[string]any, error) {
	kind, payload, err := domain.MarshalDefinition(field.Definition())
	if err != nil {
		return nil, err
	}
	definition, err := taggedUnion(CollectionField, kind, payload)
	if err != nil {
		return nil, err
	}
	record := map[string]any{
		"$type":      CollectionField,
		"name":       field.Name().String(),
		"definition": definition,
		"createdAt":  field.CreatedAt().UTC().Format(time.RFC3339),
	}
	if field.Description() != "" {
		record["description"] = field.Description()
	}
	return record, nil
}

// TemplateRecord maps an AnnotationTemplate to its wire record. Every member
// field must already be published, since the record references fields by
// StrongRef.
func TemplateRecord(template *domain.AnnotationTemplate, fieldRefs map[domain.AnnotationFieldID]domain.PublishedRecordID) (map[string]any, error) {
	members := make([]map[string]any, 0, len(template.Fields()))
	for _, tf := range template.Fields() {
		ref, ok := fieldRefs[tf.FieldID]
		if !ok {
			return nil, fmt.Errorf("template %s: field %s has no published record", template.ID(), tf.FieldID)
		}
		members = append(members, map[string]any{
			"field":    refToWire(ref),
			"required": tf.Required,
		})
	}
	record := map[string]any{
		"$type":     CollectionTemplate,
		"name":      template.Name().String(),
		"fields":    members,
		"createdAt": template.CreatedAt().UTC().Format(time.RFC3339),
	}
	if template.Description() != "" {
		record["description"] = template.Description()
	}
	return record, nil
}

// AnnotationRecord maps an Annotation to its wire record. The field (and the
// template, when back-referenced) must already be published.
func AnnotationRecord(annotation *domain.Annotation, fieldRef domain.PublishedRecordID, templateRef *domain.PublishedRecordID) (map[string]any, error) {
	kind, payload, err := domain.MarshalValue(annotation.Value())
	if err != nil {
		return nil, err
	}
	value, err := taggedUnion(CollectionAnnotation, kind, payload)
	if err != nil {
		return nil, err
	}
	record := map[string]any{
		"$type":     CollectionAnnotation,
		"url":       annotation.Subject().String(),
		"field":     refToWire(fieldRef),
		"value":     value,
		"createdAt": annotation.CreatedAt().UTC().Format(time.RFC3339),
	}
	if !annotation.Note().IsZero() {
		record["note"] = annotation.Note().String()
	}
	if templateRef != nil {
		record["fromTemplate"] = refToWire(*templateRef)
	}
	return record, nil
}

// ParseRecordURI splits an at:// record URI into its repo DID, collection and
// record key.
func ParseRecordURI(uri string) (did, collection, rkey string, err error) {
	trimmed := strings.TrimPrefix(uri, "at://")
	if trimmed == uri {
		return "", "", "", fmt.Errorf("parse record uri %q: missing at:// scheme", uri)
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("parse record uri %q: want at://did/collection/rkey", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// RecordURI builds the at:// URI for a record.
func RecordURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}
