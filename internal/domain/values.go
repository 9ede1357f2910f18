package domain

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLen = 256
	maxNoteLen = 1000
)

// Name is the display name of a field or template. Non-empty, trimmed.
type Name string

func NewName(raw string) (Name, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "name", Message: "name must not be empty"}
	}
	if utf8.RuneCountInString(raw) > maxNameLen {
		return "", &ValidationError{Field: "name", Message: fmt.Sprintf("name exceeds %d characters", maxNameLen)}
	}
	return Name(raw), nil
}

func (n Name) String() string { return string(n) }

// AnnotationNote is the curator's free-text note on an annotation. An empty
// note means absent.
type AnnotationNote string

func NewAnnotationNote(raw string) (AnnotationNote, error) {
	if utf8.RuneCountInString(raw) > maxNoteLen {
		return "", &ValidationError{Field: "note", Message: fmt.Sprintf("note exceeds %d characters", maxNoteLen)}
	}
	return AnnotationNote(raw), nil
}

func (n AnnotationNote) String() string { return string(n) }
func (n AnnotationNote) IsZero() bool   { return n == "" }

// SubjectURI is the URL of the thing being annotated. It is distinct from
// PublishedRecordID.URI, which addresses the annotation record itself in the
// curator's remote repository.
type SubjectURI string

func NewSubjectURI(raw string) (SubjectURI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Message: "subject URL must not be empty"}
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return "", &ValidationError{Field: "url", Message: fmt.Sprintf("%q is not a valid URL", raw)}
	}
	return SubjectURI(raw), nil
}

func (u SubjectURI) String() string { return string(u) }

// PublishedRecordID is a StrongRef: a {uri, cid} pair addressing one exact
// content-hashed version of a record in the remote repository. The same URI
// accrues a new CID on every update, so neither half is unique on its own —
// index by Key().
type PublishedRecordID struct {
	URI string
	CID string
}

func NewPublishedRecordID(uri, cid string) (PublishedRecordID, error) {
	if strings.TrimSpace(uri) == "" {
		return PublishedRecordID{}, &ValidationError{Field: "uri", Message: "record uri must not be empty"}
	}
	if strings.TrimSpace(cid) == "" {
		return PublishedRecordID{}, &ValidationError{Field: "cid", Message: "record cid must not be empty"}
	}
	return PublishedRecordID{URI: uri, CID: cid}, nil
}

// Key is the composite lookup key.
func (r PublishedRecordID) Key() string { return r.URI + r.CID }

func (r PublishedRecordID) IsZero() bool { return r.URI == "" && r.CID == "" }

func (r PublishedRecordID) String() string {
	return fmt.Sprintf("%s@%s", r.URI, r.CID)
}
