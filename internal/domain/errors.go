package domain

import "fmt"

// ValidationError reports which field of an aggregate or value object failed
// its invariant. Use cases return it to the caller before touching storage.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValueErrorReason classifies why a raw input was rejected against a field
// definition.
type ValueErrorReason string

const (
	// ReasonShapeMismatch: the input's shape does not match the definition's
	// kind (e.g. a rating supplied for a dyad field).
	ReasonShapeMismatch ValueErrorReason = "shape_mismatch"
	// ReasonOutOfRange: a numeric value violates the definition's bounds.
	ReasonOutOfRange ValueErrorReason = "out_of_range"
	// ReasonNotInOptions: a selected option is absent from the definition's
	// option set.
	ReasonNotInOptions ValueErrorReason = "not_in_options"
)

// ValueError is returned when a raw annotation value cannot be constructed
// against its field definition.
type ValueError struct {
	Kind    FieldKind
	Reason  ValueErrorReason
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s value: %s", e.Kind, e.Message)
}

// NotFoundError reports a missing aggregate where the operation requires it
// to exist, e.g. a template referencing an unknown field id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
