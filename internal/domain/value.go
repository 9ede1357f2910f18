package domain

import (
	"fmt"
	"math"
	"sort"
)

// triadTolerance absorbs floating error when checking that triad weights sum
// to 1.
const triadTolerance = 1e-9

// AnnotationValue is the concrete value supplied for one field. Values form a
// closed union mirroring FieldDefinition and can only be constructed through
// NewAnnotationValue, with the paired definition present.
type AnnotationValue interface {
	Kind() FieldKind

	isAnnotationValue()
}

// DyadValue is a position between the two dyad sides, 0 = all SideA,
// 1 = all SideB.
type DyadValue struct {
	Value float64
}

func (DyadValue) Kind() FieldKind    { return KindDyad }
func (DyadValue) isAnnotationValue() {}

// TriadValue is a weighting over the three triad vertices summing to 1.
type TriadValue struct {
	VertexA float64
	VertexB float64
	VertexC float64
}

func (TriadValue) Kind() FieldKind    { return KindTriad }
func (TriadValue) isAnnotationValue() {}

// RatingValue is a star count between 0 and the definition's NumberOfStars.
type RatingValue struct {
	Rating int
}

func (RatingValue) Kind() FieldKind    { return KindRating }
func (RatingValue) isAnnotationValue() {}

// SingleSelectValue is one chosen option.
type SingleSelectValue struct {
	Option string
}

func (SingleSelectValue) Kind() FieldKind    { return KindSingleSelect }
func (SingleSelectValue) isAnnotationValue() {}

// MultiSelectValue is a set of chosen options, stored sorted and deduplicated.
type MultiSelectValue struct {
	Options []string
}

func (MultiSelectValue) Kind() FieldKind    { return KindMultiSelect }
func (MultiSelectValue) isAnnotationValue() {}

// ValueInput is the raw, untyped payload a caller supplies for a field. Only
// the members matching the field's kind may be set.
type ValueInput struct {
	Value   *float64
	VertexA *float64
	VertexB *float64
	VertexC *float64
	Rating  *int
	Option  *string
	Options []string
}

// NewAnnotationValue is the single validation entry point for annotation
// values. It dispatches on the definition's kind, rejects inputs whose shape
// does not match it, and enforces the value-level constraints of each kind.
func NewAnnotationValue(def FieldDefinition, in ValueInput) (AnnotationValue, error) {
	if def == nil {
		return nil, &ValidationError{Field: "definition", Message: "field definition is required"}
	}
	switch d := def.(type) {
	case DyadDefinition:
		return newDyadValue(in)
	case TriadDefinition:
		return newTriadValue(in)
	case RatingDefinition:
		return newRatingValue(d, in)
	case SingleSelectDefinition:
		return newSingleSelectValue(d, in)
	case MultiSelectDefinition:
		return newMultiSelectValue(d, in)
	default:
		return nil, &ValidationError{Field: "definition", Message: fmt.Sprintf("unknown field kind %q", def.Kind())}
	}
}

func newDyadValue(in ValueInput) (AnnotationValue, error) {
	if in.Value == nil {
		return nil, &ValueError{Kind: KindDyad, Reason: ReasonShapeMismatch, Message: "value is required"}
	}
	v := *in.Value
	if v < 0 || v > 1 || math.IsNaN(v) {
		return nil, &ValueError{Kind: KindDyad, Reason: ReasonOutOfRange, Message: fmt.Sprintf("value %v is outside [0,1]", v)}
	}
	return DyadValue{Value: v}, nil
}

func newTriadValue(in ValueInput) (AnnotationValue, error) {
	if in.VertexA == nil || in.VertexB == nil || in.VertexC == nil {
		return nil, &ValueError{Kind: KindTriad, Reason: ReasonShapeMismatch, Message: "vertexA, vertexB and vertexC are required"}
	}
	a, b, c := *in.VertexA, *in.VertexB, *in.VertexC
	for _, v := range []float64{a, b, c} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return nil, &ValueError{Kind: KindTriad, Reason: ReasonOutOfRange, Message: fmt.Sprintf("vertex weight %v is outside [0,1]", v)}
		}
	}
	if math.Abs(a+b+c-1) > triadTolerance {
		return nil, &ValueError{Kind: KindTriad, Reason: ReasonOutOfRange, Message: fmt.Sprintf("vertex weights sum to %v, expected 1", a+b+c)}
	}
	return TriadValue{VertexA: a, VertexB: b, VertexC: c}, nil
}

func newRatingValue(def RatingDefinition, in ValueInput) (AnnotationValue, error) {
	if in.Rating == nil {
		return nil, &ValueError{Kind: KindRating, Reason: ReasonShapeMismatch, Message: "rating is required"}
	}
	r := *in.Rating
	if r < 0 || r > def.NumberOfStars {
		return nil, &ValueError{Kind: KindRating, Reason: ReasonOutOfRange, Message: fmt.Sprintf("rating %d is outside [0,%d]", r, def.NumberOfStars)}
	}
	return RatingValue{Rating: r}, nil
}

func newSingleSelectValue(def SingleSelectDefinition, in ValueInput) (AnnotationValue, error) {
	if in.Option == nil {
		return nil, &ValueError{Kind: KindSingleSelect, Reason: ReasonShapeMismatch, Message: "option is required"}
	}
	if !containsOption(def.Options, *in.Option) {
		return nil, &ValueError{Kind: KindSingleSelect, Reason: ReasonNotInOptions, Message: fmt.Sprintf("option %q is not defined for this field", *in.Option)}
	}
	return SingleSelectValue{Option: *in.Option}, nil
}

func newMultiSelectValue(def MultiSelectDefinition, in ValueInput) (AnnotationValue, error) {
	if len(in.Options) == 0 {
		return nil, &ValueError{Kind: KindMultiSelect, Reason: ReasonShapeMismatch, Message: "at least one option is required"}
	}
	seen := make(map[string]struct{}, len(in.Options))
	selected := make([]string, 0, len(in.Options))
	for _, option := range in.Options {
		if !containsOption(def.Options, option) {
			return nil, &ValueError{Kind: KindMultiSelect, Reason: ReasonNotInOptions, Message: fmt.Sprintf("option %q is not defined for this field", option)}
		}
		if _, dup := seen[option]; dup {
			continue
		}
		seen[option] = struct{}{}
		selected = append(selected, option)
	}
	sort.Strings(selected)
	return MultiSelectValue{Options: selected}, nil
}

func containsOption(options []string, candidate string) bool {
	for _, option := range options {
		if option == candidate {
			return true
		}
	}
	return false
}

// cloneValue deep-copies an annotation value.
func cloneValue(v AnnotationValue) AnnotationValue {
	if m, ok := v.(MultiSelectValue); ok {
		return MultiSelectValue{Options: append([]string(nil), m.Options...)}
	}
	return v
}
