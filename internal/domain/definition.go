package domain

import (
	"fmt"
	"strings"
)

// FieldKind discriminates the closed set of field definition shapes. Adding a
// kind is a breaking schema change: every switch over FieldKind in this
// module must be extended together with the lexicon.
type FieldKind string

const (
	KindDyad         FieldKind = "dyad"
	KindTriad        FieldKind = "triad"
	KindRating       FieldKind = "rating"
	KindSingleSelect FieldKind = "select"
	KindMultiSelect  FieldKind = "multiselect"
)

// RatingStars is the fixed star count of the rating lexicon.
const RatingStars = 5

// FieldDefinition describes the shape and constraints of the values an
// annotation field accepts. Implementations form a closed union; consumers
// switch exhaustively on the concrete type or on Kind().
type FieldDefinition interface {
	Kind() FieldKind
	// Validate checks the definition's own structural invariants.
	Validate() error

	isFieldDefinition()
}

// DyadDefinition is a two-pole slider between SideA and SideB.
type DyadDefinition struct {
	SideA string
	SideB string
}

func NewDyadDefinition(sideA, sideB string) (DyadDefinition, error) {
	def := DyadDefinition{SideA: strings.TrimSpace(sideA), SideB: strings.TrimSpace(sideB)}
	if err := def.Validate(); err != nil {
		return DyadDefinition{}, err
	}
	return def, nil
}

func (DyadDefinition) Kind() FieldKind    { return KindDyad }
func (DyadDefinition) isFieldDefinition() {}

func (d DyadDefinition) Validate() error {
	if d.SideA == "" {
		return &ValidationError{Field: "sideA", Message: "dyad side must not be empty"}
	}
	if d.SideB == "" {
		return &ValidationError{Field: "sideB", Message: "dyad side must not be empty"}
	}
	return nil
}

// TriadDefinition is a three-pole simplex between three named vertices.
type TriadDefinition struct {
	VertexA string
	VertexB string
	VertexC string
}

func NewTriadDefinition(vertexA, vertexB, vertexC string) (TriadDefinition, error) {
	def := TriadDefinition{
		VertexA: strings.TrimSpace(vertexA),
		VertexB: strings.TrimSpace(vertexB),
		VertexC: strings.TrimSpace(vertexC),
	}
	if err := def.Validate(); err != nil {
		return TriadDefinition{}, err
	}
	return def, nil
}

func (TriadDefinition) Kind() FieldKind    { return KindTriad }
func (TriadDefinition) isFieldDefinition() {}

func (d TriadDefinition) Validate() error {
	if d.VertexA == "" {
		return &ValidationError{Field: "vertexA", Message: "triad vertex must not be empty"}
	}
	if d.VertexB == "" {
		return &ValidationError{Field: "vertexB", Message: "triad vertex must not be empty"}
	}
	if d.VertexC == "" {
		return &ValidationError{Field: "vertexC", Message: "triad vertex must not be empty"}
	}
	return nil
}

// RatingDefinition is a star rating. The star count is fixed by the lexicon;
// it is still carried in the payload so old records stay readable if the
// constant ever changes.
type RatingDefinition struct {
	NumberOfStars int
}

func NewRatingDefinition() RatingDefinition {
	return RatingDefinition{NumberOfStars: RatingStars}
}

func (RatingDefinition) Kind() FieldKind    { return KindRating }
func (RatingDefinition) isFieldDefinition() {}

func (d RatingDefinition) Validate() error {
	if d.NumberOfStars != RatingStars {
		return &ValidationError{Field: "numberOfStars", Message: fmt.Sprintf("rating must have exactly %d stars", RatingStars)}
	}
	return nil
}

// SingleSelectDefinition is a pick-one option list.
type SingleSelectDefinition struct {
	Options []string
}

func NewSingleSelectDefinition(options []string) (SingleSelectDefinition, error) {
	def := SingleSelectDefinition{Options: trimOptions(options)}
	if err := def.Validate(); err != nil {
		return SingleSelectDefinition{}, err
	}
	return def, nil
}

func (SingleSelectDefinition) Kind() FieldKind    { return KindSingleSelect }
func (SingleSelectDefinition) isFieldDefinition() {}

func (d SingleSelectDefinition) Validate() error {
	return validateOptions(d.Options)
}

// MultiSelectDefinition is a pick-many option list.
type MultiSelectDefinition struct {
	Options []string
}

func NewMultiSelectDefinition(options []string) (MultiSelectDefinition, error) {
	def := MultiSelectDefinition{Options: trimOptions(options)}
	if err := def.Validate(); err != nil {
		return MultiSelectDefinition{}, err
	}
	return def, nil
}

func (MultiSelectDefinition) Kind() FieldKind    { return KindMultiSelect }
func (MultiSelectDefinition) isFieldDefinition() {}

func (d MultiSelectDefinition) Validate() error {
	return validateOptions(d.Options)
}

func trimOptions(options []string) []string {
	trimmed := make([]string, 0, len(options))
	for _, option := range options {
		trimmed = append(trimmed, strings.TrimSpace(option))
	}
	return trimmed
}

func validateOptions(options []string) error {
	if len(options) < 2 {
		return &ValidationError{Field: "options", Message: "at least 2 options are required"}
	}
	seen := make(map[string]struct{}, len(options))
	for _, option := range options {
		if option == "" {
			return &ValidationError{Field: "options", Message: "option must not be empty"}
		}
		if _, dup := seen[option]; dup {
			return &ValidationError{Field: "options", Message: fmt.Sprintf("duplicate option %q", option)}
		}
		seen[option] = struct{}{}
	}
	return nil
}

// cloneDefinition deep-copies a definition so stored aggregates never share
// option slices with caller-held instances.
func cloneDefinition(def FieldDefinition) FieldDefinition {
	switch d := def.(type) {
	case DyadDefinition:
		return d
	case TriadDefinition:
		return d
	case RatingDefinition:
		return d
	case SingleSelectDefinition:
		return SingleSelectDefinition{Options: append([]string(nil), d.Options...)}
	case MultiSelectDefinition:
		return MultiSelectDefinition{Options: append([]string(nil), d.Options...)}
	default:
		return def
	}
}
