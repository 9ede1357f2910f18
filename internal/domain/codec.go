package domain

import (
	"encoding/json"
	"fmt"
)

// Payload shapes for the discriminator + payload encoding shared by the local
// store and the remote record mapping. The discriminator is the FieldKind.

type dyadDefPayload struct {
	SideA string `json:"sideA"`
	SideB string `json:"sideB"`
}

type triadDefPayload struct {
	VertexA string `json:"vertexA"`
	VertexB string `json:"vertexB"`
	VertexC string `json:"vertexC"`
}

type ratingDefPayload struct {
	NumberOfStars int `json:"numberOfStars"`
}

type selectDefPayload struct {
	Options []string `json:"options"`
}

// MarshalDefinition encodes a definition as (kind, payload).
func MarshalDefinition(def FieldDefinition) (string, []byte, error) {
	var payload any
	switch d := def.(type) {
	case DyadDefinition:
		payload = dyadDefPayload{SideA: d.SideA, SideB: d.SideB}
	case TriadDefinition:
		payload = triadDefPayload{VertexA: d.VertexA, VertexB: d.VertexB, VertexC: d.VertexC}
	case RatingDefinition:
		payload = ratingDefPayload{NumberOfStars: d.NumberOfStars}
	case SingleSelectDefinition:
		payload = selectDefPayload{Options: d.Options}
	case MultiSelectDefinition:
		payload = selectDefPayload{Options: d.Options}
	default:
		return "", nil, fmt.Errorf("marshal definition: unknown kind %T", def)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal definition: %w", err)
	}
	return string(def.Kind()), raw, nil
}

// UnmarshalDefinition decodes a (kind, payload) pair back into a validated
// definition.
func UnmarshalDefinition(kind string, payload []byte) (FieldDefinition, error) {
	switch FieldKind(kind) {
	case KindDyad:
		var p dyadDefPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal dyad definition: %w", err)
		}
		return NewDyadDefinition(p.SideA, p.SideB)
	case KindTriad:
		var p triadDefPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal triad definition: %w", err)
		}
		return NewTriadDefinition(p.VertexA, p.VertexB, p.VertexC)
	case KindRating:
		var p ratingDefPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal rating definition: %w", err)
		}
		def := RatingDefinition{NumberOfStars: p.NumberOfStars}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		return def, nil
	case KindSingleSelect:
		var p selectDefPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal select definition: %w", err)
		}
		return NewSingleSelectDefinition(p.Options)
	case KindMultiSelect:
		var p selectDefPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal multiselect definition: %w", err)
		}
		return NewMultiSelectDefinition(p.Options)
	default:
		return nil, fmt.Errorf("unmarshal definition: unknown kind %q", kind)
	}
}

type dyadValuePayload struct {
	Value float64 `json:"value"`
}

type triadValuePayload struct {
	VertexA float64 `json:"vertexA"`
	VertexB float64 `json:"vertexB"`
	VertexC float64 `json:"vertexC"`
}

type ratingValuePayload struct {
	Rating int `json:"rating"`
}

type singleSelectValuePayload struct {
	Option string `json:"option"`
}

type multiSelectValuePayload struct {
	Options []string `json:"options"`
}

// MarshalValue encodes a value as (kind, payload).
func MarshalValue(v AnnotationValue) (string, []byte, error) {
	var payload any
	switch value := v.(type) {
	case DyadValue:
		payload = dyadValuePayload{Value: value.Value}
	case TriadValue:
		payload = triadValuePayload{VertexA: value.VertexA, VertexB: value.VertexB, VertexC: value.VertexC}
	case RatingValue:
		payload = ratingValuePayload{Rating: value.Rating}
	case SingleSelectValue:
		payload = singleSelectValuePayload{Option: value.Option}
	case MultiSelectValue:
		payload = multiSelectValuePayload{Options: value.Options}
	default:
		return "", nil, fmt.Errorf("marshal value: unknown kind %T", v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal value: %w", err)
	}
	return string(v.Kind()), raw, nil
}

// UnmarshalValue decodes a stored value payload and revalidates it against
// the field's definition, so a corrupted row cannot reconstitute an invalid
// aggregate.
func UnmarshalValue(def FieldDefinition, kind string, payload []byte) (AnnotationValue, error) {
	if def == nil {
		return nil, &ValidationError{Field: "definition", Message: "field definition is required"}
	}
	if string(def.Kind()) != kind {
		return nil, fmt.Errorf("unmarshal value: kind %q does not match definition kind %q", kind, def.Kind())
	}
	var in ValueInput
	switch FieldKind(kind) {
	case KindDyad:
		var p dyadValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal dyad value: %w", err)
		}
		in.Value = &p.Value
	case KindTriad:
		var p triadValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal triad value: %w", err)
		}
		in.VertexA, in.VertexB, in.VertexC = &p.VertexA, &p.VertexB, &p.VertexC
	case KindRating:
		var p ratingValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal rating value: %w", err)
		}
		in.Rating = &p.Rating
	case KindSingleSelect:
		var p singleSelectValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal select value: %w", err)
		}
		in.Option = &p.Option
	case KindMultiSelect:
		var p multiSelectValuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal multiselect value: %w", err)
		}
		in.Options = p.Options
	default:
		return nil, fmt.Errorf("unmarshal value: unknown kind %q", kind)
	}
	return NewAnnotationValue(def, in)
}
