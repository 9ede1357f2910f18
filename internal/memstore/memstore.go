// Package memstore provides in-memory reference implementations of the
// repository ports. They keep deep copies on save and hand out deep copies on
// read, so a caller mutating an aggregate it still holds can never corrupt
// the stored state. Tests and local development use these in place of the
// Postgres store.
package memstore

import (
	"context"
	"sync"

	"margin/api/internal/domain"
)

// FieldStore is an in-memory AnnotationField repository.
type FieldStore struct {
	mu     sync.RWMutex
	fields map[domain.AnnotationFieldID]*domain.AnnotationField
}

func NewFieldStore() *FieldStore {
	return &FieldStore{fields: make(map[domain.AnnotationFieldID]*domain.AnnotationField)}
}

func (s *FieldStore) FindFieldByID(_ context.Context, id domain.AnnotationFieldID) (*domain.AnnotationField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.fields[id]
	if !ok {
		return nil, nil
	}
	return field.Clone(), nil
}

func (s *FieldStore) FindFieldByPublishedRecordID(_ context.Context, ref domain.PublishedRecordID) (*domain.AnnotationField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, field := range s.fields {
		if current, ok := field.PublishedRecordID(); ok && current.Key() == ref.Key() {
			return field.Clone(), nil
		}
	}
	return nil, nil
}

func (s *FieldStore) FindFieldByName(_ context.Context, curator domain.CuratorID, name string) (*domain.AnnotationField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, field := range s.fields {
		if field.CuratorID() == curator && field.Name().String() == name {
			return field.Clone(), nil
		}
	}
	return nil, nil
}

func (s *FieldStore) ListFieldsByCurator(_ context.Context, curator domain.CuratorID) ([]*domain.AnnotationField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AnnotationField
	for _, field := range s.fields {
		if field.CuratorID() == curator {
			out = append(out, field.Clone())
		}
	}
	return out, nil
}

func (s *FieldStore) SaveField(_ context.Context, field *domain.AnnotationField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[field.ID()] = field.Clone()
	return nil
}

func (s *FieldStore) DeleteField(_ context.Context, id domain.AnnotationFieldID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fields, id)
	return nil
}

// TemplateStore is an in-memory AnnotationTemplate repository.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[domain.AnnotationTemplateID]*domain.AnnotationTemplate
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[domain.AnnotationTemplateID]*domain.AnnotationTemplate)}
}

func (s *TemplateStore) FindTemplateByID(_ context.Context, id domain.AnnotationTemplateID) (*domain.AnnotationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return template.Clone(), nil
}

func (s *TemplateStore) FindTemplateByPublishedRecordID(_ context.Context, ref domain.PublishedRecordID) (*domain.AnnotationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, template := range s.templates {
		if current, ok := template.PublishedRecordID(); ok && current.Key() == ref.Key() {
			return template.Clone(), nil
		}
	}
	return nil, nil
}

func (s *TemplateStore) FindTemplateByName(_ context.Context, curator domain.CuratorID, name string) (*domain.AnnotationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, template := range s.templates {
		if template.CuratorID() == curator && template.Name().String() == name {
			return template.Clone(), nil
		}
	}
	return nil, nil
}

func (s *TemplateStore) ListTemplatesByCurator(_ context.Context, curator domain.CuratorID) ([]*domain.AnnotationTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AnnotationTemplate
	for _, template := range s.templates {
		if template.CuratorID() == curator {
			out = append(out, template.Clone())
		}
	}
	return out, nil
}

func (s *TemplateStore) SaveTemplate(_ context.Context, template *domain.AnnotationTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.ID()] = template.Clone()
	return nil
}

func (s *TemplateStore) DeleteTemplate(_ context.Context, id domain.AnnotationTemplateID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, id)
	return nil
}

// AnnotationStore is an in-memory Annotation repository.
type AnnotationStore struct {
	mu          sync.RWMutex
	annotations map[domain.AnnotationID]*domain.Annotation
}

func NewAnnotationStore() *AnnotationStore {
	return &AnnotationStore{annotations: make(map[domain.AnnotationID]*domain.Annotation)}
}

func (s *AnnotationStore) FindAnnotationByID(_ context.Context, id domain.AnnotationID) (*domain.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	annotation, ok := s.annotations[id]
	if !ok {
		return nil, nil
	}
	return annotation.Clone(), nil
}

func (s *AnnotationStore) FindAnnotationByPublishedRecordID(_ context.Context, ref domain.PublishedRecordID) (*domain.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, annotation := range s.annotations {
		if current, ok := annotation.PublishedRecordID(); ok && current.Key() == ref.Key() {
			return annotation.Clone(), nil
		}
	}
	return nil, nil
}

func (s *AnnotationStore) ListAnnotationsBySubject(_ context.Context, curator domain.CuratorID, subject domain.SubjectURI) ([]*domain.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Annotation
	for _, annotation := range s.annotations {
		if annotation.CuratorID() == curator && annotation.Subject() == subject {
			out = append(out, annotation.Clone())
		}
	}
	return out, nil
}

func (s *AnnotationStore) SaveAnnotation(_ context.Context, annotation *domain.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[annotation.ID()] = annotation.Clone()
	return nil
}

func (s *AnnotationStore) DeleteAnnotation(_ context.Context, id domain.AnnotationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.annotations, id)
	return nil
}
