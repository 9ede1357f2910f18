package app

import (
	"fmt"

	"margin/api/internal/domain"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// PersistenceError wraps a failed local store call. The use case aborts
// before any remote publish is attempted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PublishError wraps a failed remote repository call. The local aggregate
// stays in Draft; no synthetic published id is ever attached.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish: %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ReconciliationWarning reports a non-fatal partial failure: the local change
// already succeeded but a remote unpublish of a superseded or deleted record
// did not. It rides along in the result payload, never as an error.
type ReconciliationWarning struct {
	Ref    domain.PublishedRecordID `json:"ref"`
	Reason string                   `json:"reason"`
}

func (w *ReconciliationWarning) Message() string {
	return fmt.Sprintf("remote record %s could not be removed: %s", w.Ref, w.Reason)
}
