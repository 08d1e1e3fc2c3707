package models

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing caller input. It is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// StorageError reports an unavailable store or a violated constraint. Callers
// may retry with backoff.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a targeted operation on an absent device or alert
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError reports an explicit create of a resource that already exists
type ConflictError struct {
	Resource string
	ID       string
}

func NewConflictError(resource, id string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

// Pipeline stages
const (
	StageValidate = "validate"
	StageDevice   = "ensure_device"
	StageReading  = "store_reading"
	StageAlerts   = "store_alerts"
)

// PipelineError wraps any failure surfaced by the ingestion entry point
type PipelineError struct {
	Stage string
	Err   error
}

func NewPipelineError(stage string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// PublicMessage returns a message safe to show to API callers. Storage
// details never leak.
func (e *PipelineError) PublicMessage() string {
	var ve *ValidationError
	if errors.As(e.Err, &ve) {
		return ve.Reason
	}
	switch e.Stage {
	case StageDevice:
		return "failed to register device"
	case StageReading:
		return "failed to store reading"
	case StageAlerts:
		return "failed to store alerts"
	default:
		return "failed to process reading"
	}
}

// IsValidation reports whether err carries a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err carries a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err carries a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
