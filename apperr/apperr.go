// Package apperr defines the error taxonomy shared by the orchestrator, the
// promotion engine and the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error category returned to callers.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not_found"
	KindNotReady         Kind = "not_ready"
	KindGateway          Kind = "gateway"
	KindTransientNetwork Kind = "transient_network"
	KindPromotion        Kind = "promotion"
	KindInternal         Kind = "internal"
)

// Kinder is implemented by every typed error in this module, including the
// gateway client's errors.
type Kinder interface {
	Kind() Kind
}

// ValidationError reports a rejected configuration or request body. Nothing is
// persisted when one is returned.
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

func (e *ValidationError) Kind() Kind { return KindValidation }

// Validation is shorthand for &ValidationError{...}.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing job, model or dataset. Jobs owned by another
// actor are reported as not found as well.
type NotFoundError struct {
	Resource string
	ID       interface{}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

func NotFound(resource string, id interface{}) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// NotReadyError is returned when results are requested before the job completed.
type NotReadyError struct {
	JobID  uint
	Status string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("training job %d is %s, results are not available yet", e.JobID, e.Status)
}

func (e *NotReadyError) Kind() Kind { return KindNotReady }

// UnauthorizedError is returned by the boundary when no actor identity is present.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

func (e *UnauthorizedError) Kind() Kind { return KindUnauthorized }

// PromotionError wraps any failure of a save or overwrite. The transaction it
// describes has been rolled back.
type PromotionError struct {
	Op    string
	JobID uint
	Err   error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("%s for job %d failed: %v", e.Op, e.JobID, e.Err)
}

func (e *PromotionError) Unwrap() error { return e.Err }

func (e *PromotionError) Kind() Kind { return KindPromotion }

// KindOf returns the kind of the outermost typed error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code used by the boundary handlers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindNotReady:
		return http.StatusConflict
	case KindGateway:
		return http.StatusBadGateway
	case KindTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsExpected reports whether err belongs to the caller-facing kinds that are
// handled locally and never logged as incidents.
func IsExpected(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotReady, KindNotFound, KindUnauthorized:
		return true
	}
	return false
}
