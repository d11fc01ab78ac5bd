// Package errs defines the typed failures that cross component boundaries.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// Stable labels returned by Kind.
const (
	KindSecurityViolation = "security_violation"
	KindBudgetExceeded    = "budget_exceeded"
	KindInferenceTimeout  = "inference_timeout"
	KindInferenceError    = "inference_error"
	KindTransportError    = "transport_error"
	KindValidationError   = "validation_error"
	KindCanceled          = "canceled"
	KindInternal          = "internal"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// SecurityViolation is raised when content bound for an external endpoint carries high-severity matches.
type SecurityViolation struct {
	Operation  string
	Detections []models.Detection
}

func (e *SecurityViolation) Error() string {
	names := make([]string, 0, len(e.Detections))
	for _, d := range e.Detections {
		names = append(names, d.Rule)
	}
	return fmt.Sprintf("security violation in %s: high-severity content matched [%s]", e.Operation, strings.Join(names, ","))
}

// BudgetExceeded is raised when a budget layer denies a reservation.
type BudgetExceeded struct {
	Tenant      string
	Tier        models.ModelTier
	Layer       string
	Reason      string
	Mitigations []string
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded for tenant %s (%s): %s", e.Tenant, e.Layer, e.Reason)
}

// InferenceError wraps failures of the inference endpoint.
type InferenceError struct {
	Model   string
	Timeout bool
	Err     error
}

func (e *InferenceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("inference call to %s timed out: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("inference call to %s failed: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// TransportError wraps failures delivering payloads to the escalation endpoint.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport to %s failed after %d attempts (status %d): %v", e.Endpoint, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport to %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is raised when model output or inbound payloads fail schema checks.
type ValidationError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Kind returns a stable label for err suitable for metrics and batch reports.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		sec *SecurityViolation
		bud *BudgetExceeded
		inf *InferenceError
		tr  *TransportError
		val *ValidationError
	)
	switch {
	case errors.As(err, &sec):
		return KindSecurityViolation
	case errors.As(err, &bud):
		return KindBudgetExceeded
	case errors.As(err, &inf):
		if inf.Timeout {
			return KindInferenceTimeout
		}
		return KindInferenceError
	case errors.As(err, &tr):
		return KindTransportError
	case errors.As(err, &val):
		return KindValidationError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindInternal
}
