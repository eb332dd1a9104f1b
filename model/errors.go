package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Traversal error codes.
const (
	ErrInvalidFlow   = "INVALID_FLOW"
	ErrInvalidStep   = "INVALID_STEP"
	ErrRunNotFound   = "RUN_NOT_FOUND"
	ErrFlowNotFound  = "FLOW_NOT_FOUND"
	ErrStepNotFound  = "STEP_NOT_FOUND"
	ErrInvalidReview = "INVALID_REVIEW"
)

// ErrorEnvelope is the standard error returned by the service. It implements
// the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" if err does not
// wrap an ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidFlowError reports a flow that cannot be started.
func NewInvalidFlowError(flowID, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidFlow,
		Message: fmt.Sprintf("cannot begin assessment for flow %q: %s", flowID, reason),
	}
}

// NewInvalidStepError reports a submission for a step the run is not
// positioned at. Callers should refetch the run and retry.
func NewInvalidStepError(runID, submitted, current string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code: ErrInvalidStep,
		Message: fmt.Sprintf("run %q is positioned at step %q, not %q",
			runID, current, submitted),
	}
}

// NewRunNotFoundError reports an unknown run id.
func NewRunNotFoundError(runID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRunNotFound, Message: fmt.Sprintf("run %q not found", runID)}
}

// NewFlowNotFoundError reports an unknown flow id.
func NewFlowNotFoundError(flowID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrFlowNotFound, Message: fmt.Sprintf("flow %q not found", flowID)}
}

// NewStepNotFoundError reports an unknown step id.
func NewStepNotFoundError(stepID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepNotFound, Message: fmt.Sprintf("step %q not found", stepID)}
}

// NewInvalidReviewError reports a reviewer action that the run's status does
// not allow.
func NewInvalidReviewError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidReview, Message: msg}
}

// NewRunClosedError reports a submission to a run that is no longer in
// progress. It shares the INVALID_STEP code with position mismatches.
func NewRunClosedError(runID string, status RunStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidStep,
		Message: fmt.Sprintf("run %q is %s and accepts no further submissions", runID, status),
	}
}

// NewRunLockedError reports a run that another submission is updating.
func NewRunLockedError(runID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConflict,
		Message: fmt.Sprintf("run %q is being updated by another request", runID),
	}
}
