package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Transition-denial and concurrency error codes. All of these are recoverable
// by the caller; none is fatal to the instance — a denied transition leaves
// the instance exactly as it was.
const (
	ErrNoSuchTransition       = "NO_SUCH_TRANSITION"
	ErrGateFailed             = "GATE_FAILED"
	ErrConditionFailed        = "CONDITION_FAILED"
	ErrReasonRequired         = "REASON_REQUIRED"
	ErrInstanceNotActive      = "INSTANCE_NOT_ACTIVE"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrContextUnavailable     = "CONTEXT_UNAVAILABLE"
	ErrDuplicateInstance      = "DUPLICATE_INSTANCE"
)

// Template lifecycle error codes.
const (
	ErrTemplateNotActive = "TEMPLATE_NOT_ACTIVE"
	ErrTemplateInUse     = "TEMPLATE_IN_USE"
)

// ErrorEnvelope is the structured error returned by every engine operation.
// Denials carry enough detail for a caller or UI to explain precisely which
// gate or condition blocked progress.
type ErrorEnvelope struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Fields     []FieldError      `json:"fields,omitempty"`
	Gates      []GateResult      `json:"gates,omitempty"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the envelope code of err, or INTERNAL_ERROR for any other
// error value.
func CodeOf(err error) string {
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(fields []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Fields:  fields,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewNoSuchTransitionError returns a NO_SUCH_TRANSITION error.
func NewNoSuchTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoSuchTransition,
		Message: fmt.Sprintf("no transition declared from stage %q to stage %q", from, to),
	}
}

// NewGateFailedError returns a GATE_FAILED error carrying every gate result so
// the caller sees the full picture, not only the first failure.
func NewGateFailedError(gates []GateResult) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrGateFailed,
		Message: "one or more blocking gates on the current stage failed",
		Gates:   gates,
	}
}

// NewConditionFailedError returns a CONDITION_FAILED error carrying every
// condition result. Conditions are never short-circuited.
func NewConditionFailedError(conditions []ConditionResult) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrConditionFailed,
		Message:    "one or more transition conditions are not met",
		Conditions: conditions,
	}
}

// NewReasonRequiredError returns a REASON_REQUIRED error.
func NewReasonRequiredError(label string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrReasonRequired,
		Message: fmt.Sprintf("transition %q requires a non-empty reason", label),
	}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(id, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("instance %q is %s, not %s", id, status, InstanceStatusActive),
	}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
func NewConcurrentModificationError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("instance %q was modified concurrently; re-read and retry", id),
	}
}

// NewContextUnavailableError returns a CONTEXT_UNAVAILABLE error.
func NewContextUnavailableError(kind, id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrContextUnavailable,
		Message: fmt.Sprintf("entity context for %s/%s could not be resolved", kind, id),
	}
}

// NewDuplicateInstanceError returns a DUPLICATE_INSTANCE error.
func NewDuplicateInstanceError(templateID, entityID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDuplicateInstance,
		Message: fmt.Sprintf("an active instance of template %q already exists for entity %q", templateID, entityID),
	}
}

// NewTemplateNotActiveError returns a TEMPLATE_NOT_ACTIVE error.
func NewTemplateNotActiveError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateNotActive,
		Message: fmt.Sprintf("template %q is not active and may not start new instances", id),
	}
}

// NewTemplateInUseError returns a TEMPLATE_IN_USE error.
func NewTemplateInUseError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateInUse,
		Message: fmt.Sprintf("template %q is referenced by instances; structural changes are forbidden", id),
	}
}
