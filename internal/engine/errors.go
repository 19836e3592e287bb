package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while handling a message.
//
// Runtime errors include:
//   - Operation cancelled: the stored state changed under the step
//   - Step failed: infrastructure failure inside a step; nothing committed
//   - Delivery failed: the step committed but an outbound post failed
//   - Quota exceeded: a drain executed more steps than allowed
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Family and InstanceUID identify the affected protocol instance.
	Family      string
	InstanceUID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeOperationCancelled indicates the composed load-execute-persist
	// operation was cancelled because its starting state no longer holds.
	ErrCodeOperationCancelled RuntimeErrorCode = "OPERATION_CANCELLED"

	// ErrCodeStepFailed indicates a transient failure inside a step.
	ErrCodeStepFailed RuntimeErrorCode = "STEP_FAILED"

	// ErrCodeDeliveryFailed indicates an outbound message could not be posted
	// after the state transition committed.
	ErrCodeDeliveryFailed RuntimeErrorCode = "DELIVERY_FAILED"

	// ErrCodeQuotaExceeded indicates a drain exceeded max steps.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.InstanceUID != "" {
		msg = fmt.Sprintf("%s (family=%s, instance=%s)", msg, e.Family, e.InstanceUID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsCancelledError returns true if the operation was cancelled by a
// concurrent state change. Uses errors.As to handle wrapped errors.
func IsCancelledError(err error) bool {
	return hasCode(err, ErrCodeOperationCancelled)
}

// IsStepError returns true if a step failed before committing.
func IsStepError(err error) bool {
	return hasCode(err, ErrCodeStepFailed)
}

// IsDeliveryError returns true if a committed step could not deliver an
// outbound message.
func IsDeliveryError(err error) bool {
	return hasCode(err, ErrCodeDeliveryFailed)
}

// IsQuotaError returns true if the error is a quota exceeded error.
// Matches both RuntimeError with ErrCodeQuotaExceeded and StepsExceededError.
func IsQuotaError(err error) bool {
	if hasCode(err, ErrCodeQuotaExceeded) {
		return true
	}
	var se *StepsExceededError
	return errors.As(err, &se)
}

func newCancelledError(family, uid string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeOperationCancelled,
		Message:     "stored state changed during step",
		Family:      family,
		InstanceUID: uid,
		Err:         cause,
	}
}

func newStepError(family, uid, step string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeStepFailed,
		Message:     fmt.Sprintf("step %s failed", step),
		Family:      family,
		InstanceUID: uid,
		Details:     map[string]string{"step": step},
		Err:         cause,
	}
}

func newDeliveryError(family, uid string, failed, total int, cause error) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeDeliveryFailed,
		Message:     fmt.Sprintf("%d of %d outbound messages not delivered", failed, total),
		Family:      family,
		InstanceUID: uid,
		Details: map[string]string{
			"failed": fmt.Sprintf("%d", failed),
			"total":  fmt.Sprintf("%d", total),
		},
		Err: cause,
	}
}

// NewQuotaError creates a RuntimeError for quota exceeded.
func NewQuotaError(steps, maxSteps int) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("drain reached max steps (%d of %d) with messages still queued", steps, maxSteps),
		Details: map[string]string{
			"steps":     fmt.Sprintf("%d", steps),
			"max_steps": fmt.Sprintf("%d", maxSteps),
		},
	}
}
