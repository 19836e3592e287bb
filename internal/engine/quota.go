package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer counts the steps executed by one Drain call and enforces a
// maximum.
//
// Local and oblivious outbound messages feed back into the engine, so a
// catalogue whose steps keep posting to themselves would never let a drain
// finish. The quota turns that into an error instead of a hang.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check returns an error once the limit has been reached, so that the next
// step is not executed. It does not count anything.
func (q *QuotaEnforcer) Check() error {
	if q.current >= q.maxSteps {
		return &StepsExceededError{Steps: q.current, Limit: q.maxSteps}
	}
	return nil
}

// Record counts one executed step.
func (q *QuotaEnforcer) Record() {
	q.current++
}

// Current returns the current step count.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the maximum steps limit.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// StepsExceededError is returned when a drain has used its max steps quota
// and messages remain. The remaining queued messages stay queued.
type StepsExceededError struct {
	Steps int
	Limit int
}

// Error implements the error interface.
func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("max steps quota reached: %d steps, limit %d", e.Steps, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
