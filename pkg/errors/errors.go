package errors

import (
	"errors"
	"fmt"
)

var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrCourseNotFound      = errors.New("course not found")
	ErrInvalidContext      = errors.New("invalid context")
	ErrNoGradeAvailable    = errors.New("no grade available")
	ErrGradeOutOfRange     = errors.New("grade out of range")
	ErrInvalidBackupOption = errors.New("invalid backup option")
	ErrRestorePrecheck     = errors.New("restore precheck failed")
	ErrEnrolmentNotStarted = errors.New("enrolment has not started")
	ErrEnrolmentFinished   = errors.New("enrolment has finished")
	ErrMaxEnrolledReached  = errors.New("maximum number of enrolled users reached")
	ErrDeliveryRejected    = errors.New("remote system rejected the delivery")
	ErrRemoteStatus        = errors.New("remote system reported an error status")
	ErrUnparseableResponse = errors.New("unparseable remote response")
	ErrNoSelectedUsers     = errors.New("no users selected for forced sync")
)

type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s",
		e.Field, e.Value, e.Message)
}

type RetryableError struct {
	Err     error
	Message string
}

func (e RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %s - %s", e.Message, e.Err.Error())
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error, message string) error {
	return RetryableError{
		Err:     err,
		Message: message,
	}
}

// PrecheckError aggregates the errors and warnings reported by a restore
// precheck into a single failure the caller can surface verbatim.
type PrecheckError struct {
	Errors   []string
	Warnings []string
}

func (e PrecheckError) Error() string {
	info := ""
	for _, msg := range e.Errors {
		info += msg
	}
	for _, msg := range e.Warnings {
		info += msg
	}
	return fmt.Sprintf("restore precheck failed: %s", info)
}

func (e PrecheckError) Unwrap() error {
	return ErrRestorePrecheck
}
