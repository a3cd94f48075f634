package queue

import (
	"errors"
	"fmt"
)

// Kind classifies an error the runtime must act on.
type Kind int

const (
	KindConfiguration Kind = iota
	KindPermanent
	KindRetryable
	KindCancellation
	KindDeadline
	KindStorage
)

// Error is a classified execution error. Run functions and internal
// components wrap plain errors with NewPermanent/NewRetryable so the
// runtime's retry policy can inspect Kind without string matching.
type Error struct {
	Kind      Kind
	Code      string
	RetryAfter *durationHint
	Err       error
}

type durationHint struct {
	Millis int64
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewPermanent wraps err as a permanent execution error: the job fails
// immediately without retry.
func NewPermanent(code string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// NewRetryable wraps err as a transient execution error. retryAfterMillis,
// if > 0, overrides the runtime's computed backoff when larger.
func NewRetryable(code string, err error, retryAfterMillis int64) *Error {
	e := &Error{Kind: KindRetryable, Code: code, Err: err}
	if retryAfterMillis > 0 {
		e.RetryAfter = &durationHint{Millis: retryAfterMillis}
	}
	return e
}

// NewConfiguration wraps err as a configuration error: surfaced to the
// caller of Add; the job is never enqueued.
func NewConfiguration(err error) *Error {
	return &Error{Kind: KindConfiguration, Err: err}
}

// NewCancellation wraps err as a cancellation error: the job was aborted
// cooperatively via its CancelSignal and fails with ErrCodeAborted rather
// than retrying.
func NewCancellation(err error) *Error {
	return &Error{Kind: KindCancellation, Code: ErrCodeAborted, Err: err}
}

// IsPermanent reports whether err is tagged as a permanent execution error.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPermanent
}

// IsRetryable reports whether err is tagged as a retryable execution error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRetryable
}

// RetryAfterMillis returns the error-declared retry_after override, or 0 if
// none was set.
func RetryAfterMillis(err error) int64 {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter != nil {
		return e.RetryAfter.Millis
	}
	return 0
}

// ErrNotFound is returned by Storage.Complete and Storage.Abort (and by
// some backends' SaveProgress) when no job with the given id exists. Get
// and the other lookups report a missing job as (nil, nil) instead.
var ErrNotFound = errors.New("queue: job not found")
