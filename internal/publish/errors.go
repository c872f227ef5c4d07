package publish

import "errors"

// Sink failures come in two classes. Transient failures (network trouble,
// downstream overload) are retried with the same batch. Permanent failures
// (payload rejected) discard the batch after logging and counting it.
// Classification is the sink's duty; unclassified errors count as transient
// because retrying is the safe default for at-least-once delivery.

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks err as non-retryable. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
