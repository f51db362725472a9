package queue

import "errors"

var (
	// ErrItemNotFound is returned when a queue item cannot be found in the database
	ErrItemNotFound = errors.New("queue item not found")

	// ErrItemAlreadyClaimed is returned when attempting to claim an item that's already claimed
	ErrItemAlreadyClaimed = errors.New("item already claimed or not in pending status")

	// ErrDuplicateItem is returned when a live item with the same dedup key already exists
	ErrDuplicateItem = errors.New("duplicate item for dedup key")

	// ErrInvalidPayload is returned when the item payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid item payload")

	// ErrUnknownQueue is returned when no pipeline is registered for a queue name
	ErrUnknownQueue = errors.New("unknown queue")
)

// PermanentError wraps failures that retrying cannot fix (missing required
// payload fields, malformed upstream responses). The dispatcher moves the
// item straight to failed regardless of attempts remaining.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
