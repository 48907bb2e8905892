package lifecycle

import (
	"errors"
	"fmt"

	"postqueue/internal/platform"
	"postqueue/internal/storage"
)

var (
	ErrEmptyBody        = errors.New("post body is empty")
	ErrEmptyPlatformSet = errors.New("post has no target platforms")
	ErrContentTooLong   = errors.New("content too long")
	ErrAlreadySent      = errors.New("post already sent to a platform")
	ErrInvalidStatus    = errors.New("invalid status")

	ErrUnknownPlatform = platform.ErrUnknownPlatform
	ErrNotFound        = storage.ErrNotFound
	ErrTaskInFlight    = storage.ErrTaskInFlight
	ErrNotRetryable    = storage.ErrNotRetryable
)

// ContentTooLongError names the first platform whose limit the body exceeds.
type ContentTooLongError struct {
	Platform string
	Limit    int
	Length   int
}

func (e *ContentTooLongError) Error() string {
	return fmt.Sprintf("content too long for %s: %d characters, limit %d", e.Platform, e.Length, e.Limit)
}

func (e *ContentTooLongError) Is(target error) bool { return target == ErrContentTooLong }

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyBody) ||
		errors.Is(err, ErrEmptyPlatformSet) ||
		errors.Is(err, ErrContentTooLong) ||
		errors.Is(err, ErrUnknownPlatform) ||
		errors.Is(err, ErrInvalidStatus)
}

// IsConflict reports whether err rejects an operation because of the current
// task states.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTaskInFlight) || errors.Is(err, ErrAlreadySent) || errors.Is(err, ErrNotRetryable)
}
