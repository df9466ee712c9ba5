package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrConfigurationMissing = errors.New("calendar credentials are not configured")
	ErrTokenExpired         = errors.New("sync token expired")
	ErrInvalidLocalData     = errors.New("invalid local data")
	ErrNetworkUnavailable   = errors.New("network unavailable")
	ErrSyncInProgress       = errors.New("sync already in progress")
	ErrRecordNotFound       = errors.New("record not found")
)

// APIError is a non-success response of a remote service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// InvalidLocalData wraps a cause so that errors.Is(err, ErrInvalidLocalData) holds.
func InvalidLocalData(cause error) error {
	return fmt.Errorf("%w: %w", ErrInvalidLocalData, cause)
}

// IsRetryable reports whether an operation that failed with err may succeed later.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidLocalData),
		errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrConfigurationMissing),
		errors.Is(err, context.Canceled):
		return false
	default:
		// API errors, network failures, timeouts and unknown failures.
		return true
	}
}
