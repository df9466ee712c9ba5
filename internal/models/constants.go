package models

import "time"

const (
	// DefaultMaxRetries after which a pending operation is discarded.
	DefaultMaxRetries = 5

	// DefaultStaleAfter is the age after which a pending operation is evicted.
	DefaultStaleAfter = 7 * 24 * time.Hour

	// DefaultRequestTimeout bounds every remote call.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultForegroundGate is the minimum gap between foreground-triggered syncs.
	DefaultForegroundGate = 5 * time.Minute

	// TokenRefreshWindow is how close to expiry an access token is refreshed.
	TokenRefreshWindow = 5 * time.Minute

	// DateKeyLayout renders the date-only part of a timestamp.
	DateKeyLayout = "2006-01-02"
)
