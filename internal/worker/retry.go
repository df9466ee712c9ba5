package worker

import (
	"math"
	"time"

	"duet/internal/models"
)

// RetryPolicy defines exponential backoff and retention of pending operations.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	StaleAfter    time.Duration
}

// DefaultRetryPolicy waits 2^n seconds after the n-th failure, gives up after
// five failures and prunes anything older than a week.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    models.DefaultMaxRetries,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		StaleAfter:    models.DefaultStaleAfter,
	}
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if r.MaxRetries <= 0 {
		r.MaxRetries = def.MaxRetries
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = def.InitialDelay
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = def.BackoffFactor
	}
	if r.StaleAfter <= 0 {
		r.StaleAfter = def.StaleAfter
	}
	return r
}

// NextDelay returns the wait that must follow the retryCount-th failure.
func (r RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	r = r.withDefaults()

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(retryCount))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = r.InitialDelay
	}
	return d
}

// CanRetryNow reports whether op is outside its backoff window at now.
// An operation that never failed is always eligible.
func (r RetryPolicy) CanRetryNow(op models.PendingOperation, now time.Time) bool {
	if op.LastRetryAt == nil {
		return true
	}
	return !now.Before(op.LastRetryAt.Add(r.NextDelay(op.RetryCount)))
}

// IsStale reports whether op outlived the retention window.
func (r RetryPolicy) IsStale(op models.PendingOperation, now time.Time) bool {
	return now.Sub(op.CreatedAt) > r.withDefaults().StaleAfter
}

// IsExhausted reports whether op used up its retry budget.
func (r RetryPolicy) IsExhausted(op models.PendingOperation) bool {
	return op.RetryCount >= r.withDefaults().MaxRetries
}
