package sentryclient

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy decides whether and when a failed envelope is sent again.
type RetryPolicy struct {
	config *RetryOptions
	logger *zap.Logger
}

// NewRetryPolicy creates a retry policy.
func NewRetryPolicy(config *RetryOptions, logger *zap.Logger) *RetryPolicy {
	return &RetryPolicy{
		config: config,
		logger: logger,
	}
}

// ShouldRetry determines if an envelope gets another attempt.
func (rp *RetryPolicy) ShouldRetry(item *queueItem, err error) bool {
	if item.attempts >= rp.config.MaxAttempts {
		rp.logger.Error("Envelope exceeded max retry attempts",
			zap.String("event_id", string(item.eventID)),
			zap.Int("attempts", item.attempts),
			zap.Int("max_attempts", rp.config.MaxAttempts),
			zap.Error(err))

		return false
	}

	return true
}

// Backoff calculates the backoff duration for the given attempt count.
func (rp *RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return rp.config.InitialBackoff
	}

	// Exponential backoff with jitter
	backoff := float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempts-1))

	// Add jitter (±25% random variation)
	jitter := backoff * 0.25 * (2*rand.Float64() - 1)
	backoff += jitter

	duration := time.Duration(backoff)

	// Cap at maximum backoff
	if duration > rp.config.MaxBackoff {
		duration = rp.config.MaxBackoff
	}

	return duration
}

// Schedule counts a failed attempt and stamps the item with its next
// retry time.
func (rp *RetryPolicy) Schedule(item *queueItem, err error) {
	item.attempts++
	item.lastAttempt = time.Now()

	backoff := rp.Backoff(item.attempts)
	item.nextRetry = item.lastAttempt.Add(backoff)

	rp.logger.Debug("Scheduling envelope retry",
		zap.String("event_id", string(item.eventID)),
		zap.Int("attempt", item.attempts),
		zap.Duration("backoff", backoff),
		zap.Time("next_retry", item.nextRetry),
		zap.Error(err))
}

// Delay re-stamps the item without counting an attempt, used when a
// rate limit rather than a failure is holding it back.
func (rp *RetryPolicy) Delay(item *queueItem, until time.Time) {
	if until.Before(time.Now()) {
		until = time.Now().Add(rp.config.InitialBackoff)
	}
	item.nextRetry = until

	rp.logger.Debug("Delaying envelope for rate limit",
		zap.String("event_id", string(item.eventID)),
		zap.String("category", string(item.category)),
		zap.Time("next_retry", until))
}

// Due checks if an item is ready for its next attempt.
func (rp *RetryPolicy) Due(item *queueItem) bool {
	return time.Now().After(item.nextRetry)
}
