package sentryclient

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category is a server-side data category used for rate limiting.
type Category string

// Known data categories. CategoryAll is the pseudo-category a blanket
// limit is stored under.
const (
	CategoryAll         Category = "all"
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategorySession     Category = "session"
	CategoryAttachment  Category = "attachment"
	CategoryDefault     Category = "default"
)

// Applied when the server rate-limits us without a parseable duration.
const defaultRetryAfter = 60 * time.Second

// RateLimiter tracks per-category "blocked until" instants fed from
// response headers. Reads take only an RLock so the send path stays
// cheap.
type RateLimiter struct {
	mu      sync.RWMutex
	limits  map[Category]time.Time
	mapping map[string]Category
	logger  *zap.Logger
}

// NewRateLimiter creates a rate limiter. The mapping overlays the
// built-in envelope-item-type to category table.
func NewRateLimiter(mapping map[string]Category, logger *zap.Logger) *RateLimiter {
	merged := map[string]Category{
		itemTypeEvent:      CategoryError,
		itemTypeSession:    CategorySession,
		itemTypeAttachment: CategoryAttachment,
	}
	for itemType, category := range mapping {
		merged[itemType] = category
	}

	return &RateLimiter{
		limits:  make(map[Category]time.Time),
		mapping: merged,
		logger:  logger,
	}
}

// CategoryFor maps an envelope item type to its rate-limit category.
// Unknown types pass through as their own category, so a limit naming
// them still matches.
func (rl *RateLimiter) CategoryFor(itemType string) Category {
	if category, ok := rl.mapping[itemType]; ok {
		return category
	}
	if itemType == "" {
		return CategoryDefault
	}
	return Category(itemType)
}

// IsLimited checks whether the category is currently blocked, either
// directly or by a blanket limit.
func (rl *RateLimiter) IsLimited(category Category) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()

	if disabledUntil, exists := rl.limits[category]; exists && disabledUntil.After(now) {
		return true
	}
	if disabledUntil, exists := rl.limits[CategoryAll]; exists && disabledUntil.After(now) {
		return true
	}

	return false
}

// Deadline returns the instant the category becomes sendable again,
// zero when it is not limited.
func (rl *RateLimiter) Deadline(category Category) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := time.Now()
	var deadline time.Time

	if disabledUntil, exists := rl.limits[category]; exists && disabledUntil.After(now) {
		deadline = disabledUntil
	}
	if disabledUntil, exists := rl.limits[CategoryAll]; exists && disabledUntil.After(now) {
		if disabledUntil.After(deadline) {
			deadline = disabledUntil
		}
	}

	return deadline
}

// Update processes rate-limit headers from a response. X-Sentry-Rate-
// Limits wins over the plain Retry-After fallback.
func (rl *RateLimiter) Update(header http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if rateLimits := header.Get("X-Sentry-Rate-Limits"); rateLimits != "" {
		rl.parseRateLimitsHeader(rateLimits, now)
		return
	}

	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		rl.parseRetryAfterHeader(retryAfter, now)
	}
}

// ApplyDefault blocks a single category for the fallback duration. Used
// when the server said 429 but sent nothing parseable.
func (rl *RateLimiter) ApplyDefault(category Category) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limits[category] = time.Now().Add(defaultRetryAfter)
}

// parseRateLimitsHeader parses the X-Sentry-Rate-Limits header.
// Format: "retry_after:categories:scope:reason_code", comma-separated,
// categories semicolon-separated; an empty category list means all.
func (rl *RateLimiter) parseRateLimitsHeader(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		limit = strings.TrimSpace(limit)
		parts := strings.Split(limit, ":")

		if parts[0] == "" {
			continue
		}

		retryAfterSeconds, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			rl.logger.Warn("Failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
			retryAfterSeconds = int(defaultRetryAfter / time.Second)
		}

		retryAfter := now.Add(time.Duration(retryAfterSeconds) * time.Second)

		categoriesStr := ""
		if len(parts) > 1 {
			categoriesStr = strings.TrimSpace(parts[1])
		}
		if categoriesStr == "" {
			categoriesStr = string(CategoryAll)
		}

		for _, category := range strings.Split(categoriesStr, ";") {
			category = strings.TrimSpace(category)
			if category == "" {
				category = string(CategoryAll)
			}

			normalized := rl.CategoryFor(category)
			if category == string(CategoryAll) {
				normalized = CategoryAll
			}

			rl.limits[normalized] = retryAfter
			rl.logger.Warn("Rate limit applied",
				zap.String("category", string(normalized)),
				zap.Time("disabled_until", retryAfter),
				zap.Int("retry_after_seconds", retryAfterSeconds))
		}
	}
}

// parseRetryAfterHeader parses the Retry-After header, either delay
// seconds or an HTTP date. It carries no category, so the block is
// blanket.
func (rl *RateLimiter) parseRetryAfterHeader(header string, now time.Time) {
	header = strings.TrimSpace(header)

	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		retryAfter := now.Add(time.Duration(seconds) * time.Second)
		rl.limits[CategoryAll] = retryAfter
		rl.logger.Warn("Global rate limit applied via Retry-After header",
			zap.Time("disabled_until", retryAfter),
			zap.Int("retry_after_seconds", seconds))
		return
	}

	if retryTime, err := time.Parse(time.RFC1123, header); err == nil && retryTime.After(now) {
		rl.limits[CategoryAll] = retryTime
		rl.logger.Warn("Global rate limit applied via Retry-After header",
			zap.Time("disabled_until", retryTime))
		return
	}

	retryAfter := now.Add(defaultRetryAfter)
	rl.limits[CategoryAll] = retryAfter
	rl.logger.Warn("Failed to parse Retry-After header, using default",
		zap.String("header", header),
		zap.Time("disabled_until", retryAfter))
}

// CleanupExpired removes expired rate limits.
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for category, disabledUntil := range rl.limits {
		if !disabledUntil.After(now) {
			delete(rl.limits, category)
		}
	}
}

// Status returns a copy of the active limits, mainly for diagnostics.
func (rl *RateLimiter) Status() map[Category]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[Category]time.Time, len(rl.limits))
	for category, disabledUntil := range rl.limits {
		status[category] = disabledUntil
	}

	return status
}
