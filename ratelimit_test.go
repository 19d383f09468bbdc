package sentryclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRateLimiter() *RateLimiter {
	return NewRateLimiter(nil, zap.NewNop())
}

func headerWith(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}

func TestRateLimiter_SentryRateLimitsHeader(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("X-Sentry-Rate-Limits", "60:error;transaction:org"))

	assert.True(t, rl.IsLimited(CategoryError))
	assert.True(t, rl.IsLimited(CategoryTransaction))
	assert.False(t, rl.IsLimited(CategorySession))

	deadline := rl.Deadline(CategoryError)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), deadline, 2*time.Second)
}

func TestRateLimiter_EmptyCategoriesMeansAll(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("X-Sentry-Rate-Limits", "10::org"))

	assert.True(t, rl.IsLimited(CategoryError))
	assert.True(t, rl.IsLimited(CategorySession))
	assert.True(t, rl.IsLimited(Category("anything")))
}

func TestRateLimiter_MultipleGroups(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("X-Sentry-Rate-Limits", "60:error:org, 120:session:project"))

	require.True(t, rl.IsLimited(CategoryError))
	require.True(t, rl.IsLimited(CategorySession))
	assert.False(t, rl.IsLimited(CategoryTransaction))

	// The session block lasts longer than the error block.
	assert.True(t, rl.Deadline(CategorySession).After(rl.Deadline(CategoryError)))
}

func TestRateLimiter_MalformedRetryAfterFallsBack(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("X-Sentry-Rate-Limits", "soon:error:org"))

	assert.True(t, rl.IsLimited(CategoryError))
	assert.WithinDuration(t, time.Now().Add(defaultRetryAfter), rl.Deadline(CategoryError), 2*time.Second)
}

func TestRateLimiter_RetryAfterSeconds(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("Retry-After", "5"))

	// Retry-After carries no category, so the block is blanket.
	assert.True(t, rl.IsLimited(CategoryError))
	assert.True(t, rl.IsLimited(CategorySession))
	assert.WithinDuration(t, time.Now().Add(5*time.Second), rl.Deadline(CategoryError), time.Second)
}

func TestRateLimiter_RetryAfterHTTPDate(t *testing.T) {
	rl := newTestRateLimiter()
	until := time.Now().Add(30 * time.Second).UTC()
	rl.Update(headerWith("Retry-After", until.Format(time.RFC1123)))

	assert.True(t, rl.IsLimited(CategoryError))
	assert.WithinDuration(t, until, rl.Deadline(CategoryError), 2*time.Second)
}

func TestRateLimiter_RetryAfterGarbage(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("Retry-After", "eventually"))

	assert.True(t, rl.IsLimited(CategoryError))
	assert.WithinDuration(t, time.Now().Add(defaultRetryAfter), rl.Deadline(CategoryError), 2*time.Second)
}

func TestRateLimiter_SentryHeaderWinsOverRetryAfter(t *testing.T) {
	rl := newTestRateLimiter()
	h := http.Header{}
	h.Set("X-Sentry-Rate-Limits", "60:error:org")
	h.Set("Retry-After", "120")
	rl.Update(h)

	assert.True(t, rl.IsLimited(CategoryError))
	assert.False(t, rl.IsLimited(CategorySession), "Retry-After must be ignored when the rate-limits header is present")
}

func TestRateLimiter_NoHeadersNoLimits(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(http.Header{})

	assert.False(t, rl.IsLimited(CategoryError))
	assert.True(t, rl.Deadline(CategoryError).IsZero())
}

func TestRateLimiter_CategoryFor(t *testing.T) {
	rl := newTestRateLimiter()

	assert.Equal(t, CategoryError, rl.CategoryFor(itemTypeEvent))
	assert.Equal(t, CategorySession, rl.CategoryFor(itemTypeSession))
	assert.Equal(t, CategoryAttachment, rl.CategoryFor(itemTypeAttachment))
	assert.Equal(t, CategoryDefault, rl.CategoryFor(""))

	// Unknown types pass through so server limits naming them match.
	assert.Equal(t, Category("profile"), rl.CategoryFor("profile"))
}

func TestRateLimiter_CustomMapping(t *testing.T) {
	rl := NewRateLimiter(map[string]Category{
		"check_in": CategoryDefault,
		"event":    CategoryTransaction,
	}, zap.NewNop())

	assert.Equal(t, CategoryDefault, rl.CategoryFor("check_in"))
	// User mapping overrides the built-in table.
	assert.Equal(t, CategoryTransaction, rl.CategoryFor(itemTypeEvent))
}

func TestRateLimiter_ApplyDefault(t *testing.T) {
	rl := newTestRateLimiter()
	rl.ApplyDefault(CategoryError)

	assert.True(t, rl.IsLimited(CategoryError))
	assert.False(t, rl.IsLimited(CategorySession))
}

func TestRateLimiter_CleanupExpired(t *testing.T) {
	rl := newTestRateLimiter()
	rl.Update(headerWith("X-Sentry-Rate-Limits", "0:error:org"))
	rl.ApplyDefault(CategorySession)

	// A zero-second block expires instantly but stays in the table
	// until maintenance sweeps it.
	require.Len(t, rl.Status(), 2)
	assert.False(t, rl.IsLimited(CategoryError))

	rl.CleanupExpired()

	status := rl.Status()
	require.Len(t, status, 1)
	assert.Contains(t, status, CategorySession)
}
