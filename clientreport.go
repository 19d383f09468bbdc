package sentryclient

import (
	"encoding/json"
	"sync"
	"time"
)

// DiscardReason says why the SDK dropped an item instead of delivering
// it. The values are the ones the ingestion endpoint understands.
type DiscardReason string

const (
	// ReasonQueueOverflow indicates the transport queue was full.
	ReasonQueueOverflow DiscardReason = "queue_overflow"

	// ReasonBufferOverflow indicates that an internal buffer was full.
	ReasonBufferOverflow DiscardReason = "buffer_overflow"

	// ReasonRateLimitBackoff indicates the item was dropped due to rate limiting.
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"

	// ReasonBeforeSend indicates the item was dropped by the BeforeSend callback.
	ReasonBeforeSend DiscardReason = "before_send"

	// ReasonSampleRate indicates the item was dropped due to sampling.
	ReasonSampleRate DiscardReason = "sample_rate"

	// ReasonNetworkError indicates an HTTP request failed (connection error).
	ReasonNetworkError DiscardReason = "network_error"

	// ReasonSendError indicates HTTP returned an error status (4xx, 5xx).
	ReasonSendError DiscardReason = "send_error"

	// ReasonInternalError indicates an internal SDK error, such as a
	// payload that had to be sanitized before serializing.
	ReasonInternalError DiscardReason = "internal_sdk_error"
)

// A client report leaves at most once per interval, riding on the next
// outgoing envelope.
const clientReportInterval = 30 * time.Second

type reportKey struct {
	reason   DiscardReason
	category Category
}

type discardedEvent struct {
	Reason   DiscardReason `json:"reason"`
	Category Category      `json:"category"`
	Quantity int64         `json:"quantity"`
}

type clientReport struct {
	Timestamp       time.Time        `json:"timestamp"`
	DiscardedEvents []discardedEvent `json:"discarded_events"`
}

// reportRecorder tallies discarded items so the server can account for
// data the SDK never delivered. Recording is cheap and lossy by design:
// reports never generate their own network traffic.
type reportRecorder struct {
	mu       sync.Mutex
	counts   map[reportKey]int64
	lastSent time.Time
	interval time.Duration
}

func newReportRecorder(interval time.Duration) *reportRecorder {
	return &reportRecorder{
		counts:   make(map[reportKey]int64),
		lastSent: time.Now(),
		interval: interval,
	}
}

// record adds quantity discarded items for the reason and category.
func (r *reportRecorder) record(reason DiscardReason, category Category, quantity int64) {
	if quantity <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts[reportKey{reason: reason, category: category}] += quantity
}

// takeIfDue returns the serialized report and resets the tally when the
// interval elapsed and something was discarded, nil otherwise.
func (r *reportRecorder) takeIfDue() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.counts) == 0 || time.Since(r.lastSent) < r.interval {
		return nil
	}

	report := clientReport{
		Timestamp:       time.Now().UTC(),
		DiscardedEvents: make([]discardedEvent, 0, len(r.counts)),
	}
	for key, quantity := range r.counts {
		report.DiscardedEvents = append(report.DiscardedEvents, discardedEvent{
			Reason:   key.reason,
			Category: key.category,
			Quantity: quantity,
		})
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil
	}

	r.counts = make(map[reportKey]int64)
	r.lastSent = time.Now()

	return payload
}

// pending returns a copy of the unsent tally, for diagnostics and
// tests.
func (r *reportRecorder) pending() map[reportKey]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[reportKey]int64, len(r.counts))
	for key, quantity := range r.counts {
		snapshot[key] = quantity
	}

	return snapshot
}
