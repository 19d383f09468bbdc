package sentryclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Queue sentinels, surfaced internally and in diagnostics only; capture
// callers never see them.
var (
	ErrQueueClosed = errors.Str("envelope queue is closed")
	ErrQueueFull   = errors.Str("envelope queue is full")
)

// How often the retry scheduler wakes to move due items back onto the
// main queue.
const retryTick = 100 * time.Millisecond

// queueItem carries one serialized envelope through the delivery
// pipeline. Once enqueued it is owned by the transport; the item is in
// exactly one place at a time (main queue, retry list, or a worker).
type queueItem struct {
	payload     []byte
	category    Category
	eventID     EventID
	enqueuedAt  time.Time
	attempts    int
	requeues    int
	lastAttempt time.Time
	nextRetry   time.Time
}

// itemProcessor is what workers hand dequeued items to. The processor
// owns the terminal-state accounting.
type itemProcessor interface {
	processItem(item *queueItem)
}

// envelopeQueue is a bounded multi-producer queue with background
// workers and a retry scheduler. When full it evicts the oldest pending
// item rather than blocking the producer.
type envelopeQueue struct {
	items      chan *queueItem
	retryItems chan *queueItem
	config     *QueueOptions
	logger     *zap.Logger
	onEvict    func(item *queueItem)

	// Items accepted but not yet in a terminal state. Zero means the
	// pipeline is drained.
	outstanding atomic.Int64

	workers []context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// newEnvelopeQueue creates a queue. onEvict is called for items that
// lose their slot to newer ones.
func newEnvelopeQueue(config *QueueOptions, logger *zap.Logger, onEvict func(item *queueItem)) *envelopeQueue {
	retryBuffer := config.BufferSize / 2
	if retryBuffer < 1 {
		retryBuffer = 1
	}

	return &envelopeQueue{
		items:      make(chan *queueItem, config.BufferSize),
		retryItems: make(chan *queueItem, retryBuffer),
		config:     config,
		logger:     logger,
		onEvict:    onEvict,
	}
}

// start launches the worker goroutines and the retry scheduler.
func (q *envelopeQueue) start(ctx context.Context, processor itemProcessor) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	for i := 0; i < q.config.Workers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		q.workers = append(q.workers, cancel)

		q.wg.Add(1)
		go q.worker(workerCtx, i, processor)
	}

	retryCtx, retryCancel := context.WithCancel(ctx)
	q.workers = append(q.workers, retryCancel)
	q.wg.Add(1)
	go q.retryScheduler(retryCtx)

	return nil
}

// stop shuts the queue down, waiting for workers up to the context
// deadline. Items still in flight past the deadline are abandoned.
func (q *envelopeQueue) stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	for _, cancel := range q.workers {
		cancel()
	}

	close(q.items)
	close(q.retryItems)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Debug("Envelope queue stopped gracefully")
	case <-ctx.Done():
		q.logger.Warn("Envelope queue stopped with timeout")
	}

	return nil
}

// enqueue adds an item, evicting the oldest pending one when the queue
// is full. The returned error is ErrQueueClosed after stop, or
// ErrQueueFull in the rare case eviction lost the race to a refill.
func (q *envelopeQueue) enqueue(item *queueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		q.outstanding.Add(1)
		return nil
	default:
	}

	// Queue is full: drop the oldest item to make room.
	select {
	case oldest := <-q.items:
		q.outstanding.Add(-1)
		q.logger.Warn("Envelope queue is full, evicting oldest envelope",
			zap.String("evicted_event_id", string(oldest.eventID)),
			zap.String("event_id", string(item.eventID)))
		if q.onEvict != nil {
			q.onEvict(oldest)
		}
	default:
		// A worker emptied the queue in the meantime.
	}

	select {
	case q.items <- item:
		q.outstanding.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// enqueueRetry parks an already-owned item with the retry scheduler.
// The item stays outstanding; the caller handles a full scheduler.
func (q *envelopeQueue) enqueueRetry(item *queueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.retryItems <- item:
		return nil
	default:
		q.logger.Warn("Retry queue is full, dropping envelope",
			zap.String("event_id", string(item.eventID)))
		return ErrQueueFull
	}
}

// done marks one outstanding item terminal.
func (q *envelopeQueue) done() {
	q.outstanding.Add(-1)
}

// drained reports whether every accepted item has reached a terminal
// state.
func (q *envelopeQueue) drained() bool {
	return q.outstanding.Load() == 0
}

// length returns the number of items waiting on the main queue.
func (q *envelopeQueue) length() int {
	return len(q.items)
}

// worker pulls items and hands them to the processor one at a time.
func (q *envelopeQueue) worker(ctx context.Context, workerID int, processor itemProcessor) {
	defer q.wg.Done()

	logger := q.logger.With(zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			return

		case item, ok := <-q.items:
			if !ok {
				return
			}

			logger.Debug("Processing envelope",
				zap.String("event_id", string(item.eventID)),
				zap.String("category", string(item.category)),
				zap.Int("attempts", item.attempts))
			processor.processItem(item)
		}
	}
}

// retryScheduler owns the parked-item list, ticking and moving due
// items back onto the main queue.
func (q *envelopeQueue) retryScheduler(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	pending := make([]*queueItem, 0)

	for {
		select {
		case <-ctx.Done():
			return

		case item, ok := <-q.retryItems:
			if !ok {
				return
			}
			pending = append(pending, item)

		case <-ticker.C:
			now := time.Now()
			moved := 0

			// Sends below follow the same discipline as enqueue: the
			// closed flag is checked under the lock stop holds while
			// closing, so a move can never hit a closed channel.
			q.mu.RLock()
			if q.closed {
				q.mu.RUnlock()
				return
			}

			keep := pending[:0]
			for _, item := range pending {
				if now.After(item.nextRetry) {
					select {
					case q.items <- item:
						moved++
						continue
					default:
						q.logger.Warn("Main queue full, keeping envelope in retry queue",
							zap.String("event_id", string(item.eventID)))
					}
				}
				keep = append(keep, item)
			}
			q.mu.RUnlock()
			pending = keep

			if moved > 0 {
				q.logger.Debug("Moved envelopes from retry queue to main queue",
					zap.Int("count", moved))
			}
		}
	}
}
