package sentryclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// fakeProcessor records processed items and drives them to a terminal
// state, standing in for the transport's send path.
type fakeProcessor struct {
	mu    sync.Mutex
	queue *envelopeQueue
	items []*queueItem

	// retryOnce parks each item once with an already-due retry time
	// before completing it, exercising the retry scheduler.
	retryOnce bool
	retried   map[*queueItem]bool
}

func (p *fakeProcessor) processItem(item *queueItem) {
	p.mu.Lock()
	p.items = append(p.items, item)
	if p.retryOnce && !p.retried[item] {
		if p.retried == nil {
			p.retried = make(map[*queueItem]bool)
		}
		p.retried[item] = true
		p.mu.Unlock()

		item.nextRetry = time.Now().Add(-time.Millisecond)
		if err := p.queue.enqueueRetry(item); err != nil {
			p.queue.done()
		}
		return
	}
	p.mu.Unlock()

	p.queue.done()
}

func (p *fakeProcessor) processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestQueue_DeliversToProcessor(t *testing.T) {
	queue := newEnvelopeQueue(&QueueOptions{BufferSize: 4, Workers: 1}, zap.NewNop(), nil)
	processor := &fakeProcessor{queue: queue}

	if err := queue.start(context.Background(), processor); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer queue.stop(context.Background())

	for i := 0; i < 3; i++ {
		if err := queue.enqueue(&queueItem{eventID: NewEventID()}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return processor.processed() == 3 })
	if !queue.drained() {
		t.Error("queue not drained after all items completed")
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	var evicted []EventID
	onEvict := func(item *queueItem) {
		evicted = append(evicted, item.eventID)
	}

	// No workers started, so the channel fills deterministically.
	queue := newEnvelopeQueue(&QueueOptions{BufferSize: 2, Workers: 1}, zap.NewNop(), onEvict)

	first := &queueItem{eventID: "first"}
	second := &queueItem{eventID: "second"}
	third := &queueItem{eventID: "third"}

	for _, item := range []*queueItem{first, second, third} {
		if err := queue.enqueue(item); err != nil {
			t.Fatalf("enqueue %s failed: %v", item.eventID, err)
		}
	}

	if len(evicted) != 1 || evicted[0] != "first" {
		t.Errorf("evicted = %v, want [first]", evicted)
	}
	if queue.length() != 2 {
		t.Errorf("queue length = %d, want 2", queue.length())
	}
	if queue.outstanding.Load() != 2 {
		t.Errorf("outstanding = %d, want 2", queue.outstanding.Load())
	}

	// The survivors are the two newest, in order.
	if got := <-queue.items; got.eventID != "second" {
		t.Errorf("head of queue = %s, want second", got.eventID)
	}
	if got := <-queue.items; got.eventID != "third" {
		t.Errorf("next in queue = %s, want third", got.eventID)
	}
}

func TestQueue_EnqueueAfterStop(t *testing.T) {
	queue := newEnvelopeQueue(&QueueOptions{BufferSize: 2, Workers: 1}, zap.NewNop(), nil)
	processor := &fakeProcessor{queue: queue}

	if err := queue.start(context.Background(), processor); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := queue.stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := queue.enqueue(&queueItem{eventID: "late"}); err != ErrQueueClosed {
		t.Errorf("enqueue after stop = %v, want ErrQueueClosed", err)
	}
	if err := queue.enqueueRetry(&queueItem{eventID: "late"}); err != ErrQueueClosed {
		t.Errorf("enqueueRetry after stop = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	queue := newEnvelopeQueue(&QueueOptions{BufferSize: 2, Workers: 1}, zap.NewNop(), nil)
	if err := queue.start(context.Background(), &fakeProcessor{queue: queue}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := queue.stop(context.Background()); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := queue.stop(context.Background()); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

func TestQueue_RetrySchedulerRedelivers(t *testing.T) {
	queue := newEnvelopeQueue(&QueueOptions{BufferSize: 4, Workers: 1}, zap.NewNop(), nil)
	processor := &fakeProcessor{queue: queue, retryOnce: true}

	if err := queue.start(context.Background(), processor); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer queue.stop(context.Background())

	if err := queue.enqueue(&queueItem{eventID: NewEventID()}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// One initial delivery plus one redelivery through the scheduler.
	waitFor(t, 2*time.Second, func() bool { return processor.processed() == 2 })
	waitFor(t, time.Second, func() bool { return queue.drained() })
}

// slowWriter stalls every log write, stretching a scheduler tick so the
// test can land stop in the middle of one.
type slowWriter struct{ delay time.Duration }

func (w slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	return len(p), nil
}

func TestQueue_StopDuringRetryTick(t *testing.T) {
	// The scheduler logs a warning for every due retry it cannot move
	// into the full main queue. A slow sink keeps one tick iteration
	// busy for hundreds of milliseconds, and stop must wait it out
	// instead of closing the channels under the sends.
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(slowWriter{delay: 20 * time.Millisecond}),
		zapcore.WarnLevel,
	)
	queue := newEnvelopeQueue(&QueueOptions{BufferSize: 4, Workers: 0}, zap.New(core), nil)

	if err := queue.start(context.Background(), &fakeProcessor{queue: queue}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// No workers, so the main queue fills and stays full.
	for i := 0; i < 4; i++ {
		if err := queue.enqueue(&queueItem{eventID: NewEventID()}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	// Park retries that are already due. The scheduler drains them into
	// its pending set between ticks.
	due := time.Now().Add(-time.Millisecond)
	for parked := 0; parked < 20; {
		err := queue.enqueueRetry(&queueItem{eventID: NewEventID(), nextRetry: due})
		switch err {
		case nil:
			parked++
		case ErrQueueFull:
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("enqueueRetry failed: %v", err)
		}
	}

	// Give the ticker time to fire and get stuck working through the
	// pending retries, then stop while that iteration is in flight.
	time.Sleep(250 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := queue.stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := queue.enqueue(&queueItem{eventID: "late"}); err != ErrQueueClosed {
		t.Errorf("enqueue after stop = %v, want ErrQueueClosed", err)
	}
}
