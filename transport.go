package sentryclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Transport delivers envelopes to the ingestion endpoint. Enqueue never
// blocks on network I/O; Flush is the only blocking call.
type Transport interface {
	Enqueue(envelope *Envelope) error
	Flush(timeout time.Duration) bool
	Close()
}

const (
	// Rate-limited items are requeued without counting an attempt, so
	// a cap keeps a permanently hostile server from looping forever.
	maxRateLimitRequeues = 5

	flushPollInterval   = 10 * time.Millisecond
	maintenanceInterval = 30 * time.Second
	closeFlushTimeout   = 2 * time.Second
	closeStopTimeout    = 1 * time.Second
)

// HTTPTransport ships envelopes over HTTP with a bounded queue,
// retries, and server-driven rate limiting.
type HTTPTransport struct {
	options *Options
	dsn     *DSN
	client  *http.Client
	logger  *zap.Logger
	limits  *RateLimiter
	retry   *RetryPolicy
	queue   *envelopeQueue
	metrics *metricsCollector
	reports *reportRecorder

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHTTPTransport creates a started transport from the options' DSN.
func NewHTTPTransport(options *Options) (*HTTPTransport, error) {
	const op = errors.Op("transport_init")

	options.InitDefaults()

	dsn, err := ParseDSN(options.DSN)
	if err != nil {
		return nil, errors.E(op, errors.Init, err)
	}

	return newHTTPTransport(dsn, options, options.Logger, newMetricsCollector(), newReportRecorder(clientReportInterval))
}

// newHTTPTransport wires a transport against externally owned metrics
// and report state, so the client and its transport share one view.
func newHTTPTransport(dsn *DSN, options *Options, logger *zap.Logger, metrics *metricsCollector, reports *reportRecorder) (*HTTPTransport, error) {
	const op = errors.Op("transport_init")

	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: options.HTTP.TLSSkipVerify, //nolint:gosec
		},
		DialContext: (&net.Dialer{
			Timeout: options.HTTP.ConnectTimeout,
		}).DialContext,
	}

	if options.HTTP.Proxy != "" {
		proxyURL, err := url.Parse(options.HTTP.Proxy)
		if err != nil {
			return nil, errors.E(op, errors.Init, err)
		}
		httpTransport.Proxy = http.ProxyURL(proxyURL)

		if options.HTTP.ProxyAuth != "" {
			httpTransport.ProxyConnectHeader = http.Header{
				"Proxy-Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(options.HTTP.ProxyAuth))},
			}
		}
	}

	t := &HTTPTransport{
		options: options,
		dsn:     dsn,
		client: &http.Client{
			Transport: httpTransport,
			Timeout:   options.HTTP.Timeout,
		},
		logger:  logger,
		limits:  NewRateLimiter(options.CategoryMapping, logger),
		retry:   NewRetryPolicy(&options.Retry, logger),
		metrics: metrics,
		reports: reports,
	}
	t.queue = newEnvelopeQueue(&options.Queue, logger, t.onEvict)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	if err := t.queue.start(ctx, t); err != nil {
		cancel()
		return nil, errors.E(op, errors.Serve, err)
	}

	t.wg.Add(1)
	go t.maintenanceLoop(ctx)

	return t, nil
}

// Enqueue serializes the envelope and puts it on the queue. It returns
// quickly in every case; a full queue costs the oldest pending envelope
// its slot, never the caller its time.
func (t *HTTPTransport) Enqueue(envelope *Envelope) error {
	const op = errors.Op("transport_enqueue")

	if envelope == nil || len(envelope.Items) == 0 {
		return errors.E(op, errors.Str("empty envelope"))
	}

	now := time.Now()
	item := &queueItem{
		payload:    envelope.Bytes(),
		category:   t.limits.CategoryFor(envelope.primaryType()),
		eventID:    envelope.EventID,
		enqueuedAt: now,
		nextRetry:  now,
	}

	if err := t.queue.enqueue(item); err != nil {
		t.metrics.IncEnvelopesDropped()
		t.reports.record(ReasonQueueOverflow, item.category, 1)
		return errors.E(op, err)
	}

	t.metrics.SetQueueLength(t.queue.length())

	return nil
}

// Flush blocks until every accepted envelope reached a terminal state
// or the timeout passed. True means fully drained.
func (t *HTTPTransport) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		if t.queue.drained() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Close makes a bounded final flush attempt and stops the workers.
// Idempotent and safe to call concurrently with Enqueue and Flush.
func (t *HTTPTransport) Close() {
	t.closeOnce.Do(func() {
		t.logger.Debug("Transport closing")

		t.Flush(closeFlushTimeout)
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), closeStopTimeout)
		defer cancel()
		t.queue.stop(ctx) //nolint:errcheck

		t.wg.Wait()
		t.client.CloseIdleConnections()
	})
}

// RateLimits exposes the live limiter state for diagnostics.
func (t *HTTPTransport) RateLimits() map[Category]time.Time {
	return t.limits.Status()
}

// onEvict accounts for an envelope that lost its queue slot.
func (t *HTTPTransport) onEvict(item *queueItem) {
	t.metrics.IncEnvelopesDropped()
	t.reports.record(ReasonQueueOverflow, item.category, 1)
}

// processItem drives one envelope through the delivery state machine.
// Exactly one terminal or requeue transition happens per call.
func (t *HTTPTransport) processItem(item *queueItem) {
	const op = errors.Op("transport_send")

	if t.limits.IsLimited(item.category) {
		t.logger.Warn("Envelope rate limited",
			zap.String("event_id", string(item.eventID)),
			zap.String("category", string(item.category)),
			zap.Time("disabled_until", t.limits.Deadline(item.category)))
		t.deferForRateLimit(item)
		return
	}

	resp, err := t.post(item)
	if err != nil {
		t.handleSendFailure(item, ReasonNetworkError, errors.E(op, errors.Network, err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.logger.Warn("Failed to read response body",
			zap.String("event_id", string(item.eventID)),
			zap.Error(err))
	}

	// Rate-limit headers may ride any response, not just a 429.
	t.limits.Update(resp.Header)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.metrics.IncEnvelopesSent()
		t.queue.done()
		t.logger.Info("Envelope sent successfully",
			zap.String("event_id", string(item.eventID)),
			zap.Int("status_code", resp.StatusCode))

	case resp.StatusCode == http.StatusTooManyRequests:
		if !t.limits.IsLimited(item.category) {
			t.limits.ApplyDefault(item.category)
		}
		t.logger.Warn("Server rate limited envelope",
			zap.String("event_id", string(item.eventID)),
			zap.String("category", string(item.category)),
			zap.Time("disabled_until", t.limits.Deadline(item.category)))
		t.deferForRateLimit(item)

	case resp.StatusCode >= 500:
		t.handleSendFailure(item, ReasonSendError,
			errors.E(op, errors.Network, errors.Errorf("HTTP %d: %s", resp.StatusCode, string(body))))

	default:
		// Remaining 4xx responses are permanent; retrying a rejected
		// envelope cannot succeed.
		t.logger.Error("Envelope rejected, dropping",
			zap.String("event_id", string(item.eventID)),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(body)))
		t.metrics.IncEnvelopesFailed()
		t.reports.record(ReasonSendError, item.category, 1)
		t.queue.done()
	}
}

// deferForRateLimit parks a rate-limited item until the block expires.
// The attempt count stays untouched; only the requeue cap bounds it.
func (t *HTTPTransport) deferForRateLimit(item *queueItem) {
	item.requeues++
	if item.requeues > maxRateLimitRequeues {
		t.logger.Warn("Envelope exceeded rate limit requeue cap, dropping",
			zap.String("event_id", string(item.eventID)),
			zap.String("category", string(item.category)),
			zap.Int("requeues", item.requeues))
		t.metrics.IncEnvelopesDropped()
		t.reports.record(ReasonRateLimitBackoff, item.category, 1)
		t.queue.done()
		return
	}

	t.retry.Delay(item, t.limits.Deadline(item.category))
	if err := t.queue.enqueueRetry(item); err != nil {
		t.metrics.IncEnvelopesDropped()
		t.reports.record(ReasonRateLimitBackoff, item.category, 1)
		t.queue.done()
		return
	}

	t.metrics.IncEnvelopesRateLimited()
}

// handleSendFailure schedules a retry for a transient failure, dropping
// the item once attempts are exhausted.
func (t *HTTPTransport) handleSendFailure(item *queueItem, reason DiscardReason, err error) {
	t.logger.Error("Envelope send failed",
		zap.String("event_id", string(item.eventID)),
		zap.Int("attempt", item.attempts+1),
		zap.Error(err))

	t.retry.Schedule(item, err)

	if !t.retry.ShouldRetry(item, err) {
		t.metrics.IncEnvelopesFailed()
		t.reports.record(reason, item.category, 1)
		t.queue.done()
		return
	}

	if qErr := t.queue.enqueueRetry(item); qErr != nil {
		t.metrics.IncEnvelopesFailed()
		t.reports.record(ReasonBufferOverflow, item.category, 1)
		t.queue.done()
		return
	}

	t.metrics.IncEnvelopesRetried()
}

// post sends the item's payload, piggybacking a pending client report
// when one is due.
func (t *HTTPTransport) post(item *queueItem) (*http.Response, error) {
	payload := item.payload
	if report := t.reports.takeIfDue(); report != nil {
		payload = appendItem(payload, ItemHeader{Type: itemTypeClientReport}, report)
	}

	req, err := t.createRequest(payload)
	if err != nil {
		return nil, err
	}

	return t.client.Do(req)
}

// createRequest builds the envelope POST with auth and an optional
// gzip body.
func (t *HTTPTransport) createRequest(payload []byte) (*http.Request, error) {
	var body io.Reader
	var contentEncoding string

	if !t.options.HTTP.DisableCompression {
		var buf bytes.Buffer
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(payload); err != nil {
			return nil, errors.Errorf("failed to compress payload: %v", err)
		}
		if err := gzipWriter.Close(); err != nil {
			return nil, errors.Errorf("failed to close gzip writer: %v", err)
		}
		body = &buf
		contentEncoding = "gzip"
	} else {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(http.MethodPost, t.dsn.EnvelopeURL, body)
	if err != nil {
		return nil, errors.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/x-sentry-envelope")
	req.Header.Set("User-Agent", clientString())
	req.Header.Set("X-Sentry-Auth", t.dsn.AuthHeader(clientString()))

	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	return req, nil
}

// maintenanceLoop garbage-collects expired rate limits and refreshes
// the queue length gauge.
func (t *HTTPTransport) maintenanceLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			t.limits.CleanupExpired()
			t.metrics.SetQueueLength(t.queue.length())
		}
	}
}

// NoopTransport swallows everything. It backs a disabled client so the
// capture path stays callable without a DSN.
type NoopTransport struct{}

// Enqueue discards the envelope.
func (NoopTransport) Enqueue(envelope *Envelope) error { return nil }

// Flush reports an always-empty queue as drained.
func (NoopTransport) Flush(timeout time.Duration) bool { return true }

// Close does nothing.
func (NoopTransport) Close() {}
