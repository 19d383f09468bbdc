package sentryclient

import (
	stderrors "errors"
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Client owns the capture pipeline: it samples and filters events,
// merges them with scope state, builds envelopes, and hands them to the
// transport. Nothing in the pipeline ever surfaces an error to the
// capture caller.
type Client struct {
	options   Options
	dsn       *DSN
	transport Transport
	logger    *zap.Logger
	metrics   *metricsCollector
	reports   *reportRecorder
}

// NewClient builds a client from options. An empty DSN yields a
// disabled client whose captures are no-ops; a malformed DSN is the
// only fatal condition.
func NewClient(options Options) (*Client, error) {
	const op = errors.Op("client_init")

	options.InitDefaults()
	if err := options.Validate(); err != nil {
		return nil, errors.E(op, errors.Init, err)
	}

	c := &Client{
		options: options,
		logger:  options.Logger,
		metrics: newMetricsCollector(),
		reports: newReportRecorder(clientReportInterval),
	}

	if options.DSN == "" {
		c.transport = NoopTransport{}
		c.logger.Info("No DSN configured, transmission disabled")
		return c, nil
	}

	dsn, err := ParseDSN(options.DSN)
	if err != nil {
		return nil, errors.E(op, errors.Init, err)
	}
	c.dsn = dsn

	if options.Transport != nil {
		c.transport = options.Transport
	} else {
		transport, err := newHTTPTransport(dsn, &c.options, c.logger, c.metrics, c.reports)
		if err != nil {
			return nil, errors.E(op, err)
		}
		c.transport = transport
	}

	c.logger.Debug("Client initialized",
		zap.String("dsn", dsn.String()),
		zap.String("environment", options.Environment),
		zap.String("release", options.Release))

	return c, nil
}

// enabled reports whether captures are delivered anywhere.
func (c *Client) enabled() bool {
	return c.dsn != nil
}

// CaptureEvent runs an event through the capture pipeline, merging the
// given scope snapshot. It always returns a well-formed event id, even
// when the event is sampled out, filtered, or the client is disabled.
func (c *Client) CaptureEvent(event *Event, scope *Scope) EventID {
	return c.captureEvent(event, scope, nil)
}

// CaptureMessage captures a plain text message at the given level,
// merging the given scope snapshot. A nil scope captures bare.
func (c *Client) CaptureMessage(message string, level Level, scope *Scope) EventID {
	return c.captureEvent(c.eventFromMessage(message, level), scope, nil)
}

// CaptureException captures an error with its unwrap chain, merging the
// given scope snapshot. A nil scope captures bare.
func (c *Client) CaptureException(err error, scope *Scope) EventID {
	return c.captureEvent(c.eventFromException(err, LevelError), scope, nil)
}

func (c *Client) captureEvent(event *Event, scope *Scope, session *Session) EventID {
	if event == nil {
		c.logger.Warn("CaptureEvent called with nil event")
		return ""
	}

	// Ids and timestamps are assigned before any drop decision so a
	// discarded capture still hands back a usable id.
	if event.EventID == "" {
		event.EventID = NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if !c.enabled() {
		return event.EventID
	}

	if rate := *c.options.SampleRate; rate < 1.0 {
		if rate <= 0 || rand.Float64() >= rate {
			c.metrics.IncDiscarded(ReasonSampleRate)
			c.reports.record(ReasonSampleRate, CategoryError, 1)
			c.logger.Debug("Event dropped by sample rate",
				zap.String("event_id", string(event.EventID)),
				zap.Float64("sample_rate", rate))
			return event.EventID
		}
	}

	if scope != nil {
		scope.applyToEvent(event, c.options.MaxBreadcrumbs)
	}
	c.applyDefaults(event)

	if c.options.BeforeSend != nil {
		processed := c.options.BeforeSend(event)
		if processed == nil {
			c.metrics.IncDiscarded(ReasonBeforeSend)
			c.reports.record(ReasonBeforeSend, CategoryError, 1)
			c.logger.Debug("Event dropped by before-send callback",
				zap.String("event_id", string(event.EventID)))
			return event.EventID
		}
		event = processed
	}

	var sessionUpdate *Session
	if session != nil {
		sessionUpdate = session.UpdateFromEvent(event)
	}

	envelope := NewEnvelope(c.dsn.String())
	if sanitized := envelope.AddEvent(event); sanitized {
		c.metrics.IncDiscarded(ReasonInternalError)
		c.logger.Warn("Event payload sanitized before serialization",
			zap.String("event_id", string(event.EventID)))
	}
	if sessionUpdate != nil {
		if err := envelope.AddSession(sessionUpdate); err != nil {
			c.logger.Warn("Failed to serialize session update", zap.Error(err))
		}
	}
	if scope != nil {
		for _, attachment := range scope.attachmentList() {
			envelope.AddAttachment(attachment)
		}
	}

	if err := c.transport.Enqueue(envelope); err != nil {
		c.logger.Warn("Failed to enqueue envelope",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err))
		return event.EventID
	}

	c.metrics.IncEventsCaptured()

	return event.EventID
}

// captureSession ships a standalone session update, used when a
// session ends without an accompanying event.
func (c *Client) captureSession(session *Session) {
	if !c.enabled() || session == nil {
		return
	}

	envelope := NewEnvelope(c.dsn.String())
	if err := envelope.AddSession(session); err != nil {
		c.logger.Warn("Failed to serialize session update", zap.Error(err))
		return
	}

	if err := c.transport.Enqueue(envelope); err != nil {
		c.logger.Warn("Failed to enqueue session envelope", zap.Error(err))
	}
}

// applyDefaults fills event fields the scope left empty from options.
func (c *Client) applyDefaults(event *Event) {
	if event.Release == "" {
		event.Release = c.options.Release
	}
	if event.Environment == "" {
		event.Environment = c.options.Environment
	}
	if event.ServerName == "" {
		event.ServerName = c.options.ServerName
	}
	if event.SDK == (SDKMeta{}) {
		event.SDK = SDKMeta{Name: sdkName, Version: sdkVersion}
	}
}

// eventFromMessage builds an event for a plain message capture.
func (c *Client) eventFromMessage(message string, level Level) *Event {
	event := NewEvent()
	event.Level = level
	event.Message = message

	if c.options.AttachStacktrace {
		event.Stacktrace = NewStacktrace()
	}

	return event
}

// eventFromException builds an event from an error and its unwrap
// chain, oldest cause first. The capture-site stacktrace is attached to
// the most recent error.
func (c *Client) eventFromException(err error, level Level) *Event {
	event := NewEvent()
	event.Level = level

	if err == nil {
		event.Message = "CaptureException called with nil error"
		return event
	}

	for unwrapped := err; unwrapped != nil; unwrapped = stderrors.Unwrap(unwrapped) {
		event.Exceptions = append(event.Exceptions, Exception{
			Type:  reflect.TypeOf(unwrapped).String(),
			Value: unwrapped.Error(),
		})
	}

	// The wire format wants the root cause first and the outermost
	// error last.
	for i, j := 0, len(event.Exceptions)-1; i < j; i, j = i+1, j-1 {
		event.Exceptions[i], event.Exceptions[j] = event.Exceptions[j], event.Exceptions[i]
	}

	last := len(event.Exceptions) - 1
	event.Exceptions[last].Stacktrace = NewStacktrace()
	event.Exceptions[last].Mechanism = &Mechanism{
		Type:    "generic",
		Handled: ptrTo(true),
	}

	return event
}

// eventFromPanic builds a crash event from a recovered panic value. The
// mechanism is marked unhandled so an active session counts it as a
// crash.
func (c *Client) eventFromPanic(recovered any) *Event {
	event := NewEvent()
	event.Level = LevelFatal

	value := ""
	switch v := recovered.(type) {
	case error:
		value = v.Error()
	case string:
		value = v
	default:
		value = fmt.Sprintf("%v", v)
	}

	event.Exceptions = []Exception{{
		Type:       "panic",
		Value:      value,
		Stacktrace: NewStacktrace(),
		Mechanism: &Mechanism{
			Type:    "panic",
			Handled: ptrTo(false),
		},
	}}

	return event
}

// Options returns the effective options the client runs with.
func (c *Client) Options() Options {
	return c.options
}

// Collector exposes the client's metrics for registration with a
// prometheus registry. Never auto-registered.
func (c *Client) Collector() prometheus.Collector {
	return c.metrics
}

// Flush waits up to timeout for queued envelopes to reach terminal
// states. True means the transport drained completely.
func (c *Client) Flush(timeout time.Duration) bool {
	return c.transport.Flush(timeout)
}

// Close makes a final bounded flush attempt and stops the transport.
// Idempotent.
func (c *Client) Close() {
	c.transport.Close()
}
