package sentryclient

import (
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
)

// ErrStackUnderflow is returned by PopScope when only the root scope
// remains. The root frame is never popped.
var ErrStackUnderflow = errors.Str("scope stack underflow: root scope cannot be popped")

// Hub ties a client to a stack of scope frames. Each goroutine or
// request should own its own hub; Clone derives one with a deep-copied
// view of the current scope so mutations never leak between owners.
type Hub struct {
	mu      sync.RWMutex
	client  *Client
	stack   []*Scope
	session *Session
}

// NewHub returns a hub with the given root scope. A nil scope gets an
// empty one; a nil client makes every capture a no-op.
func NewHub(client *Client, scope *Scope) *Hub {
	if scope == nil {
		scope = NewScope()
	}

	return &Hub{
		client: client,
		stack:  []*Scope{scope},
	}
}

// Client returns the hub's client, nil when the hub is disabled.
func (h *Hub) Client() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.client
}

// BindClient swaps the hub's client. Binding nil disables capture.
func (h *Hub) BindClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.client = client
}

// Scope returns the top frame of the stack. Mutations apply to this
// frame only.
func (h *Hub) Scope() *Scope {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.stack[len(h.stack)-1]
}

// PushScope puts a fresh empty frame on top of the stack and returns
// it. Values from frames below stay visible until overridden.
func (h *Hub) PushScope() *Scope {
	scope := NewScope()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stack = append(h.stack, scope)

	return scope
}

// PopScope removes the top frame. Popping the root frame fails with
// ErrStackUnderflow and leaves the stack intact.
func (h *Hub) PopScope() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.stack) <= 1 {
		return ErrStackUnderflow
	}
	h.stack = h.stack[:len(h.stack)-1]

	return nil
}

// WithScope runs f with a temporary frame on the stack. The frame is
// removed when f returns, discarding any mutations f made.
func (h *Hub) WithScope(f func(scope *Scope)) {
	scope := h.PushScope()
	defer h.PopScope() //nolint:errcheck
	f(scope)
}

// ConfigureScope runs f against the current top frame.
func (h *Hub) ConfigureScope(f func(scope *Scope)) {
	f(h.Scope())
}

// CurrentScope materializes the merged view of the stack, root first,
// child frames overriding parents. The result is a detached snapshot,
// safe to hand to another goroutine; mutating it affects nothing on
// the hub.
func (h *Hub) CurrentScope() *Scope {
	h.mu.RLock()
	defer h.mu.RUnlock()

	merged := h.stack[0].Clone()
	for _, frame := range h.stack[1:] {
		merged.overlay(frame)
	}

	return merged
}

// Clone returns a hub that starts from a deep copy of the merged scope.
// The clone shares the client and any active session, nothing else.
func (h *Hub) Clone() *Hub {
	scope := h.CurrentScope()

	h.mu.RLock()
	defer h.mu.RUnlock()

	return &Hub{
		client:  h.client,
		stack:   []*Scope{scope},
		session: h.session,
	}
}

// CaptureEvent captures an event with the current merged scope. With no
// client bound it is a no-op that still returns a well-formed id.
func (h *Hub) CaptureEvent(event *Event) EventID {
	client := h.Client()
	if client == nil {
		if event.EventID == "" {
			event.EventID = NewEventID()
		}
		return event.EventID
	}

	return client.captureEvent(event, h.CurrentScope(), h.currentSession())
}

// CaptureMessage captures a plain text message at the given level.
func (h *Hub) CaptureMessage(message string, level Level) EventID {
	client := h.Client()
	if client == nil {
		return NewEventID()
	}

	return client.captureEvent(client.eventFromMessage(message, level), h.CurrentScope(), h.currentSession())
}

// CaptureException captures an error with its unwrap chain.
func (h *Hub) CaptureException(err error) EventID {
	client := h.Client()
	if client == nil {
		return NewEventID()
	}

	return client.captureEvent(client.eventFromException(err, LevelError), h.CurrentScope(), h.currentSession())
}

// Recover captures a recovered panic value as a fatal, unhandled
// event. A nil value is ignored.
func (h *Hub) Recover(recovered any) EventID {
	if recovered == nil {
		return ""
	}

	client := h.Client()
	if client == nil {
		return NewEventID()
	}

	return client.captureEvent(client.eventFromPanic(recovered), h.CurrentScope(), h.currentSession())
}

// AddBreadcrumb records a breadcrumb on the top frame, honoring the
// client's breadcrumb cap.
func (h *Hub) AddBreadcrumb(breadcrumb *Breadcrumb) {
	limit := defaultMaxBreadcrumbs
	if client := h.Client(); client != nil {
		limit = client.options.MaxBreadcrumbs
	}

	h.Scope().AddBreadcrumb(breadcrumb, limit)
}

// StartSession begins a release-health session. An already running
// session is replaced without a closing update.
func (h *Hub) StartSession() {
	client := h.Client()
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.session = newSession(client.options.Release, client.options.Environment)
}

// EndSession closes the running session and ships its final update.
func (h *Hub) EndSession() {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()

	if session == nil {
		return
	}

	snapshot := session.end()
	if client := h.Client(); client != nil && snapshot != nil {
		client.captureSession(snapshot)
	}
}

// currentSession returns the running session, nil when none.
func (h *Hub) currentSession() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.session
}

// Flush waits for queued envelopes to be delivered, up to timeout.
// True means the transport drained completely.
func (h *Hub) Flush(timeout time.Duration) bool {
	client := h.Client()
	if client == nil {
		return true
	}

	return client.Flush(timeout)
}

// Close flushes and then tears the client's transport down.
func (h *Hub) Close() {
	if client := h.Client(); client != nil {
		client.Close()
	}
}
