package sentryclient

import (
	"time"
)

// currentHub is the process-wide default hub behind the package-level
// functions. Before Init binds a client to it, every capture is a no-op
// that still returns a well-formed event id.
var currentHub = NewHub(nil, NewScope())

// CurrentHub returns the process-wide default hub.
func CurrentHub() *Hub {
	return currentHub
}

// Init builds a client from options and binds it to the default hub.
// Calling Init again replaces the client without closing the previous
// one.
func Init(options Options) error {
	client, err := NewClient(options)
	if err != nil {
		return err
	}

	currentHub.BindClient(client)

	return nil
}

// InitFromConfig loads options from a config file plus SENTRY_
// environment overrides and initializes the default hub with them.
func InitFromConfig(configPath string) error {
	options, err := LoadOptions(configPath)
	if err != nil {
		return err
	}

	return Init(*options)
}

// CaptureEvent captures an event on the default hub.
func CaptureEvent(event *Event) EventID {
	return CurrentHub().CaptureEvent(event)
}

// CaptureMessage captures a plain text message on the default hub.
func CaptureMessage(message string, level Level) EventID {
	return CurrentHub().CaptureMessage(message, level)
}

// CaptureException captures an error on the default hub.
func CaptureException(err error) EventID {
	return CurrentHub().CaptureException(err)
}

// Recover captures a recovered panic value on the default hub. Meant
// for deferred calls:
//
//	defer func() {
//		if r := recover(); r != nil {
//			sentryclient.Recover(r)
//			panic(r)
//		}
//	}()
func Recover(recovered any) EventID {
	return CurrentHub().Recover(recovered)
}

// AddBreadcrumb records a breadcrumb on the default hub's top scope.
func AddBreadcrumb(breadcrumb *Breadcrumb) {
	CurrentHub().AddBreadcrumb(breadcrumb)
}

// ConfigureScope runs f against the default hub's top scope.
func ConfigureScope(f func(scope *Scope)) {
	CurrentHub().ConfigureScope(f)
}

// WithScope runs f with a temporary scope frame on the default hub.
func WithScope(f func(scope *Scope)) {
	CurrentHub().WithScope(f)
}

// PushScope pushes a fresh frame onto the default hub's stack.
func PushScope() *Scope {
	return CurrentHub().PushScope()
}

// PopScope pops the default hub's top frame. Fails with
// ErrStackUnderflow when only the root frame remains.
func PopScope() error {
	return CurrentHub().PopScope()
}

// StartSession begins a release-health session on the default hub.
func StartSession() {
	CurrentHub().StartSession()
}

// EndSession ends the default hub's session and ships its final update.
func EndSession() {
	CurrentHub().EndSession()
}

// Flush waits up to timeout for the default hub's queued envelopes to
// reach terminal states. True means the transport drained completely.
func Flush(timeout time.Duration) bool {
	return CurrentHub().Flush(timeout)
}

// Close flushes and tears down the default hub's transport. Captures
// after Close are dropped by the transport, never a panic.
func Close() {
	CurrentHub().Close()
}
