package sentryclient

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an event or breadcrumb.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// severity orders levels so they can be compared. Unknown levels rank
// below debug.
func (l Level) severity() int {
	switch l {
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarning:
		return 3
	case LevelError:
		return 4
	case LevelFatal:
		return 5
	default:
		return 0
	}
}

// EventID is a 32-character lowercase hex string identifying a captured
// event. Every capture call returns one, even when the event is dropped.
type EventID string

// NewEventID returns a random EventID (a UUIDv4 without dashes).
func NewEventID() EventID {
	id := uuid.New()
	return EventID(hex.EncodeToString(id[:]))
}

// User describes the user associated with an event.
type User struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// IsEmpty reports whether all user fields are unset.
func (u User) IsEmpty() bool {
	return u == User{}
}

// Breadcrumb is a trail entry recorded before an event, kept for
// diagnostic context. Insertion order is significant; the oldest entries
// are evicted first when the configured cap is exceeded.
type Breadcrumb struct {
	Type      string         `json:"type,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Level     Level          `json:"level,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Mechanism describes how an exception was raised and whether the
// application handled it.
type Mechanism struct {
	Type    string `json:"type,omitempty"`
	Handled *bool  `json:"handled,omitempty"`
}

// Exception is one entry of an event's exception chain, ordered from
// oldest (root cause) to newest.
type Exception struct {
	Type       string      `json:"type,omitempty"`
	Value      string      `json:"value,omitempty"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
	Mechanism  *Mechanism  `json:"mechanism,omitempty"`
}

// Attachment is an extra payload shipped alongside an event in the same
// envelope.
type Attachment struct {
	Filename    string
	ContentType string
	Body        []byte
}

// SDKMeta identifies the client library inside the event payload.
type SDKMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Event is a single unit of data reported to the ingestion endpoint.
// Once handed to the transport an event must not be mutated.
type Event struct {
	EventID     EventID           `json:"event_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Level       Level             `json:"level,omitempty"`
	Message     string            `json:"message,omitempty"`
	Logger      string            `json:"logger,omitempty"`
	Transaction string            `json:"transaction,omitempty"`
	ServerName  string            `json:"server_name,omitempty"`
	Release     string            `json:"release,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Fingerprint []string          `json:"fingerprint,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	User        User              `json:"user,omitempty"`
	Breadcrumbs []*Breadcrumb     `json:"breadcrumbs,omitempty"`
	Exceptions  []Exception       `json:"exception,omitempty"`
	Stacktrace  *Stacktrace       `json:"stacktrace,omitempty"`
	SDK         SDKMeta           `json:"sdk"`
}

// NewEvent returns an event with its map fields initialized.
func NewEvent() *Event {
	return &Event{
		Tags:  make(map[string]string),
		Extra: make(map[string]any),
	}
}

// unhandled reports whether the event carries an exception the
// application did not handle (mechanism.handled == false).
func (e *Event) unhandled() bool {
	for i := range e.Exceptions {
		m := e.Exceptions[i].Mechanism
		if m != nil && m.Handled != nil && !*m.Handled {
			return true
		}
	}
	return false
}
