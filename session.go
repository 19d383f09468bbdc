package sentryclient

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a release-health session.
type SessionStatus string

const (
	SessionStatusOk       SessionStatus = "ok"
	SessionStatusCrashed  SessionStatus = "crashed"
	SessionStatusAbnormal SessionStatus = "abnormal"
	SessionStatusExited   SessionStatus = "exited"
)

// Session tracks the health of one release-health session: how long it
// ran, how many errored events it saw, and whether it crashed. Updates
// produce immutable snapshots that ship as envelope items; the first
// snapshot carries init so the server can distinguish a new session
// from an update.
type Session struct {
	mu          sync.Mutex
	sid         string
	status      SessionStatus
	errors      int64
	started     time.Time
	duration    *float64
	init        bool
	dirty       bool
	release     string
	environment string
}

// newSession starts a session now. It is dirty from the start so the
// first update flushes an init snapshot even without an error.
func newSession(release, environment string) *Session {
	return &Session{
		sid:         uuid.NewString(),
		status:      SessionStatusOk,
		started:     time.Now(),
		init:        true,
		dirty:       true,
		release:     release,
		environment: environment,
	}
}

// UpdateFromEvent feeds a captured event into the session. An
// error-level event or any exception counts toward the error tally; an
// exception whose mechanism is marked unhandled crashes the session.
// The returned snapshot is non-nil when the session changed and must be
// shipped, nil when nothing new happened.
func (s *Session) UpdateFromEvent(event *Event) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasError := event.Level.severity() >= LevelError.severity() || len(event.Exceptions) > 0
	if event.unhandled() {
		s.status = SessionStatusCrashed
	}
	if hasError {
		s.errors++
		s.dirty = true
	}

	if !s.dirty {
		return nil
	}
	s.dirty = false
	snapshot := s.snapshotLocked()
	s.init = false

	return snapshot
}

// end closes the session, stamping the elapsed duration and moving a
// still-ok session to exited. The returned snapshot is the final update
// to ship.
func (s *Session) end() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.started).Seconds()
	s.duration = &elapsed
	if s.status == SessionStatusOk {
		s.status = SessionStatusExited
	}

	s.dirty = false
	snapshot := s.snapshotLocked()
	s.init = false

	return snapshot
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// ErrorCount returns how many errored events the session absorbed.
func (s *Session) ErrorCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errors
}

// snapshotLocked copies the session state without the lock, for
// serializing outside the critical section. Caller holds s.mu.
func (s *Session) snapshotLocked() *Session {
	snapshot := &Session{
		sid:         s.sid,
		status:      s.status,
		errors:      s.errors,
		started:     s.started,
		init:        s.init,
		release:     s.release,
		environment: s.environment,
	}
	if s.duration != nil {
		snapshot.duration = ptrTo(*s.duration)
	}

	return snapshot
}

type sessionAttrs struct {
	Release     string `json:"release,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// MarshalJSON renders the session update wire format. Duration is
// omitted until the session ends; init is only present on the first
// update of a session.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SID      string        `json:"sid"`
		Status   SessionStatus `json:"status"`
		Errors   int64         `json:"errors"`
		Started  time.Time     `json:"started"`
		Duration *float64      `json:"duration,omitempty"`
		Init     bool          `json:"init,omitempty"`
		Attrs    sessionAttrs  `json:"attrs"`
	}{
		SID:      s.sid,
		Status:   s.status,
		Errors:   s.errors,
		Started:  s.started.UTC(),
		Duration: s.duration,
		Init:     s.init,
		Attrs: sessionAttrs{
			Release:     s.release,
			Environment: s.environment,
		},
	})
}
