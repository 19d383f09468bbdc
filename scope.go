package sentryclient

import (
	"sync"
	"time"
)

// Scope is one frame of contextual metadata. Frames stack on a Hub;
// mutators touch the top frame only, and captured events see the merged
// view of the whole stack.
type Scope struct {
	mu          sync.RWMutex
	tags        map[string]string
	extra       map[string]any
	user        User
	level       Level
	transaction string
	fingerprint []string
	breadcrumbs []*Breadcrumb
	attachments []*Attachment
}

// NewScope returns an empty scope frame.
func NewScope() *Scope {
	return &Scope{
		tags:  make(map[string]string),
		extra: make(map[string]any),
	}
}

// SetTag sets a tag on the scope.
func (s *Scope) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tags[key] = value
}

// SetTags sets several tags at once.
func (s *Scope) SetTags(tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tags {
		s.tags[k] = v
	}
}

// RemoveTag removes a tag from this frame. A parent frame's value for
// the same key becomes visible again.
func (s *Scope) RemoveTag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tags, key)
}

// SetExtra sets an extra value on the scope.
func (s *Scope) SetExtra(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extra[key] = value
}

// SetExtras sets several extra values at once.
func (s *Scope) SetExtras(extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range extra {
		s.extra[k] = v
	}
}

// RemoveExtra removes an extra value from this frame.
func (s *Scope) RemoveExtra(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.extra, key)
}

// SetUser sets the user identity on the scope.
func (s *Scope) SetUser(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
}

// SetLevel sets a level override applied to every event captured while
// this frame is on the stack.
func (s *Scope) SetLevel(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
}

// SetTransaction sets the active transaction name.
func (s *Scope) SetTransaction(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transaction = name
}

// Transaction returns the transaction name set on this frame.
func (s *Scope) Transaction() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transaction
}

// SetFingerprint sets the grouping fingerprint.
func (s *Scope) SetFingerprint(fingerprint []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fingerprint = append([]string(nil), fingerprint...)
}

// AddBreadcrumb appends a breadcrumb, evicting the oldest ones beyond
// limit. A zero timestamp is filled with the current time.
func (s *Scope) AddBreadcrumb(breadcrumb *Breadcrumb, limit int) {
	if limit <= 0 {
		return
	}
	if breadcrumb.Timestamp.IsZero() {
		breadcrumb.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.breadcrumbs = append(s.breadcrumbs, breadcrumb)
	if len(s.breadcrumbs) > limit {
		s.breadcrumbs = s.breadcrumbs[len(s.breadcrumbs)-limit:]
	}
}

// ClearBreadcrumbs removes all breadcrumbs from this frame.
func (s *Scope) ClearBreadcrumbs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breadcrumbs = nil
}

// AddAttachment adds an attachment shipped with every event captured
// while this frame is on the stack.
func (s *Scope) AddAttachment(attachment *Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachments = append(s.attachments, attachment)
}

// Clear resets every field of this frame.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tags = make(map[string]string)
	s.extra = make(map[string]any)
	s.user = User{}
	s.level = ""
	s.transaction = ""
	s.fingerprint = nil
	s.breadcrumbs = nil
	s.attachments = nil
}

// Clone returns a deep copy. Mutating the copy never affects the
// original, so snapshots are safe to hand to another goroutine.
func (s *Scope) Clone() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := NewScope()
	for k, v := range s.tags {
		clone.tags[k] = v
	}
	for k, v := range s.extra {
		clone.extra[k] = v
	}
	clone.user = s.user
	clone.level = s.level
	clone.transaction = s.transaction
	clone.fingerprint = append([]string(nil), s.fingerprint...)
	clone.breadcrumbs = append([]*Breadcrumb(nil), s.breadcrumbs...)
	clone.attachments = append([]*Attachment(nil), s.attachments...)

	return clone
}

// overlay merges a child frame into s. Child entries win per key,
// breadcrumbs concatenate parent-then-child.
func (s *Scope) overlay(child *Scope) {
	child.mu.RLock()
	defer child.mu.RUnlock()

	for k, v := range child.tags {
		s.tags[k] = v
	}
	for k, v := range child.extra {
		s.extra[k] = v
	}
	if !child.user.IsEmpty() {
		s.user = child.user
	}
	if child.level != "" {
		s.level = child.level
	}
	if child.transaction != "" {
		s.transaction = child.transaction
	}
	if len(child.fingerprint) > 0 {
		s.fingerprint = append([]string(nil), child.fingerprint...)
	}
	s.breadcrumbs = append(s.breadcrumbs, child.breadcrumbs...)
	s.attachments = append(s.attachments, child.attachments...)
}

// applyToEvent copies scope data onto an event. Values already present
// on the event win, except the level override, which is the point of
// SetLevel. Breadcrumbs keep the most recent limit entries.
func (s *Scope) applyToEvent(event *Event, limit int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tags) > 0 {
		if event.Tags == nil {
			event.Tags = make(map[string]string, len(s.tags))
		}
		for k, v := range s.tags {
			if _, ok := event.Tags[k]; !ok {
				event.Tags[k] = v
			}
		}
	}
	if len(s.extra) > 0 {
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(s.extra))
		}
		for k, v := range s.extra {
			if _, ok := event.Extra[k]; !ok {
				event.Extra[k] = v
			}
		}
	}
	if event.User.IsEmpty() {
		event.User = s.user
	}
	if s.level != "" {
		event.Level = s.level
	}
	if event.Transaction == "" {
		event.Transaction = s.transaction
	}
	if len(event.Fingerprint) == 0 {
		event.Fingerprint = append([]string(nil), s.fingerprint...)
	}

	if len(s.breadcrumbs) > 0 {
		event.Breadcrumbs = append(append([]*Breadcrumb(nil), s.breadcrumbs...), event.Breadcrumbs...)
	}
	if limit >= 0 && len(event.Breadcrumbs) > limit {
		event.Breadcrumbs = event.Breadcrumbs[len(event.Breadcrumbs)-limit:]
	}
}

// attachmentList returns the attachments carried by this frame.
func (s *Scope) attachmentList() []*Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*Attachment(nil), s.attachments...)
}
