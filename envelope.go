package sentryclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Envelope item types understood by the ingestion endpoint.
const (
	itemTypeEvent        = "event"
	itemTypeSession      = "session"
	itemTypeAttachment   = "attachment"
	itemTypeClientReport = "client_report"
)

// ItemHeader precedes each item payload on the wire. Length is the
// exact payload byte count, which makes binary payloads safe to frame.
type ItemHeader struct {
	Type        string `json:"type"`
	Length      int    `json:"length"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Item is one envelope item: a header line plus raw payload bytes.
type Item struct {
	Header  ItemHeader
	Payload []byte
}

// Envelope is the wire unit handed to the transport: a header line
// followed by items. Immutable once enqueued.
type Envelope struct {
	EventID EventID
	DSN     string
	SentAt  time.Time
	Items   []*Item
}

type envelopeHeader struct {
	EventID EventID   `json:"event_id,omitempty"`
	SentAt  time.Time `json:"sent_at"`
	DSN     string    `json:"dsn,omitempty"`
	SDK     *SDKMeta  `json:"sdk,omitempty"`
}

// NewEnvelope returns an empty envelope stamped with the DSN it will be
// sent to.
func NewEnvelope(dsn string) *Envelope {
	return &Envelope{
		DSN:    dsn,
		SentAt: time.Now().UTC(),
	}
}

// AddItem appends a raw item. The header length is set from the
// payload.
func (e *Envelope) AddItem(header ItemHeader, payload []byte) {
	header.Length = len(payload)
	e.Items = append(e.Items, &Item{Header: header, Payload: payload})
}

// AddEvent serializes the event into an item and stamps the envelope
// with its id. Serialization is total: unencodable values are replaced
// with placeholders rather than failing the envelope. The return value
// reports whether any sanitizing happened.
func (e *Envelope) AddEvent(event *Event) bool {
	payload, sanitized := marshalEvent(event)
	e.EventID = event.EventID
	e.AddItem(ItemHeader{Type: itemTypeEvent}, payload)
	return sanitized
}

// AddSession appends a release-health session update item.
func (e *Envelope) AddSession(session *Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	e.AddItem(ItemHeader{Type: itemTypeSession}, payload)
	return nil
}

// AddAttachment appends an attachment item.
func (e *Envelope) AddAttachment(attachment *Attachment) {
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	e.AddItem(ItemHeader{
		Type:        itemTypeAttachment,
		Filename:    attachment.Filename,
		ContentType: contentType,
	}, attachment.Body)
}

// AddClientReport appends a pre-serialized client report item.
func (e *Envelope) AddClientReport(payload []byte) {
	e.AddItem(ItemHeader{Type: itemTypeClientReport}, payload)
}

// primaryType returns the item type that decides the envelope's
// rate-limit category.
func (e *Envelope) primaryType() string {
	if len(e.Items) == 0 {
		return ""
	}
	return e.Items[0].Header.Type
}

// WriteTo writes the envelope in wire format: a header line, then for
// each item its header line, payload bytes and a terminating newline.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	var written int64

	header, err := json.Marshal(envelopeHeader{
		EventID: e.EventID,
		SentAt:  e.SentAt,
		DSN:     e.DSN,
		SDK:     &SDKMeta{Name: sdkName, Version: sdkVersion},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope header: %w", err)
	}

	n, err := w.Write(append(header, '\n'))
	written += int64(n)
	if err != nil {
		return written, err
	}

	for _, item := range e.Items {
		itemHeader, err := json.Marshal(item.Header)
		if err != nil {
			return written, fmt.Errorf("failed to marshal item header: %w", err)
		}

		n, err = w.Write(append(itemHeader, '\n'))
		written += int64(n)
		if err != nil {
			return written, err
		}

		n, err = w.Write(item.Payload)
		written += int64(n)
		if err != nil {
			return written, err
		}

		n, err = w.Write([]byte{'\n'})
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// Bytes renders the envelope to a byte slice.
func (e *Envelope) Bytes() []byte {
	var buf bytes.Buffer
	e.WriteTo(&buf) //nolint:errcheck
	return buf.Bytes()
}

// appendItem appends one more item to an already-rendered envelope
// body. The envelope format is a flat sequence of framed items, so no
// re-parse is needed.
func appendItem(body []byte, header ItemHeader, payload []byte) []byte {
	header.Length = len(payload)
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return body
	}

	body = append(body, headerJSON...)
	body = append(body, '\n')
	body = append(body, payload...)
	body = append(body, '\n')
	return body
}

// marshalEvent serializes an event, degrading gracefully when a caller
// smuggled an unencodable value (channel, function, NaN) into Extra or
// breadcrumb data. Offending values are swapped for placeholders; if
// the payload still cannot be encoded, a minimal event ships instead of
// nothing.
func marshalEvent(event *Event) ([]byte, bool) {
	payload, err := json.Marshal(event)
	if err == nil {
		return payload, false
	}

	for k, v := range event.Extra {
		if !encodable(v) {
			event.Extra[k] = sanitizePlaceholder(v)
		}
	}
	for i, crumb := range event.Breadcrumbs {
		// Breadcrumb pointers are shared with the live scope, so the
		// placeholder goes into a copy, never through the pointer.
		if sanitized := sanitizeBreadcrumb(crumb); sanitized != nil {
			event.Breadcrumbs[i] = sanitized
		}
	}

	payload, err = json.Marshal(event)
	if err == nil {
		return payload, true
	}

	// Last resort: keep the capture observable even if the payload is
	// hostile beyond the known fields.
	fallback := map[string]any{
		"event_id":  event.EventID,
		"timestamp": event.Timestamp,
		"level":     event.Level,
		"message":   "event payload could not be serialized",
		"sdk":       SDKMeta{Name: sdkName, Version: sdkVersion},
	}
	payload, _ = json.Marshal(fallback)
	return payload, true
}

// sanitizeBreadcrumb returns a copy of crumb with unencodable data
// values replaced, or nil when the crumb needs no rewriting. The
// original crumb is left untouched.
func sanitizeBreadcrumb(crumb *Breadcrumb) *Breadcrumb {
	dirty := false
	for _, v := range crumb.Data {
		if !encodable(v) {
			dirty = true
			break
		}
	}
	if !dirty {
		return nil
	}

	copied := *crumb
	copied.Data = make(map[string]any, len(crumb.Data))
	for k, v := range crumb.Data {
		if encodable(v) {
			copied.Data[k] = v
		} else {
			copied.Data[k] = sanitizePlaceholder(v)
		}
	}
	return &copied
}

func encodable(v any) bool {
	_, err := json.Marshal(v)
	return err == nil
}

func sanitizePlaceholder(v any) string {
	return fmt.Sprintf("<unserializable value of type %T>", v)
}
