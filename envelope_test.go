package sentryclient

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_WireFormat(t *testing.T) {
	event := NewEvent()
	event.EventID = "aaaabbbbccccddddeeeeffff00001111"
	event.Timestamp = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	event.Message = "wire format check"

	envelope := NewEnvelope("https://pub@example.com/1")
	if sanitized := envelope.AddEvent(event); sanitized {
		t.Fatal("clean event should not need sanitizing")
	}

	raw := envelope.Bytes()
	if raw[len(raw)-1] != '\n' {
		t.Error("envelope must end with a newline")
	}

	lines := bytes.Split(raw, []byte{'\n'})
	// Header line, item header line, payload line, trailing empty split.
	if len(lines) != 4 {
		t.Fatalf("Expected 4 newline-separated parts, got %d", len(lines))
	}

	var header map[string]any
	if err := json.Unmarshal(lines[0], &header); err != nil {
		t.Fatalf("envelope header is not valid JSON: %v", err)
	}
	if header["event_id"] != "aaaabbbbccccddddeeeeffff00001111" {
		t.Errorf("header event_id = %v", header["event_id"])
	}
	if header["dsn"] != "https://pub@example.com/1" {
		t.Errorf("header dsn = %v", header["dsn"])
	}
	if _, ok := header["sdk"]; !ok {
		t.Error("header missing sdk block")
	}

	var itemHeader ItemHeader
	if err := json.Unmarshal(lines[1], &itemHeader); err != nil {
		t.Fatalf("item header is not valid JSON: %v", err)
	}
	if itemHeader.Type != itemTypeEvent {
		t.Errorf("item type = %q, want %q", itemHeader.Type, itemTypeEvent)
	}
	if itemHeader.Length != len(lines[2]) {
		t.Errorf("item length = %d, payload is %d bytes", itemHeader.Length, len(lines[2]))
	}

	var payload map[string]any
	if err := json.Unmarshal(lines[2], &payload); err != nil {
		t.Fatalf("event payload is not valid JSON: %v", err)
	}
	if payload["message"] != "wire format check" {
		t.Errorf("payload message = %v", payload["message"])
	}
}

func TestEnvelope_AppendItem(t *testing.T) {
	event := NewEvent()
	event.EventID = NewEventID()

	envelope := NewEnvelope("https://pub@example.com/1")
	envelope.AddEvent(event)

	report := []byte(`{"timestamp":"2026-03-14T12:00:00Z","discarded_events":[]}`)
	body := appendItem(envelope.Bytes(), ItemHeader{Type: itemTypeClientReport}, report)

	lines := bytes.Split(body, []byte{'\n'})
	if len(lines) != 6 {
		t.Fatalf("Expected 6 newline-separated parts after append, got %d", len(lines))
	}

	var itemHeader ItemHeader
	if err := json.Unmarshal(lines[3], &itemHeader); err != nil {
		t.Fatalf("appended item header is not valid JSON: %v", err)
	}
	if itemHeader.Type != itemTypeClientReport {
		t.Errorf("appended item type = %q", itemHeader.Type)
	}
	if itemHeader.Length != len(report) {
		t.Errorf("appended item length = %d, want %d", itemHeader.Length, len(report))
	}
	if !bytes.Equal(lines[4], report) {
		t.Error("appended payload does not match")
	}
}

func TestEnvelope_Attachment(t *testing.T) {
	envelope := NewEnvelope("https://pub@example.com/1")
	envelope.AddAttachment(&Attachment{
		Filename: "config.txt",
		Body:     []byte("k=v"),
	})

	if len(envelope.Items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(envelope.Items))
	}

	header := envelope.Items[0].Header
	if header.ContentType != "application/octet-stream" {
		t.Errorf("default content type = %q", header.ContentType)
	}
	if header.Filename != "config.txt" {
		t.Errorf("filename = %q", header.Filename)
	}
	if header.Length != 3 {
		t.Errorf("length = %d, want 3", header.Length)
	}
}

func TestEnvelope_PrimaryType(t *testing.T) {
	envelope := NewEnvelope("https://pub@example.com/1")
	if got := envelope.primaryType(); got != "" {
		t.Errorf("empty envelope primary type = %q", got)
	}

	envelope.AddEvent(NewEvent())
	envelope.AddSession(newSession("", ""))
	if got := envelope.primaryType(); got != itemTypeEvent {
		t.Errorf("primary type = %q, want %q", got, itemTypeEvent)
	}
}

func TestMarshalEvent_SanitizesHostileValues(t *testing.T) {
	event := NewEvent()
	event.EventID = NewEventID()
	event.Extra["conn"] = make(chan int)
	event.Breadcrumbs = []*Breadcrumb{{
		Message: "before the crash",
		Data:    map[string]any{"cb": func() {}},
	}}

	payload, sanitized := marshalEvent(event)
	if !sanitized {
		t.Fatal("expected sanitizing to be reported")
	}

	if !json.Valid(payload) {
		t.Fatal("sanitized payload is not valid JSON")
	}
	// encoding/json escapes the angle brackets, so match the inner text.
	if !strings.Contains(string(payload), "unserializable value of type chan int") {
		t.Error("channel value placeholder missing from payload")
	}
	if !strings.Contains(string(payload), "before the crash") {
		t.Error("breadcrumb survived sanitizing but lost its message")
	}
}

func TestMarshalEvent_LeavesSharedBreadcrumbsIntact(t *testing.T) {
	ch := make(chan int)
	crumb := &Breadcrumb{
		Message: "held by the scope",
		Data:    map[string]any{"ch": ch, "n": 1},
	}

	event := NewEvent()
	event.EventID = NewEventID()
	event.Breadcrumbs = []*Breadcrumb{crumb}

	_, sanitized := marshalEvent(event)
	if !sanitized {
		t.Fatal("expected sanitizing to be reported")
	}

	// The placeholder must land in a copy. The crumb itself is shared
	// with whatever scope contributed it and stays as recorded.
	if got, ok := crumb.Data["ch"].(chan int); !ok || got != ch {
		t.Errorf("shared breadcrumb data rewritten: %v", crumb.Data["ch"])
	}
	if event.Breadcrumbs[0] == crumb {
		t.Error("event still points at the shared breadcrumb")
	}
	if _, ok := event.Breadcrumbs[0].Data["ch"].(string); !ok {
		t.Error("placeholder missing from the event's copy")
	}
	if event.Breadcrumbs[0].Data["n"] != 1 {
		t.Errorf("encodable value lost in copy: %v", event.Breadcrumbs[0].Data["n"])
	}
}

func TestMarshalEvent_CleanEventUntouched(t *testing.T) {
	event := NewEvent()
	event.EventID = NewEventID()
	event.Message = "fine"
	event.Extra["n"] = 42

	payload, sanitized := marshalEvent(event)
	if sanitized {
		t.Error("clean event reported as sanitized")
	}

	var decoded Event
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload does not round-trip: %v", err)
	}
	if decoded.Message != "fine" {
		t.Errorf("message = %q", decoded.Message)
	}
}
