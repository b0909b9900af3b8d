package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

func TestEventStreamWriter_SetsSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newEventStreamWriter(rec)

	err := sw.WriteEvent(context.Background(), api.Event{
		Type:    api.EventFeedback,
		Message: "Analyzing response",
		Level:   api.LevelInfo,
	})
	if err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	if got := rec.Header().Get("Connection"); got != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", got)
	}
}

func TestEventStreamWriter_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newEventStreamWriter(rec)

	event := api.Event{
		Type:           api.EventCodePreview,
		SequenceNumber: 3,
		Language:       "python",
		Code:           "print('hi')",
	}
	if err := sw.WriteEvent(context.Background(), event); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("body does not start with data: prefix: %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("body does not end with blank line: %q", body)
	}

	var decoded api.Event
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("unmarshal event payload: %v", err)
	}
	if decoded.Type != api.EventCodePreview {
		t.Errorf("type = %q, want code_preview", decoded.Type)
	}
	if decoded.SequenceNumber != 3 {
		t.Errorf("sequence_number = %d, want 3", decoded.SequenceNumber)
	}
	if decoded.Code != "print('hi')" {
		t.Errorf("code = %q", decoded.Code)
	}
}

func TestEventStreamWriter_TerminalEventSendsDone(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newEventStreamWriter(rec)

	if err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventFeedback, Message: "working"}); err != nil {
		t.Fatalf("WriteEvent feedback: %v", err)
	}
	if err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventDone, SequenceNumber: 1}); err != nil {
		t.Fatalf("WriteEvent done: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE] sentinel: %q", body)
	}

	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frame count = %d, want 3 (feedback, done, [DONE])", len(frames))
	}
}

func TestEventStreamWriter_RejectsWritesAfterCompletion(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newEventStreamWriter(rec)

	if err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventDone}); err != nil {
		t.Fatalf("WriteEvent done: %v", err)
	}

	err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventFeedback, Message: "late"})
	if err == nil {
		t.Fatal("expected error writing after terminal event")
	}
	if !strings.Contains(err.Error(), "completed") {
		t.Errorf("error = %v, want mention of completed stream", err)
	}
}

func TestEventStreamWriter_HasStartedStreaming(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newEventStreamWriter(rec)

	if sw.hasStartedStreaming() {
		t.Error("hasStartedStreaming true before any write")
	}

	if err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventFeedback}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if !sw.hasStartedStreaming() {
		t.Error("hasStartedStreaming false after a write")
	}

	if err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventDone}); err != nil {
		t.Fatalf("WriteEvent done: %v", err)
	}
	if !sw.hasStartedStreaming() {
		t.Error("hasStartedStreaming false after completion")
	}
}

func TestEventStreamWriter_OmitsUnusedFields(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newEventStreamWriter(rec)

	if err := sw.WriteEvent(context.Background(), api.Event{Type: api.EventDone}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	frame := strings.SplitN(rec.Body.String(), "\n\n", 2)[0]
	payload := strings.TrimPrefix(frame, "data: ")

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Only type and sequence_number should survive for a bare done event.
	if len(raw) != 2 {
		t.Errorf("done event carries %d fields, want 2: %v", len(raw), raw)
	}
	if _, ok := raw["sequence_number"]; !ok {
		t.Error("sequence_number missing from done event")
	}
}
