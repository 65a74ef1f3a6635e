package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// sendMessages sends messages on a channel from a goroutine and closes it
// when done, the way the dispatch goroutine does in production.
func sendMessages(msgs ...Message) <-chan Message {
	ch := make(chan Message)
	go func() {
		defer close(ch)
		for _, m := range msgs {
			ch <- m
		}
	}()
	return ch
}

// sseEvent is one parsed event block.
type sseEvent struct {
	name string
	data string
}

// parseSSE splits the raw body into events, excluding the [DONE] sentinel.
func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.data != "" && ev.data != "[DONE]" {
			events = append(events, ev)
		}
	}
	return events
}

func TestWrite_Events(t *testing.T) {
	ch := sendMessages(
		Message{Event: "attempt", Data: map[string]string{"provider": "edenai"}},
		Message{Event: "failure", Data: map[string]any{"provider": "edenai", "status": 401}},
		Message{Event: "result", Data: map[string]any{"success": true, "text": "hi"}},
	)

	w := httptest.NewRecorder()
	if err := Write(w, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	body := w.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Error("stream should end with the [DONE] sentinel")
	}

	events := parseSSE(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	wantNames := []string{"attempt", "failure", "result"}
	for i, ev := range events {
		if ev.name != wantNames[i] {
			t.Errorf("event %d name = %q, want %q", i, ev.name, wantNames[i])
		}
		if !json.Valid([]byte(ev.data)) {
			t.Errorf("event %d data is not JSON: %s", i, ev.data)
		}
	}

	var result struct {
		Success bool   `json:"success"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal([]byte(events[2].data), &result); err != nil {
		t.Fatalf("failed to parse result event: %v", err)
	}
	if !result.Success || result.Text != "hi" {
		t.Errorf("result = %+v, want success with text %q", result, "hi")
	}
}

func TestWrite_EmptyChannel(t *testing.T) {
	w := httptest.NewRecorder()
	if err := Write(w, sendMessages()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if got := w.Body.String(); got != "data: [DONE]\n\n" {
		t.Errorf("body = %q, want only the [DONE] sentinel", got)
	}
}

func TestWrite_UnnamedEvent(t *testing.T) {
	w := httptest.NewRecorder()
	if err := Write(w, sendMessages(Message{Data: 1})); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if got := w.Body.String(); got != "data: 1\n\ndata: [DONE]\n\n" {
		t.Errorf("body = %q", got)
	}
}

func TestWrite_MarshalError(t *testing.T) {
	ch := make(chan Message, 2)
	ch <- Message{Event: "attempt", Data: "ok"}
	ch <- Message{Event: "bad", Data: func() {}}
	close(ch)

	w := httptest.NewRecorder()
	err := Write(w, ch)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "marshaling bad event") {
		t.Errorf("error = %q", err)
	}
	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("a failed stream should not contain [DONE]")
	}
}

// plainWriter hides httptest.ResponseRecorder's Flush method.
type plainWriter struct {
	http.ResponseWriter
}

func TestWrite_RequiresFlusher(t *testing.T) {
	err := Write(plainWriter{httptest.NewRecorder()}, sendMessages())
	if !errors.Is(err, ErrNoFlusher) {
		t.Errorf("error = %v, want ErrNoFlusher", err)
	}
}
