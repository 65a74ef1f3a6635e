// Package stream writes dispatch progress to the client as Server-Sent
// Events.
//
// The producer (a dispatch running in its own goroutine) sends Messages on a
// channel; Write is the consumer that turns each one into an SSE event and
// flushes it, so the client sees every attempt as it happens:
//
//	dispatch goroutine → channel → Write() → http.ResponseWriter → client
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoFlusher is returned when the ResponseWriter can't push partial
// output to the client.
var ErrNoFlusher = errors.New("response writer does not support flushing (http.Flusher)")

// Message is one SSE event. Event becomes the "event:" field and Data is
// marshaled to JSON for the "data:" field.
type Message struct {
	Event string
	Data  any
}

// Write reads messages until the channel is closed, then sends the
// "data: [DONE]" sentinel. It returns early on the first write or marshal
// error; the producer must not block forever on a send once Write has
// returned.
func Write(w http.ResponseWriter, messages <-chan Message) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNoFlusher
	}

	// Headers must be set before the first body write.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for msg := range messages {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("marshaling %s event: %w", msg.Event, err)
		}

		// A blank line ends the event; single newlines separate fields.
		if msg.Event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", msg.Event); err != nil {
				return fmt.Errorf("writing SSE event: %w", err)
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}

		flusher.Flush()
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()

	return nil
}
