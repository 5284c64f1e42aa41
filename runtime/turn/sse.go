package turn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSEWriter frames events as Server-Sent Events onto a writer:
//
//	event: <type>\n
//	data: <json>\n
//	\n
//
// When the writer is an http.Flusher every event is flushed immediately so
// clients observe events as they happen. A slow client applies backpressure
// through the blocked Write, which is the pipeline's flow control.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

var _ Sink = (*SSEWriter)(nil)

// NewSSEWriter wraps a writer. http.ResponseWriter values that implement
// http.Flusher are flushed per event.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// PrepareResponse sets the response headers for an SSE stream. Call before
// the first Send.
func PrepareResponse(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Send implements Sink. Unknown event types pass through unchanged; the type
// tag is written verbatim.
func (s *SSEWriter) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.MarshalData()
	if err != nil {
		return fmt.Errorf("sse: marshal %s event: %w", ev.Type, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse: writer closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("sse: write %s event: %w", ev.Type, err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close implements Sink.
func (s *SSEWriter) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
