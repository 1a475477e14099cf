package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSEDone is the payload of the terminal event of a stream.
const SSEDone = "[DONE]"

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// SSEWriter writes Server-Sent Events, flushing after every event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter wraps w. It fails if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSEWriter{w: w, flusher: f}, nil
}

// Start commits the event-stream headers. Headers set on the ResponseWriter
// beforehand are sent along. Calling Start more than once is a no-op.
func (s *SSEWriter) Start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.started = true
}

// Started reports whether the headers have been committed.
func (s *SSEWriter) Started() bool {
	return s.started
}

// WriteJSON sends payload as one `data:` event.
func (s *SSEWriter) WriteJSON(payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.WriteData(string(b))
}

// WriteData sends data verbatim as one `data:` event. data must not contain newlines.
func (s *SSEWriter) WriteData(data string) error {
	s.Start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
