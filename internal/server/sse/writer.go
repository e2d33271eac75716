// Package sse writes Server-Sent Events to HTTP responses.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// ErrNotFlushable means the response writer cannot stream.
var ErrNotFlushable = errors.New("response writer does not support streaming")

var streamHeaders = map[string]string{
	"Content-Type":      "text/event-stream",
	"Cache-Control":     "no-cache",
	"Connection":        "keep-alive",
	"X-Accel-Buffering": "no",
}

// Writer serialises SSE frames onto a flushable response writer. Frame
// writes are serialised by a mutex so a late error event cannot interleave
// with an in-flight frame.
type Writer struct {
	mu      sync.Mutex
	rw      http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps rw, failing when it cannot flush.
func NewWriter(rw http.ResponseWriter) (*Writer, error) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return nil, ErrNotFlushable
	}
	return &Writer{rw: rw, flusher: flusher}, nil
}

// SetHeaders applies the event-stream response headers.
func (sw *Writer) SetHeaders() {
	header := sw.rw.Header()
	for name, value := range streamHeaders {
		header.Set(name, value)
	}
}

// writeFrame emits one "event:/data:" frame and flushes it out.
func (sw *Writer) writeFrame(event string, payload []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := fmt.Fprintf(sw.rw, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteEvent marshals data and emits it under the given event name.
func (sw *Writer) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sw.writeFrame(event, payload)
}

// WriteError emits an Anthropic-style error event.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent("error", anthropic.NewErrorResponse(errorType, message))
}

// Flush pushes any buffered bytes to the client.
func (sw *Writer) Flush() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.flusher.Flush()
}
