package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shao3d/experts-panel/pkg/progress"
)

// keepAlivePadding is the amount of whitespace appended to each keep-alive
// comment. Small SSE frames get buffered by intermediate proxies; 2 KB of
// padding forces them to forward immediately.
const keepAlivePadding = 2048

var keepAliveFrame = []byte(": keepalive " + strings.Repeat(" ", keepAlivePadding) + "\n\n")

// sseWriter encodes progress events as Server-Sent Events. Every event is
// a single data: line holding single-line JSON; comments are used only
// for keep-alive. The writer flushes after every frame.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// WriteHeader sends the event-stream headers. X-Accel-Buffering disables
// nginx-style response buffering in front of the service.
func (s *sseWriter) WriteHeader() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

// WriteEvent encodes one event frame.
func (s *sseWriter) WriteEvent(evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteKeepAlive emits the padded comment frame.
func (s *sseWriter) WriteKeepAlive() error {
	if _, err := s.w.Write(keepAliveFrame); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
