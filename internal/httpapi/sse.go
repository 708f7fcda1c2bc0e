package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaygw/relay/pkg/safego"
)

// keepaliveInterval is how often a comment line is written when no real
// event has gone out.
const keepaliveInterval = 15 * time.Second

// SSEWriter frames events for one client connection. Single producer per
// request; the keepalive ticker runs on its own goroutine and shares the
// write lock.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *zap.Logger

	mu        sync.Mutex
	lastWrite time.Time
	failed    bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewSSEWriter prepares the response for event streaming and starts the
// keepalive ticker. Returns an error when the writer cannot flush
// (streaming through such a proxy is pointless).
func NewSSEWriter(w http.ResponseWriter, logger *zap.Logger) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &SSEWriter{
		w:         w,
		flusher:   flusher,
		logger:    logger,
		lastWrite: time.Now(),
		stop:      make(chan struct{}),
	}

	safego.Go(logger, "sse-keepalive", func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.flushKeepalive()
			}
		}
	})

	return s, nil
}

// WriteEvent frames one event: "event: <name>\ndata: <json>\n\n".
// Returns an error on client disconnect; callers should treat that as
// cancellation.
func (s *SSEWriter) WriteEvent(name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return fmt.Errorf("stream already failed")
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// flushKeepalive emits the ": ping" comment when the stream has been
// quiet for a full interval.
func (s *SSEWriter) flushKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || time.Since(s.lastWrite) < keepaliveInterval {
		return
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
}

// Failed reports whether a write error has occurred (client gone).
func (s *SSEWriter) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Close stops the keepalive ticker. Idempotent.
func (s *SSEWriter) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
