// Package testutil holds shared helpers for adapter and service tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
)

// Server is an HTTP test server bound to the IPv4 loopback interface.
// Some sandboxed environments resolve localhost to IPv6 only, which the
// stdlib httptest server then fails to bind.
type Server struct {
	URL      string
	listener net.Listener
	server   *http.Server
}

// NewServer starts a test HTTP server for handler.
func NewServer(t *testing.T, handler http.Handler) *Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	s := &Server{
		URL:      "http://" + l.Addr().String(),
		listener: l,
		server:   &http.Server{Handler: handler},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("test server serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Close shuts down the underlying server.
func (s *Server) Close() {
	_ = s.server.Shutdown(context.Background())
}

// SSEHandler returns a handler that writes the given SSE data payloads in
// order, flushing after each.
func SSEHandler(t *testing.T, payloads ...string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			flusher.Flush()
		}
	})
}
