package websocket

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestCheckWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.com", true},

		{"http localhost", "http://localhost", "localhost", true},
		{"localhost with ports", "http://localhost:3000", "localhost:7180", true},
		{"https localhost", "https://localhost", "localhost", true},
		{"loopback ip", "http://127.0.0.1:3000", "127.0.0.1:7180", true},
		{"ipv6 loopback", "http://[::1]:3000", "example.com", true},

		{"same origin", "https://example.com", "example.com", true},
		{"same origin with ports", "https://example.com:443", "example.com:7180", true},

		{"cross origin", "https://evil.com", "example.com", false},
		{"similar host", "https://notexample.com", "example.com", false},
		{"localhost subdomain", "http://localhost.evil.com", "example.com", false},
		{"malformed origin", "://not-a-url", "example.com", false},
		{"empty host", "https://example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{
				Header: http.Header{},
				Host:   tt.host,
				URL:    &url.URL{Host: tt.host},
			}
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			if got := checkWebSocketOrigin(r); got != tt.want {
				t.Errorf("checkWebSocketOrigin(origin=%q, host=%q) = %v, want %v",
					tt.origin, tt.host, got, tt.want)
			}
		})
	}
}

func TestSurfaceSendDoesNotBlock(t *testing.T) {
	s := newSurfaceConn("test", nil, newTestLogger(t))
	msg, err := protocol.NewOutput(1, "x")
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}

	for i := 0; i < sendQueueSize; i++ {
		if !s.Send(msg) {
			t.Fatalf("send %d rejected with queue space left", i)
		}
	}
	// The queue is full and nothing drains it; the frame must be dropped,
	// never block the engine.
	if s.Send(msg) {
		t.Fatal("full queue must reject the frame")
	}
}

func TestSurfaceSendAfterClose(t *testing.T) {
	s := newSurfaceConn("test", nil, newTestLogger(t))
	close(s.done)

	msg, err := protocol.NewOutput(1, "x")
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}
	if s.Send(msg) {
		t.Fatal("a closed surface must reject frames")
	}
}
