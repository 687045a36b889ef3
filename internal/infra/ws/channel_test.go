package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voice-client/internal/domain"
	"voice-client/internal/infra"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry(attempts int) infra.RetryConfig {
	return infra.RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// echoAgent upgrades the connection and echoes every text frame back.
func echoAgent(t *testing.T, onRequest func(r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8000", want: "ws://localhost:8000/api/ws/voice/abc"},
		{base: "https://agent.example.com/", want: "wss://agent.example.com/api/ws/voice/abc"},
		{base: "ws://10.0.0.1:9000/prefix", want: "ws://10.0.0.1:9000/prefix/api/ws/voice/abc"},
		{base: "ftp://nope", wantErr: true},
		{base: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			d, err := NewDialer(DialerConfig{BaseURL: tt.base, Logger: testLogger()})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := d.URL("abc"); got != tt.want {
				t.Errorf("URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDial_PathAndAuthorization(t *testing.T) {
	var path, auth atomic.Value
	server := echoAgent(t, func(r *http.Request) {
		path.Store(r.URL.Path)
		auth.Store(r.Header.Get("Authorization"))
	})

	d, err := NewDialer(DialerConfig{BaseURL: server.URL, AuthToken: "secret", Retry: fastRetry(1), Logger: testLogger()})
	if err != nil {
		t.Fatalf("new dialer: %v", err)
	}

	ch, err := d.Dial(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if got := path.Load(); got != "/api/ws/voice/session-1" {
		t.Errorf("path = %v", got)
	}
	if got := auth.Load(); got != "Bearer secret" {
		t.Errorf("authorization = %v", got)
	}
}

func TestChannel_SendReceive(t *testing.T) {
	server := echoAgent(t, nil)
	d, _ := NewDialer(DialerConfig{BaseURL: server.URL, Retry: fastRetry(1), Logger: testLogger()})

	ch, err := d.Dial(context.Background(), "s")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := ch.Send(ctx, domain.ControlMessage{Type: domain.TypeEndSession}); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != domain.TypeEndSession {
		t.Errorf("type = %q", env.Type)
	}
}

func TestDial_RetriesTransientRejection(t *testing.T) {
	var calls atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	d, _ := NewDialer(DialerConfig{BaseURL: server.URL, Retry: fastRetry(3), Logger: testLogger()})
	ch, err := d.Dial(context.Background(), "s")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch.Close()

	if n := calls.Load(); n != 3 {
		t.Errorf("handshake attempts = %d, want 3", n)
	}
}

func TestDial_DoesNotRetryUnauthorized(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer server.Close()

	d, _ := NewDialer(DialerConfig{BaseURL: server.URL, Retry: fastRetry(3), Logger: testLogger()})
	_, err := d.Dial(context.Background(), "s")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status in message", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("handshake attempts = %d, want 1", n)
	}
}

func TestChannel_RemoteCloseSurfacesError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent_ready"}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
		conn.Close()
	}))
	defer server.Close()

	d, _ := NewDialer(DialerConfig{BaseURL: server.URL, Retry: fastRetry(1), Logger: testLogger()})
	ch, err := d.Dial(context.Background(), "s")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := ch.Receive(ctx); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if _, err := ch.Receive(ctx); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}

func TestChannel_SendAfterClose(t *testing.T) {
	server := echoAgent(t, nil)
	d, _ := NewDialer(DialerConfig{BaseURL: server.URL, Retry: fastRetry(1), Logger: testLogger()})
	ch, err := d.Dial(context.Background(), "s")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := ch.Send(context.Background(), domain.ControlMessage{Type: domain.TypeGetStats}); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}

func TestChannel_ReceiveHonoursContext(t *testing.T) {
	server := echoAgent(t, nil)
	d, _ := NewDialer(DialerConfig{BaseURL: server.URL, Retry: fastRetry(1), Logger: testLogger()})
	ch, err := d.Dial(context.Background(), "s")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}
