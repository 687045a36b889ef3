package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voice-client/internal/application"
	"voice-client/internal/domain"
	"voice-client/internal/infra"
)

const (
	voicePath       = "/api/ws/voice/"
	closeWriteWait  = 2 * time.Second
	inboundCapacity = 64
)

// Dialer opens voice channels against the agent server.
type Dialer struct {
	endpoint  *url.URL
	authToken string
	retry     infra.RetryConfig
	dialer    *websocket.Dialer
	logger    *slog.Logger
}

type DialerConfig struct {
	// BaseURL is the agent server address. http and https schemes are
	// mapped to ws and wss.
	BaseURL   string
	AuthToken string
	Retry     infra.RetryConfig
	Logger    *slog.Logger
}

func NewDialer(cfg DialerConfig) (*Dialer, error) {
	endpoint, err := websocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = infra.DefaultRetryConfig()
	}
	return &Dialer{
		endpoint:  endpoint,
		authToken: cfg.AuthToken,
		retry:     cfg.Retry,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    cfg.Logger,
	}, nil
}

func websocketURL(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// URL returns the channel endpoint for a session.
func (d *Dialer) URL(sessionID string) string {
	u := *d.endpoint
	u.Path = u.Path + voicePath + url.PathEscape(sessionID)
	return u.String()
}

// Dial connects to the voice endpoint for sessionID, retrying transient
// failures. Handshake rejections other than 429 and 5xx are not retried.
func (d *Dialer) Dial(ctx context.Context, sessionID string) (application.Channel, error) {
	target := d.URL(sessionID)

	headers := make(http.Header)
	if d.authToken != "" {
		headers.Set("Authorization", "Bearer "+d.authToken)
	}

	var conn *websocket.Conn
	attempt := 0
	err := infra.WithRetry(ctx, d.retry, func() error {
		attempt++
		c, resp, err := d.dialer.DialContext(ctx, target, headers)
		if err == nil {
			conn = c
			return nil
		}
		if resp != nil {
			err = fmt.Errorf("handshake rejected (status %d): %w", resp.StatusCode, err)
			if !infra.IsRetryableHTTPStatus(resp.StatusCode) {
				return infra.Permanent(err)
			}
		}
		d.logger.Warn("dialing voice channel", "attempt", attempt, "error", err)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", target, err)
	}

	return newChannel(conn, d.logger.With("session_id", sessionID)), nil
}

type inbound struct {
	data []byte
	err  error
}

// Channel is a websocket-backed application.Channel. Writes are serialized;
// a single pump goroutine owns reads.
type Channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	frames chan inbound
	done   chan struct{}
}

func newChannel(conn *websocket.Conn, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:   conn,
		logger: logger,
		frames: make(chan inbound, inboundCapacity),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *Channel) readPump() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
			}
			select {
			case c.frames <- inbound{err: err}:
			case <-c.done:
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", messageType)
			continue
		}
		select {
		case c.frames <- inbound{data: data}:
		case <-c.done:
			return
		}
	}
}

// Send writes msg as one JSON text frame.
func (c *Channel) Send(ctx context.Context, msg any) error {
	if c.closed.Load() {
		return domain.ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Receive returns the next text frame. Once the connection fails every
// subsequent call returns the terminal error.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, domain.ErrChannelClosed
	case in := <-c.frames:
		if in.err != nil {
			return nil, in.err
		}
		return in.data, nil
	}
}

// Close sends a normal closure frame and releases the connection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		c.writeMu.Unlock()
		close(c.done)
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
