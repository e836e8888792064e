// Package ws is a signaling.Signaler backed by a websocket connection to a
// relay. The relay forwards each JSON message to the connection of its
// recipient.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"snakkaz-e2ee/internal/observability/metrics"
	"snakkaz-e2ee/internal/signaling"
)

var ErrNotConnected = errors.New("ws: not connected to relay")

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxMessageSize      = 64 << 10
	maxRedialDelay      = 30 * time.Second
)

type Config struct {
	// RelayURL is the relay base URL; http(s) is mapped to ws(s).
	RelayURL     string
	UserID       string
	Token        string
	DialTimeout  time.Duration
	PingInterval time.Duration
}

// Client keeps one relay connection open, redialing with backoff until its
// Run context ends.
type Client struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[int]signaling.Handler
	next    int
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("ws: missing user id")
	}
	u, err := relayURL(cfg.RelayURL, cfg.UserID)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:    u,
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		log:    log.With("relay", u),
		subs:   make(map[int]signaling.Handler),
	}, nil
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}

func relayURL(base, userID string) (string, error) {
	base = normalizeBaseURL(base)
	if base == "" {
		return "", errors.New("ws: relay URL missing")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("ws: unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials the relay and pumps inbound messages until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.log.Info("connected to signaling relay")
			err = c.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := time.Duration(1<<min(attempt, 5)) * time.Second
		if delay > maxRedialDelay {
			delay = maxRedialDelay
		}
		c.log.Warn("signaling relay connection lost", "err", err, "retry_in", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer c.drop(conn)

	pongWait := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.RecipientID != c.cfg.UserID {
			continue
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn("dropping invalid signaling message", "err", err)
			continue
		}
		metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Kind), "in").Inc()
		c.dispatch(msg)
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) dispatch(msg signaling.Message) {
	c.mu.Lock()
	handlers := make([]signaling.Handler, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Connected reports whether a relay connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	if msg.SenderID == "" {
		msg.SenderID = c.cfg.UserID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("ws: write %s: %w", msg.Kind, err)
	}
	metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Kind), "out").Inc()
	return nil
}

func (c *Client) Subscribe(h signaling.Handler) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

var _ signaling.Signaler = (*Client)(nil)
