// Package pgnotify is a signaling.Signaler that relays messages through
// Postgres LISTEN/NOTIFY. Every user listens on its own channel, derived from
// the user ID.
package pgnotify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"snakkaz-e2ee/internal/observability/metrics"
	"snakkaz-e2ee/internal/signaling"
)

// MaxPayload is the NOTIFY payload limit of a default Postgres build, less
// one byte.
const MaxPayload = 7999

const defaultPrefix = "snakkaz_signal"

var ErrPayloadTooLarge = errors.New("pgnotify: payload exceeds NOTIFY limit")

type Config struct {
	DSN    string
	UserID string
	// Prefix namespaces the channel names; defaults to snakkaz_signal.
	Prefix string
}

type Client struct {
	cfg     Config
	channel string
	pool    *pgxpool.Pool
	log     *slog.Logger

	mu   sync.Mutex
	subs map[int]signaling.Handler
	next int
}

// ChannelName returns the NOTIFY channel of userID.
func ChannelName(prefix, userID string) string {
	if prefix == "" {
		prefix = defaultPrefix
	}
	sum := sha256.Sum256([]byte(userID))
	return prefix + "_" + hex.EncodeToString(sum[:8])
}

// Connect opens the pool used for NOTIFY. Run opens its own connection for
// LISTEN.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("pgnotify: missing user id")
	}
	if log == nil {
		log = slog.Default()
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: open pool: %w", err)
	}
	return &Client{
		cfg:     cfg,
		channel: ChannelName(cfg.Prefix, cfg.UserID),
		pool:    pool,
		log:     log.With("channel", ChannelName(cfg.Prefix, cfg.UserID)),
		subs:    make(map[int]signaling.Handler),
	}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func encode(msg signaling.Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("pgnotify: encode: %w", err)
	}
	if len(raw) > MaxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	return string(raw), nil
}

func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	if msg.SenderID == "" {
		msg.SenderID = c.cfg.UserID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelName(c.cfg.Prefix, msg.RecipientID), payload); err != nil {
		return fmt.Errorf("pgnotify: notify %s: %w", msg.RecipientID, err)
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

// Run listens for notifications until ctx is done, re-establishing the
// listening connection when it drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("listen connection lost", "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) listen(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.channel}.Sanitize()); err != nil {
		return fmt.Errorf("pgnotify: listen: %w", err)
	}
	c.log.Info("listening for signaling")
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg signaling.Message
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			c.log.Warn("dropping undecodable notification", "err", err)
			continue
		}
		if msg.RecipientID != c.cfg.UserID || msg.Validate() != nil {
			continue
		}
		metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Kind), "in").Inc()
		c.dispatch(msg)
	}
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

var _ signaling.Signaler = (*Client)(nil)
