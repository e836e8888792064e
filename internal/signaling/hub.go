package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"snakkaz-e2ee/internal/observability/metrics"
)

var ErrUnknownRecipient = errors.New("signaling: unknown recipient")

// Hub routes messages between endpoints in the same process. chatd uses it
// for loopback peers; tests use it in place of a relay.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	filter    func(Message) bool
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// SetFilter installs a predicate; messages for which it returns false are
// silently dropped.
func (h *Hub) SetFilter(f func(Message) bool) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Endpoint returns the endpoint of userID, creating it on first use.
func (h *Hub) Endpoint(userID string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[userID]; ok {
		return ep
	}
	ep := &Endpoint{
		hub:      h,
		userID:   userID,
		inbox:    make(chan Message, 256),
		done:     make(chan struct{}),
		handlers: make(map[int]Handler),
	}
	h.endpoints[userID] = ep
	go ep.dispatch()
	return ep
}

func (h *Hub) route(ctx context.Context, msg Message) error {
	h.mu.RLock()
	ep, ok := h.endpoints[msg.RecipientID]
	filter := h.filter
	h.mu.RUnlock()
	if filter != nil && !filter(msg) {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.RecipientID)
	}
	select {
	case ep.inbox <- msg:
		return nil
	case <-ep.done:
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.RecipientID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Endpoint is one user's attachment to a Hub.
type Endpoint struct {
	hub    *Hub
	userID string
	inbox  chan Message
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	handlers map[int]Handler
	next     int
}

func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	if msg.SenderID == "" {
		msg.SenderID = e.userID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Kind), "out").Inc()
	return e.hub.route(ctx, msg)
}

func (e *Endpoint) Subscribe(h Handler) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.handlers[id] = h
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Close detaches the endpoint from its hub.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.mu.Lock()
		delete(e.hub.endpoints, e.userID)
		e.hub.mu.Unlock()
		close(e.done)
	})
	return nil
}

func (e *Endpoint) dispatch() {
	for {
		select {
		case msg := <-e.inbox:
			metrics.SignalingMessagesTotal.WithLabelValues(string(msg.Kind), "in").Inc()
			e.mu.Lock()
			handlers := make([]Handler, 0, len(e.handlers))
			for _, h := range e.handlers {
				handlers = append(handlers, h)
			}
			e.mu.Unlock()
			for _, h := range handlers {
				h(msg)
			}
		case <-e.done:
			return
		}
	}
}

var _ Signaler = (*Endpoint)(nil)
