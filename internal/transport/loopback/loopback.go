// Package loopback is an in-process channel.Transport. Links of users
// attached to the same Network talk to each other directly; it backs tests and
// the single-process demo mode of chatd.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/signaling"
)

var (
	ErrUnreachable = errors.New("loopback: peer unreachable")
	ErrNotOpen     = errors.New("loopback: link not open")
)

const sdpPrefix = "loopback "

type pair [2]string

func key(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Network is a set of attached users.
type Network struct {
	mu      sync.Mutex
	offers  map[string]*link
	links   map[*link]struct{}
	blocked map[pair]bool
}

func NewNetwork() *Network {
	return &Network{
		offers:  make(map[string]*link),
		links:   make(map[*link]struct{}),
		blocked: make(map[pair]bool),
	}
}

// Block makes negotiation between a and b fail until Unblock.
func (n *Network) Block(a, b string) {
	n.mu.Lock()
	n.blocked[key(a, b)] = true
	n.mu.Unlock()
}

func (n *Network) Unblock(a, b string) {
	n.mu.Lock()
	delete(n.blocked, key(a, b))
	n.mu.Unlock()
}

// Sever drops every open link between a and b as if the path failed.
func (n *Network) Sever(a, b string) {
	k := key(a, b)
	n.mu.Lock()
	var victims []*link
	for l := range n.links {
		if key(l.local, l.peer) == k {
			victims = append(victims, l)
		}
	}
	n.mu.Unlock()
	for _, l := range victims {
		l.fail()
	}
}

// Transport returns the transport of localID.
func (n *Network) Transport(localID string) *Transport {
	return &Transport{net: n, localID: localID}
}

type Transport struct {
	net     *Network
	localID string
}

func (t *Transport) NewLink(peerID string, hooks channel.Hooks) (channel.Link, error) {
	l := &link{
		net:    t.net,
		local:  t.localID,
		peer:   peerID,
		hooks:  hooks,
		events: make(chan func(), 1024),
		done:   make(chan struct{}),
	}
	t.net.mu.Lock()
	t.net.links[l] = struct{}{}
	t.net.mu.Unlock()
	go l.run()
	return l, nil
}

type link struct {
	net         *Network
	local, peer string
	hooks       channel.Hooks
	events      chan func()
	done        chan struct{}
	closeOnce   sync.Once

	mu     sync.Mutex
	token  string
	remote *link
	open   bool
	closed bool
}

func (l *link) run() {
	for {
		select {
		case f := <-l.events:
			f()
		case <-l.done:
			return
		}
	}
}

func (l *link) post(f func()) {
	select {
	case l.events <- f:
	case <-l.done:
	}
}

func (l *link) Offer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	token := uuid.NewString()
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	l.net.mu.Lock()
	l.net.offers[token] = l
	l.net.mu.Unlock()
	l.connState(channel.ConnConnecting)
	return signaling.SessionDescription{Type: "offer", SDP: sdpPrefix + token}, nil
}

func (l *link) Answer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	token, ok := strings.CutPrefix(offer.SDP, sdpPrefix)
	if offer.Type != "offer" || !ok {
		return signaling.SessionDescription{}, fmt.Errorf("loopback: not a loopback offer")
	}
	l.net.mu.Lock()
	remote, found := l.net.offers[token]
	blocked := l.net.blocked[key(l.local, l.peer)]
	if found && !blocked {
		delete(l.net.offers, token)
	}
	l.net.mu.Unlock()
	switch {
	case !found:
		return signaling.SessionDescription{}, fmt.Errorf("loopback: unknown offer %s", token)
	case blocked:
		return signaling.SessionDescription{}, fmt.Errorf("%w: %s", ErrUnreachable, l.peer)
	}

	own := uuid.NewString()
	l.mu.Lock()
	l.token = own
	l.remote = remote
	l.mu.Unlock()
	remote.mu.Lock()
	remote.remote = l
	remote.mu.Unlock()
	l.connState(channel.ConnConnecting)
	return signaling.SessionDescription{Type: "answer", SDP: sdpPrefix + own}, nil
}

func (l *link) AcceptAnswer(answer signaling.SessionDescription) error {
	token, ok := strings.CutPrefix(answer.SDP, sdpPrefix)
	if answer.Type != "answer" || !ok {
		return fmt.Errorf("loopback: not a loopback answer")
	}
	l.mu.Lock()
	remote := l.remote
	l.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("loopback: answer without offer")
	}
	remote.mu.Lock()
	match := remote.token == token
	remote.mu.Unlock()
	if !match {
		return fmt.Errorf("loopback: answer %s does not match", token)
	}
	l.setOpen()
	remote.setOpen()
	return nil
}

func (l *link) setOpen() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.open = true
	l.mu.Unlock()
	l.connState(channel.ConnConnected)
	l.post(func() {
		if l.hooks.OnDataChannelState != nil {
			l.hooks.OnDataChannelState(channel.DataChannelOpen)
		}
	})
}

// AddCandidate accepts and ignores candidates; loopback links need none.
func (l *link) AddCandidate([]byte) error { return nil }

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	remote, open := l.remote, l.open
	l.mu.Unlock()
	if !open || remote == nil {
		return ErrNotOpen
	}
	msg := append([]byte(nil), data...)
	remote.post(func() {
		if remote.hooks.OnMessage != nil {
			remote.hooks.OnMessage(msg)
		}
	})
	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.open = false
	remote := l.remote
	token := l.token
	l.mu.Unlock()

	l.net.mu.Lock()
	delete(l.net.links, l)
	if l.net.offers[token] == l {
		delete(l.net.offers, token)
	}
	l.net.mu.Unlock()

	if remote != nil {
		remote.peerGone(l)
	}
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// peerGone is called when the other end closes.
func (l *link) peerGone(from *link) {
	l.mu.Lock()
	if l.remote != from || !l.open {
		l.mu.Unlock()
		return
	}
	l.open = false
	l.mu.Unlock()
	l.post(func() {
		if l.hooks.OnDataChannelState != nil {
			l.hooks.OnDataChannelState(channel.DataChannelClosed)
		}
	})
	l.connState(channel.ConnDisconnected)
}

func (l *link) fail() {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()
	if wasOpen {
		l.connState(channel.ConnFailed)
	}
}

func (l *link) connState(s channel.ConnState) {
	l.post(func() {
		if l.hooks.OnConnectionState != nil {
			l.hooks.OnConnectionState(s)
		}
	})
}

var _ channel.Transport = (*Transport)(nil)
