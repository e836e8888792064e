package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/observability/logging"
	"snakkaz-e2ee/internal/signaling"
)

type endpoint struct {
	link     channel.Link
	open     chan struct{}
	messages chan []byte
	cands    chan []byte
}

func newEndpoint(t *testing.T, tr *Transport, peer string) *endpoint {
	t.Helper()
	e := &endpoint{
		open:     make(chan struct{}),
		messages: make(chan []byte, 8),
		cands:    make(chan []byte, 64),
	}
	var opened sync.Once
	link, err := tr.NewLink(peer, channel.Hooks{
		OnCandidate: func(c []byte) { e.cands <- c },
		OnDataChannelState: func(s channel.DataChannelState) {
			if s == channel.DataChannelOpen {
				opened.Do(func() { close(e.open) })
			}
		},
		OnMessage: func(b []byte) { e.messages <- append([]byte(nil), b...) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	e.link = link
	return e
}

// relay forwards candidates from one endpoint to the other until ctx ends.
func relay(ctx context.Context, from, to *endpoint) {
	for {
		select {
		case c := <-from.cands:
			_ = to.link.AddCandidate(c)
		case <-ctx.Done():
			return
		}
	}
}

func TestDataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	tr := New(Config{IncludeLoopback: true}, logging.Discard())
	a := newEndpoint(t, tr, "b")
	b := newEndpoint(t, tr, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go relay(ctx, a, b)
	go relay(ctx, b, a)

	offer, err := a.link.Offer(ctx)
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Type)
	answer, err := b.link.Answer(ctx, offer)
	require.NoError(t, err)
	require.Equal(t, "answer", answer.Type)
	require.NoError(t, a.link.AcceptAnswer(answer))

	for _, e := range []*endpoint{a, b} {
		select {
		case <-e.open:
		case <-ctx.Done():
			t.Fatal("data channel did not open")
		}
	}

	require.NoError(t, a.link.Send([]byte("ping")))
	select {
	case got := <-b.messages:
		require.Equal(t, "ping", string(got))
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestRejectsWrongDescriptionType(t *testing.T) {
	tr := New(Config{}, logging.Discard())
	e := newEndpoint(t, tr, "x")
	_, err := e.link.Answer(context.Background(), signaling.SessionDescription{Type: "answer", SDP: "v=0"})
	require.Error(t, err)
	require.Error(t, e.link.AcceptAnswer(signaling.SessionDescription{Type: "offer", SDP: "v=0"}))
	require.ErrorIs(t, e.link.Send([]byte("x")), ErrNotOpen)
	require.Error(t, e.link.AddCandidate([]byte("not json")))
}

func TestConnStateMapping(t *testing.T) {
	require.Equal(t, channel.ConnConnected, connState(pion.PeerConnectionStateConnected))
	require.Equal(t, channel.ConnFailed, connState(pion.PeerConnectionStateFailed))
	require.Equal(t, channel.ConnNew, connState(pion.PeerConnectionStateNew))
}
