package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"snakkaz-e2ee/internal/observability/logging"
	"snakkaz-e2ee/internal/signaling"
)

// relay is a minimal in-test relay that forwards by recipient.
type relay struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	tokens   []string
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	user := req.URL.Query().Get("user_id")
	r.mu.Lock()
	r.conns[user] = conn
	r.tokens = append(r.tokens, req.Header.Get("Authorization"))
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, user)
		r.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg signaling.Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		r.mu.Lock()
		dst := r.conns[msg.RecipientID]
		if dst != nil {
			_ = dst.WriteMessage(websocket.TextMessage, data)
		}
		r.mu.Unlock()
	}
}

func (r *relay) connected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func startClient(t *testing.T, ctx context.Context, base, user string) *Client {
	t.Helper()
	c, err := New(Config{RelayURL: base, UserID: user, Token: "tok-" + user}, logging.Discard())
	require.NoError(t, err)
	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestRelayRoundTrip(t *testing.T) {
	r := &relay{conns: make(map[string]*websocket.Conn)}
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := startClient(t, ctx, srv.URL, "alice")
	bob := startClient(t, ctx, srv.URL, "bob")
	require.Eventually(t, func() bool { return r.connected() == 2 }, 2*time.Second, 5*time.Millisecond)

	got := make(chan signaling.Message, 1)
	unsubscribe := bob.Subscribe(func(m signaling.Message) { got <- m })
	defer unsubscribe()

	msg, err := signaling.NewMessage("", "bob", signaling.KindOffer, signaling.SessionDescription{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(ctx, msg))

	select {
	case m := <-got:
		require.Equal(t, "alice", m.SenderID)
		require.Equal(t, signaling.KindOffer, m.Kind)
		var sd signaling.SessionDescription
		require.NoError(t, m.Decode(&sd))
		require.Equal(t, "v=0", sd.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed")
	}

	r.mu.Lock()
	require.Contains(t, r.tokens, "Bearer tok-alice")
	r.mu.Unlock()
}

func TestSendWithoutConnection(t *testing.T) {
	c, err := New(Config{RelayURL: "http://127.0.0.1:1", UserID: "alice"}, logging.Discard())
	require.NoError(t, err)
	msg, err := signaling.NewMessage("alice", "bob", signaling.KindAnswer, signaling.SessionDescription{Type: "answer"})
	require.NoError(t, err)
	require.ErrorIs(t, c.Send(context.Background(), msg), ErrNotConnected)

	msg.Kind = "bogus"
	require.Error(t, c.Send(context.Background(), msg))
}

func TestRelayURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{in: "http://relay.local/", want: "ws://relay.local/signal?user_id=u%2F1"},
		{in: "https://relay.local/api", want: "wss://relay.local/api/signal?user_id=u%2F1"},
		{in: " wss://relay.local:8443 ", want: "wss://relay.local:8443/signal?user_id=u%2F1"},
	}
	for _, tc := range cases {
		got, err := relayURL(tc.in, "u/1")
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
	_, err := relayURL("ftp://relay.local", "u")
	require.Error(t, err)
	_, err = relayURL("", "u")
	require.Error(t, err)
	_, err = New(Config{RelayURL: "http://relay.local"}, nil)
	require.Error(t, err)
}
