package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/observability/logging"
	"snakkaz-e2ee/internal/ratchet"
	"snakkaz-e2ee/internal/signaling"
	"snakkaz-e2ee/internal/transport/loopback"
)

func TestEchoPeerRepliesOverRatchet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := signaling.NewHub()
	network := loopback.NewNetwork()
	newTransport := func(id string) channel.Transport { return network.Transport(id) }
	cfg := channel.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second

	kx, err := cryptocore.NewKeyExchange(cryptocore.CurveX25519)
	require.NoError(t, err)
	echo, err := startEcho(ctx, hub, newTransport, cfg, kx, "alice", logging.Discard())
	require.NoError(t, err)
	defer echo.Close()
	require.Equal(t, "alice-echo", echo.LocalID())

	identity, err := kx.GenerateKeyPair()
	require.NoError(t, err)
	ep := hub.Endpoint("alice")
	defer ep.Close()
	inbox := make(chan channel.Message, 4)
	alice, err := channel.New(cfg, "alice", identity, ratchet.New(ratchet.NewMemoryStore(), kx), newTransport("alice"), ep,
		channel.WithLogger(logging.Discard()),
		channel.WithMessageHandler(func(m channel.Message) { inbox <- m }),
	)
	require.NoError(t, err)
	defer alice.Close()

	require.NoError(t, alice.ConnectToPeer(ctx, echo.LocalID(), echo.identity.PublicKey))
	require.NoError(t, alice.SendMessage(ctx, echo.LocalID(), []byte("ping")))

	select {
	case msg := <-inbox:
		require.Equal(t, "echo: ping", string(msg.Body))
		require.Equal(t, "alice-echo", msg.PeerID)
	case <-ctx.Done():
		t.Fatal("no echo reply")
	}
}
