package main

import (
	"context"
	"log/slog"

	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/ratchet"
	"snakkaz-e2ee/internal/signaling"
)

// echoPeer is an in-process peer that answers every message with a copy of
// it. With the hub backend it gives the UI something to talk to.
type echoPeer struct {
	*channel.Manager
	identity cryptocore.KeyPair
	ep       *signaling.Endpoint
}

func (e *echoPeer) Close() error {
	err := e.Manager.Close()
	_ = e.ep.Close()
	return err
}

func startEcho(ctx context.Context, hub *signaling.Hub, newTransport func(string) channel.Transport, cfg channel.Config, kx *cryptocore.KeyExchange, localID string, logger *slog.Logger) (*echoPeer, error) {
	id := localID + "-echo"
	identity, err := kx.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	log := logger.With("echo", true)
	e := &echoPeer{identity: identity, ep: hub.Endpoint(id)}
	replies := make(chan channel.Message, 64)
	mgr, err := channel.New(cfg, id, identity,
		ratchet.New(ratchet.NewMemoryStore(), kx, ratchet.WithLogger(log)),
		newTransport(id), e.ep,
		channel.WithLogger(log),
		channel.WithMessageHandler(func(msg channel.Message) {
			select {
			case replies <- msg:
			default:
				log.Warn("echo backlog full, dropping", "peer_id", msg.PeerID)
			}
		}),
	)
	if err != nil {
		_ = e.ep.Close()
		return nil, err
	}
	e.Manager = mgr

	go func() {
		for {
			select {
			case msg := <-replies:
				body := msg.Body
				if msg.ContentType == channel.ContentText {
					body = append([]byte("echo: "), body...)
				}
				if err := mgr.Send(ctx, msg.PeerID, msg.ContentType, body); err != nil {
					log.Warn("echo reply failed", "peer_id", msg.PeerID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info("echo peer started", "peer_id", id, "fingerprint", cryptocore.Fingerprint(identity.PublicKey))
	return e, nil
}
