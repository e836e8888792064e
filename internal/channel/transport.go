package channel

import (
	"context"

	"snakkaz-e2ee/internal/signaling"
)

// Hooks receive transport events for one link. Implementations may call them
// from any goroutine.
type Hooks struct {
	OnCandidate        func(candidate []byte)
	OnConnectionState  func(ConnState)
	OnDataChannelState func(DataChannelState)
	OnMessage          func(data []byte)
}

// Link is one negotiated transport path to a peer.
type Link interface {
	// Offer starts negotiation on the initiating side.
	Offer(ctx context.Context) (signaling.SessionDescription, error)
	// Answer applies a remote offer and returns the local answer.
	Answer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error)
	// AcceptAnswer completes negotiation on the initiating side.
	AcceptAnswer(answer signaling.SessionDescription) error
	AddCandidate(candidate []byte) error
	Send(data []byte) error
	Close() error
}

// Transport creates links.
type Transport interface {
	NewLink(peerID string, hooks Hooks) (Link, error)
}
