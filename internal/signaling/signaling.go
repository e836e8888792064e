// Package signaling defines the messages peers exchange through the relay to
// negotiate a direct channel, and the client interface the channel manager
// consumes.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindOffer           Kind = "offer"
	KindAnswer          Kind = "answer"
	KindICECandidate    Kind = "ice-candidate"
	KindKeyAnnouncement Kind = "key-announcement"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindKeyAnnouncement:
		return true
	}
	return false
}

// Message is one transient signaling exchange. It is never persisted.
type Message struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	SentAt      time.Time       `json:"sentAt"`
}

// NewMessage builds a message with a fresh ID, marshalling payload as JSON.
func NewMessage(sender, recipient string, kind Kind, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("signaling: encode %s payload: %w", kind, err)
	}
	return Message{
		ID:          uuid.NewString(),
		SenderID:    sender,
		RecipientID: recipient,
		Kind:        kind,
		Payload:     raw,
		SentAt:      time.Now().UTC(),
	}, nil
}

func (m Message) Validate() error {
	switch {
	case m.SenderID == "":
		return errors.New("signaling: missing sender")
	case m.RecipientID == "":
		return errors.New("signaling: missing recipient")
	case !m.Kind.Valid():
		return fmt.Errorf("signaling: unknown kind %q", m.Kind)
	case len(m.Payload) == 0:
		return errors.New("signaling: empty payload")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("signaling: decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// KeyAnnouncement publishes the sender's current ratchet public key. Fresh is
// set when the sender has just (re)initialized its session.
type KeyAnnouncement struct {
	Curve     string `json:"curve"`
	PublicKey []byte `json:"publicKey"`
	Fresh     bool   `json:"fresh,omitempty"`
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Handler func(Message)

// Signaler sends messages to the relay and delivers the ones addressed to the
// local user to subscribed handlers.
type Signaler interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(h Handler) (unsubscribe func())
}
