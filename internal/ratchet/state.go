package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"snakkaz-e2ee/internal/cryptocore"
)

// State is the persisted double-ratchet state of one conversation.
type State struct {
	ConversationID    string             `cbor:"1,keyasint"`
	RootKey           [32]byte           `cbor:"2,keyasint"`
	SendingChainKey   [32]byte           `cbor:"3,keyasint"`
	ReceivingChainKey [32]byte           `cbor:"4,keyasint"`
	SendingCounter    uint32             `cbor:"5,keyasint"`
	ReceivingCounter  uint32             `cbor:"6,keyasint"`
	SendingChainStart uint32             `cbor:"7,keyasint"`
	LocalKeyPair      cryptocore.KeyPair `cbor:"8,keyasint"`
	RemotePublicKey   []byte             `cbor:"9,keyasint,omitempty"`
	LastUpdated       time.Time          `cbor:"10,keyasint"`
}

// Pending reports whether the remote ratchet key is still unknown.
func (s *State) Pending() bool {
	return len(s.RemotePublicKey) == 0
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.LocalKeyPair = cryptocore.KeyPair{
		Curve:      s.LocalKeyPair.Curve,
		PublicKey:  append([]byte(nil), s.LocalKeyPair.PublicKey...),
		PrivateKey: append([]byte(nil), s.LocalKeyPair.PrivateKey...),
	}
	if s.RemotePublicKey != nil {
		out.RemotePublicKey = append([]byte(nil), s.RemotePublicKey...)
	}
	return &out
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalBinary encodes the state as deterministic CBOR.
func (s *State) MarshalBinary() ([]byte, error) {
	if s == nil {
		return nil, errors.New("ratchet: nil state")
	}
	return encMode.Marshal(s)
}

// UnmarshalState decodes a state produced by MarshalBinary.
func UnmarshalState(data []byte) (*State, error) {
	var st State
	if err := decMode.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ratchet: decode state: %w", err)
	}
	if st.ConversationID == "" {
		return nil, errors.New("ratchet: decode state: missing conversation id")
	}
	return &st, nil
}

// MessageKeys is the single-use key material for one message. It is never
// persisted.
type MessageKeys struct {
	EncryptionKey     cryptocore.SymmetricKey
	AuthenticationKey [32]byte
	IV                cryptocore.IV
}

// AssociatedData authenticates the cleartext envelope fields under the
// message's authentication key.
func (mk MessageKeys) AssociatedData(counter uint32, contentType string) []byte {
	mac := hmac.New(sha256.New, mk.AuthenticationKey[:])
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], counter)
	mac.Write(buf[:])
	mac.Write([]byte(contentType))
	return mac.Sum(nil)
}

// Header is the ratchet metadata that travels with each ciphertext.
type Header struct {
	Counter uint32
	// RatchetKey is the sender's current ratchet public key. A value the
	// receiver has not seen triggers a DH ratchet step.
	RatchetKey []byte
	// ChainStart is the sender counter at which its current sending chain began.
	ChainStart uint32
}
