package channel

import (
	"encoding/json"
	"fmt"

	"snakkaz-e2ee/internal/ratchet"
)

const (
	ContentText  = "text"
	ContentMedia = "media"
)

// Envelope is the wire form of one encrypted message on the data channel.
// Byte fields are base64 in JSON.
type Envelope struct {
	Ciphertext  []byte `json:"ciphertext"`
	IV          []byte `json:"iv"`
	Counter     uint32 `json:"counter"`
	ContentType string `json:"contentType"`
	RatchetKey  []byte `json:"ratchetKey,omitempty"`
	ChainStart  uint32 `json:"chainStart,omitempty"`
}

func (e Envelope) Header() ratchet.Header {
	return ratchet.Header{Counter: e.Counter, RatchetKey: e.RatchetKey, ChainStart: e.ChainStart}
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(e.Ciphertext) == 0 || len(e.IV) == 0 || e.ContentType == "" {
		return Envelope{}, fmt.Errorf("%w: missing fields", ErrMalformedEnvelope)
	}
	return e, nil
}
