package cryptocore

import (
	"errors"
	"time"
)

// MediaMetadata describes an encrypted attachment. It travels next to the
// ciphertext and is not itself encrypted.
type MediaMetadata struct {
	Size         int64     `json:"size"`
	OriginalName string    `json:"originalName,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// EncryptedMedia is a sealed attachment together with the one-off key needed
// to open it. The key is shared with the recipient inside a ratcheted message.
type EncryptedMedia struct {
	Ciphertext []byte        `json:"ciphertext"`
	Key        SymmetricKey  `json:"key"`
	IV         IV            `json:"iv"`
	MediaType  string        `json:"mediaType"`
	Metadata   MediaMetadata `json:"metadata"`
}

// EncryptMedia seals data under a fresh key. The media type is bound as
// associated data so it cannot be swapped in transit.
func EncryptMedia(data []byte, mediaType string, meta MediaMetadata) (*EncryptedMedia, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	meta.Size = int64(len(data))
	ct, iv, err := EncryptWithAD(data, key, []byte(mediaType))
	if err != nil {
		return nil, err
	}
	return &EncryptedMedia{
		Ciphertext: ct,
		Key:        key,
		IV:         iv,
		MediaType:  mediaType,
		Metadata:   meta,
	}, nil
}

// DecryptMedia opens an attachment sealed by EncryptMedia, refusing it once
// its expiry has passed.
func DecryptMedia(m *EncryptedMedia, now time.Time) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cryptocore: nil media")
	}
	if !m.Metadata.ExpiresAt.IsZero() && now.After(m.Metadata.ExpiresAt) {
		return nil, ErrMediaExpired
	}
	if m.Key.isZero() {
		return nil, ErrKeyImport
	}
	return DecryptWithAD(m.Ciphertext, m.Key, m.IV, []byte(m.MediaType))
}
