package groupkey

import (
	"encoding/hex"
	"errors"

	"snakkaz-e2ee/internal/cryptocore"
)

// Message is a group message sealed under one key version.
type Message struct {
	GroupID    string        `json:"groupId"`
	Version    uint32        `json:"version"`
	Ciphertext []byte        `json:"ciphertext"`
	IV         cryptocore.IV `json:"iv"`
}

// Encrypt seals plaintext under the current key of groupID.
func (m *Manager) Encrypt(groupID string, plaintext []byte) (*Message, error) {
	k, err := m.Current(groupID)
	if err != nil {
		return nil, err
	}
	ct, iv, err := cryptocore.Encrypt(plaintext, k.Secret)
	if err != nil {
		return nil, err
	}
	return &Message{GroupID: groupID, Version: k.Version, Ciphertext: ct, IV: iv}, nil
}

// Decrypt opens msg with the key version it names, which may be a replaced
// or expired one.
func (m *Manager) Decrypt(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("groupkey: nil message")
	}
	k, err := m.Version(msg.GroupID, msg.Version)
	if err != nil {
		return nil, err
	}
	return cryptocore.Decrypt(msg.Ciphertext, k.Secret, msg.IV)
}

// ImportLegacyMessage converts a group message stored by an older client as
// base64 ciphertext and IV strings.
func ImportLegacyMessage(groupID string, version uint32, encryptedData, iv string) (*Message, error) {
	ct, parsed, err := cryptocore.ImportLegacyCiphertext(encryptedData, iv)
	if err != nil {
		return nil, err
	}
	return &Message{GroupID: groupID, Version: version, Ciphertext: ct, IV: parsed}, nil
}

// GenerateFileKey returns a one-off key for a file shared in groupID and
// the ID it is announced under.
func GenerateFileKey(groupID string) (string, cryptocore.SymmetricKey, error) {
	key, err := cryptocore.GenerateKey()
	if err != nil {
		return "", cryptocore.SymmetricKey{}, err
	}
	suffix, err := cryptocore.RandomBytes(6)
	if err != nil {
		return "", cryptocore.SymmetricKey{}, err
	}
	return "file-" + groupID + "-" + hex.EncodeToString(suffix), key, nil
}
