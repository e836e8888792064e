package keystore

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"snakkaz-e2ee/internal/cryptocore"
)

// IdentityKeyID is the ID under which the device identity key pair is kept.
const IdentityKeyID = "identity"

func chatKeyID(conversationID string) string { return "chat:" + conversationID }

// KeyPair loads a key pair stored with PutKeyPair.
func KeyPair(ks KeyStore, id string) (cryptocore.KeyPair, error) {
	raw, err := ks.Get(id)
	if err != nil {
		return cryptocore.KeyPair{}, err
	}
	var kp cryptocore.KeyPair
	if err := cbor.Unmarshal(raw, &kp); err != nil {
		return cryptocore.KeyPair{}, fmt.Errorf("keystore: decode key pair %s: %w", id, err)
	}
	return kp, nil
}

func PutKeyPair(ks KeyStore, id string, kp cryptocore.KeyPair) error {
	raw, err := cbor.Marshal(kp)
	if err != nil {
		return err
	}
	return ks.Set(id, raw)
}

// LoadOrCreateIdentity returns the device identity key pair, generating and
// storing one on first use. A stored pair on another curve is an error.
func LoadOrCreateIdentity(ks KeyStore, kx *cryptocore.KeyExchange) (cryptocore.KeyPair, bool, error) {
	kp, err := KeyPair(ks, IdentityKeyID)
	switch {
	case err == nil:
		if kp.Curve != kx.Curve() {
			return cryptocore.KeyPair{}, false, fmt.Errorf("keystore: identity key is %s, configured curve is %s", kp.Curve, kx.Curve())
		}
		return kp, false, nil
	case !errors.Is(err, ErrNotFound):
		return cryptocore.KeyPair{}, false, err
	}
	kp, err = kx.GenerateKeyPair()
	if err != nil {
		return cryptocore.KeyPair{}, false, err
	}
	if err := PutKeyPair(ks, IdentityKeyID, kp); err != nil {
		return cryptocore.KeyPair{}, false, err
	}
	return kp, true, nil
}

// ChatKey loads the symmetric chat key of a conversation.
func ChatKey(ks KeyStore, conversationID string) (cryptocore.SymmetricKey, error) {
	raw, err := ks.Get(chatKeyID(conversationID))
	if err != nil {
		return cryptocore.SymmetricKey{}, err
	}
	return cryptocore.ImportKey(raw)
}

func PutChatKey(ks KeyStore, conversationID string, key cryptocore.SymmetricKey) error {
	raw, _ := key.MarshalBinary()
	return ks.Set(chatKeyID(conversationID), raw)
}

// LoadOrCreateChatKey returns the chat key of a conversation, generating and
// storing a fresh one on first use.
func LoadOrCreateChatKey(ks KeyStore, conversationID string) (cryptocore.SymmetricKey, bool, error) {
	key, err := ChatKey(ks, conversationID)
	switch {
	case err == nil:
		return key, false, nil
	case !errors.Is(err, ErrNotFound):
		return cryptocore.SymmetricKey{}, false, err
	}
	key, err = cryptocore.GenerateKey()
	if err != nil {
		return cryptocore.SymmetricKey{}, false, err
	}
	if err := PutChatKey(ks, conversationID, key); err != nil {
		return cryptocore.SymmetricKey{}, false, err
	}
	return key, true, nil
}

var chatKeyLabel = []byte("snakkaz-chat-key")

// ShareChatKey wraps the chat key of a conversation, creating it if needed,
// for the peer holding peerPublicKey.
func ShareChatKey(ks KeyStore, kx *cryptocore.KeyExchange, conversationID string, peerPublicKey []byte) (*cryptocore.WrappedKey, error) {
	key, _, err := LoadOrCreateChatKey(ks, conversationID)
	if err != nil {
		return nil, err
	}
	return kx.WrapKey(key, peerPublicKey, chatKeyLabel)
}

// AcceptSharedChatKey unwraps a chat key shared with identity and stores it
// for conversationID, replacing any key kept there.
func AcceptSharedChatKey(ks KeyStore, kx *cryptocore.KeyExchange, identity cryptocore.KeyPair, conversationID string, w *cryptocore.WrappedKey) (cryptocore.SymmetricKey, error) {
	key, err := kx.UnwrapKey(w, identity, chatKeyLabel)
	if err != nil {
		return cryptocore.SymmetricKey{}, err
	}
	if err := PutChatKey(ks, conversationID, key); err != nil {
		return cryptocore.SymmetricKey{}, err
	}
	return key, nil
}

func RemoveChatKey(ks KeyStore, conversationID string) error {
	return ks.Remove(chatKeyID(conversationID))
}

// MigrateLegacyChatKey imports a chat key kept by an older client (hex,
// base64 or JWK) and stores it in canonical form.
func MigrateLegacyChatKey(ks KeyStore, conversationID, legacy string) (cryptocore.SymmetricKey, error) {
	key, err := cryptocore.ImportLegacyKey(legacy)
	if err != nil {
		return cryptocore.SymmetricKey{}, err
	}
	if err := PutChatKey(ks, conversationID, key); err != nil {
		return cryptocore.SymmetricKey{}, err
	}
	return key, nil
}

// MigrateLegacyKeyPair imports an EC JWK key pair and stores it under id.
func MigrateLegacyKeyPair(ks KeyStore, id, legacy string) (cryptocore.KeyPair, error) {
	kp, err := cryptocore.ImportLegacyKeyPair(legacy)
	if err != nil {
		return cryptocore.KeyPair{}, err
	}
	if err := PutKeyPair(ks, id, kp); err != nil {
		return cryptocore.KeyPair{}, err
	}
	return kp, nil
}
