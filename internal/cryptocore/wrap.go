package cryptocore

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const infoKeyWrap = "SnakkazKeyWrap"

// WrappedKey is a symmetric key sealed for one recipient. The sender's
// ephemeral public key travels with it; the recipient combines it with their
// private key to recover the wrapping key.
type WrappedKey struct {
	Curve      Curve  `json:"curve"`
	Ephemeral  []byte `json:"ephemeral"`
	IV         IV     `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// WrapKey seals key for the holder of recipientPublic. label binds the
// wrapped key to its purpose (a conversation or group key version) and must
// be repeated on UnwrapKey.
func (kx *KeyExchange) WrapKey(key SymmetricKey, recipientPublic, label []byte) (*WrappedKey, error) {
	eph, err := kx.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := kx.DeriveSharedSecret(eph.PrivateKey, recipientPublic)
	if err != nil {
		return nil, err
	}
	wk, err := wrappingKey(secret, eph.PublicKey, recipientPublic, label)
	if err != nil {
		return nil, err
	}
	ct, iv, err := EncryptWithAD(key[:], wk, label)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{
		Curve:      kx.curve,
		Ephemeral:  eph.PublicKey,
		IV:         iv,
		Ciphertext: ct,
	}, nil
}

// UnwrapKey recovers a key sealed by WrapKey for ours. A wrong recipient,
// label or tampered blob yields ErrDecryptionFailed.
func (kx *KeyExchange) UnwrapKey(w *WrappedKey, ours KeyPair, label []byte) (SymmetricKey, error) {
	if w == nil {
		return SymmetricKey{}, fmt.Errorf("%w: nil wrapped key", ErrKeyImport)
	}
	if w.Curve != kx.curve || ours.Curve != kx.curve {
		return SymmetricKey{}, fmt.Errorf("%w: wrapped on %s, key pair %s, exchange %s", ErrKeyExchange, w.Curve, ours.Curve, kx.curve)
	}
	secret, err := kx.DeriveSharedSecret(ours.PrivateKey, w.Ephemeral)
	if err != nil {
		return SymmetricKey{}, err
	}
	wk, err := wrappingKey(secret, w.Ephemeral, ours.PublicKey, label)
	if err != nil {
		return SymmetricKey{}, err
	}
	raw, err := DecryptWithAD(w.Ciphertext, wk, w.IV, label)
	if err != nil {
		return SymmetricKey{}, err
	}
	return ImportKey(raw)
}

func wrappingKey(secret, ephemeral, recipient, label []byte) (SymmetricKey, error) {
	salt := make([]byte, 0, len(ephemeral)+len(recipient))
	salt = append(salt, ephemeral...)
	salt = append(salt, recipient...)
	info := append([]byte(infoKeyWrap), label...)
	var wk SymmetricKey
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), wk[:]); err != nil {
		return SymmetricKey{}, err
	}
	return wk, nil
}
