package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
)

// SymmetricKey is a 256-bit AES key in its canonical raw form.
type SymmetricKey [KeySize]byte

// IV is a 96-bit GCM nonce.
type IV [IVSize]byte

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() (SymmetricKey, error) {
	var k SymmetricKey
	if err := readRandom(k[:]); err != nil {
		return SymmetricKey{}, err
	}
	return k, nil
}

// MarshalBinary returns the canonical encoding of the key.
func (k SymmetricKey) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), k[:]...), nil
}

// UnmarshalBinary parses the canonical encoding of a key.
func (k *SymmetricKey) UnmarshalBinary(b []byte) error {
	parsed, err := ImportKey(b)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// String renders the key in unpadded base64url, the form used on the wire
// and in the CLI.
func (k SymmetricKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler using unpadded base64url.
func (k SymmetricKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SymmetricKey) UnmarshalText(text []byte) error {
	raw, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyImport, err)
	}
	return k.UnmarshalBinary(raw)
}

// MarshalText implements encoding.TextMarshaler using unpadded base64url.
func (iv IV) MarshalText() ([]byte, error) {
	return []byte(base64.RawURLEncoding.EncodeToString(iv[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (iv *IV) UnmarshalText(text []byte) error {
	raw, err := base64.RawURLEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyImport, err)
	}
	parsed, err := ImportIV(raw)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// Equal compares two keys in constant time.
func (k SymmetricKey) Equal(other SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

func (k SymmetricKey) isZero() bool {
	var zero SymmetricKey
	return k == zero
}

// ImportKey parses a canonical raw key. Any other length is rejected.
func ImportKey(b []byte) (SymmetricKey, error) {
	if len(b) != KeySize {
		return SymmetricKey{}, fmt.Errorf("%w: key length %d, want %d", ErrKeyImport, len(b), KeySize)
	}
	var k SymmetricKey
	copy(k[:], b)
	return k, nil
}

// ImportIV parses a canonical raw IV.
func ImportIV(b []byte) (IV, error) {
	if len(b) != IVSize {
		return IV{}, fmt.Errorf("%w: iv length %d, want %d", ErrKeyImport, len(b), IVSize)
	}
	var iv IV
	copy(iv[:], b)
	return iv, nil
}

// Encrypt seals plaintext under key with a fresh random IV.
func Encrypt(plaintext []byte, key SymmetricKey) ([]byte, IV, error) {
	return EncryptWithAD(plaintext, key, nil)
}

// EncryptWithAD seals plaintext under key, authenticating ad alongside it.
func EncryptWithAD(plaintext []byte, key SymmetricKey, ad []byte) ([]byte, IV, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, IV{}, err
	}
	var iv IV
	if err := readRandom(iv[:]); err != nil {
		return nil, IV{}, err
	}
	return aead.Seal(nil, iv[:], plaintext, ad), iv, nil
}

// Decrypt opens ciphertext produced by Encrypt.
func Decrypt(ciphertext []byte, key SymmetricKey, iv IV) ([]byte, error) {
	return DecryptWithAD(ciphertext, key, iv, nil)
}

// DecryptWithAD opens ciphertext produced by EncryptWithAD. Any tag mismatch,
// truncated input or wrong associated data yields ErrDecryptionFailed.
func DecryptWithAD(ciphertext []byte, key SymmetricKey, iv IV, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, iv[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key SymmetricKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
