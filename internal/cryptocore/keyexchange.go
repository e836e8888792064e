package cryptocore

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Curve names the Diffie-Hellman group used for key agreement.
type Curve string

const (
	CurveP256   Curve = "P-256"
	CurveX25519 Curve = "X25519"
)

// ParseCurve maps a configuration value to a Curve. The empty string selects P-256.
func ParseCurve(s string) (Curve, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "P-256", "P256":
		return CurveP256, nil
	case "X25519":
		return CurveX25519, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurve, s)
	}
}

// KeyPair holds canonical encodings of a Diffie-Hellman key pair. P-256 public
// keys are uncompressed SEC1 points and private keys are 32-byte scalars;
// X25519 uses 32 bytes for both halves.
type KeyPair struct {
	Curve      Curve  `cbor:"1,keyasint" json:"curve"`
	PublicKey  []byte `cbor:"2,keyasint" json:"publicKey"`
	PrivateKey []byte `cbor:"3,keyasint" json:"privateKey,omitempty"`
}

// Public returns a copy of the key pair with the private half stripped.
func (kp KeyPair) Public() KeyPair {
	return KeyPair{Curve: kp.Curve, PublicKey: append([]byte(nil), kp.PublicKey...)}
}

// IsZero reports whether the key pair carries no key material.
func (kp KeyPair) IsZero() bool {
	return len(kp.PublicKey) == 0 && len(kp.PrivateKey) == 0
}

// KeyExchange performs key generation and agreement on a single curve.
type KeyExchange struct {
	curve Curve
}

// NewKeyExchange returns a KeyExchange bound to curve.
func NewKeyExchange(curve Curve) (*KeyExchange, error) {
	switch curve {
	case CurveP256, CurveX25519:
		return &KeyExchange{curve: curve}, nil
	case "":
		return &KeyExchange{curve: CurveP256}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurve, curve)
	}
}

// Curve reports the curve this KeyExchange operates on.
func (kx *KeyExchange) Curve() Curve {
	return kx.curve
}

// GenerateKeyPair creates a fresh key pair on the configured curve.
func (kx *KeyExchange) GenerateKeyPair() (KeyPair, error) {
	switch kx.curve {
	case CurveX25519:
		return generateX25519KeyPair()
	default:
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: generate p-256 key: %v", ErrKeyExchange, err)
		}
		return KeyPair{
			Curve:      CurveP256,
			PublicKey:  priv.PublicKey().Bytes(),
			PrivateKey: priv.Bytes(),
		}, nil
	}
}

// DeriveSharedSecret computes the raw Diffie-Hellman output between our
// private key and their public key. Malformed or off-curve points and
// low-order X25519 inputs yield ErrKeyExchange.
func (kx *KeyExchange) DeriveSharedSecret(ourPrivate, theirPublic []byte) ([]byte, error) {
	switch kx.curve {
	case CurveX25519:
		if len(ourPrivate) != curve25519.ScalarSize || len(theirPublic) != curve25519.PointSize {
			return nil, fmt.Errorf("%w: x25519 key length", ErrKeyExchange)
		}
		secret, err := curve25519.X25519(ourPrivate, theirPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyExchange, err)
		}
		return secret, nil
	default:
		priv, err := ecdh.P256().NewPrivateKey(ourPrivate)
		if err != nil {
			return nil, fmt.Errorf("%w: private key: %v", ErrKeyExchange, err)
		}
		pub, err := ecdh.P256().NewPublicKey(theirPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", ErrKeyExchange, err)
		}
		secret, err := priv.ECDH(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyExchange, err)
		}
		return secret, nil
	}
}

// ValidatePublicKey checks that pub is a well-formed point on the configured curve.
func (kx *KeyExchange) ValidatePublicKey(pub []byte) error {
	switch kx.curve {
	case CurveX25519:
		if len(pub) != curve25519.PointSize {
			return fmt.Errorf("%w: x25519 public key length %d", ErrKeyImport, len(pub))
		}
		if bytes.Equal(pub, make([]byte, curve25519.PointSize)) {
			return fmt.Errorf("%w: x25519 public key is zero", ErrKeyImport)
		}
		return nil
	default:
		if _, err := ecdh.P256().NewPublicKey(pub); err != nil {
			return fmt.Errorf("%w: %v", ErrKeyImport, err)
		}
		return nil
	}
}

// Fingerprint renders a short, human comparable digest of a public key.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	enc := hex.EncodeToString(sum[:16])
	var b strings.Builder
	for i := 0; i < len(enc); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(enc[i : i+4])
	}
	return b.String()
}

func generateX25519KeyPair() (KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}
	return KeyPair{Curve: CurveX25519, PublicKey: pub, PrivateKey: priv[:]}, nil
}
