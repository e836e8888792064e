package cryptocore

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Older clients stored keys as hex strings, padded or unpadded base64 and
// JSON Web Keys. The helpers in this file accept all of those forms and return
// canonical values; nothing past the key-store migration calls them.

type legacyJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	K   string `json:"k,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	D   string `json:"d,omitempty"`
}

// ImportLegacyKey parses a symmetric key stored in any legacy text format.
func ImportLegacyKey(s string) (SymmetricKey, error) {
	raw, err := decodeLegacy(s, func(jwk legacyJWK) ([]byte, error) {
		if jwk.Kty != "oct" {
			return nil, fmt.Errorf("%w: jwk kty %q is not oct", ErrKeyImport, jwk.Kty)
		}
		return decodeBase64Any(jwk.K)
	}, KeySize)
	if err != nil {
		return SymmetricKey{}, err
	}
	return ImportKey(raw)
}

// ImportLegacyIV parses an IV stored in hex or base64.
func ImportLegacyIV(s string) (IV, error) {
	raw, err := decodeLegacy(s, nil, IVSize)
	if err != nil {
		return IV{}, err
	}
	return ImportIV(raw)
}

// ImportLegacyCiphertext decodes a ciphertext and IV that older clients kept
// as base64 strings next to each other.
func ImportLegacyCiphertext(data, iv string) ([]byte, IV, error) {
	ct, err := decodeBase64Any(strings.TrimSpace(data))
	if err != nil {
		return nil, IV{}, err
	}
	parsed, err := ImportLegacyIV(iv)
	if err != nil {
		return nil, IV{}, err
	}
	return ct, parsed, nil
}

// ImportLegacyKeyPair parses an EC JWK (P-256) private or public key into a
// canonical KeyPair. X25519 keys were never exported as JWK by older clients.
func ImportLegacyKeyPair(s string) (KeyPair, error) {
	var jwk legacyJWK
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &jwk); err != nil {
		return KeyPair{}, fmt.Errorf("%w: jwk: %v", ErrKeyImport, err)
	}
	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return KeyPair{}, fmt.Errorf("%w: jwk %s/%s is not EC P-256", ErrKeyImport, jwk.Kty, jwk.Crv)
	}
	x, err := decodeFixedAny(jwk.X, 32)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: jwk x: %v", ErrKeyImport, err)
	}
	y, err := decodeFixedAny(jwk.Y, 32)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: jwk y: %v", ErrKeyImport, err)
	}
	pub := make([]byte, 0, 65)
	pub = append(pub, 0x04)
	pub = append(pub, x...)
	pub = append(pub, y...)
	kx := &KeyExchange{curve: CurveP256}
	if err := kx.ValidatePublicKey(pub); err != nil {
		return KeyPair{}, err
	}
	kp := KeyPair{Curve: CurveP256, PublicKey: pub}
	if jwk.D != "" {
		d, err := decodeFixedAny(jwk.D, 32)
		if err != nil {
			return KeyPair{}, fmt.Errorf("%w: jwk d: %v", ErrKeyImport, err)
		}
		kp.PrivateKey = d
	}
	return kp, nil
}

func decodeLegacy(s string, fromJWK func(legacyJWK) ([]byte, error), size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty input", ErrKeyImport)
	}
	if strings.HasPrefix(s, "{") {
		if fromJWK == nil {
			return nil, fmt.Errorf("%w: jwk not accepted here", ErrKeyImport)
		}
		var jwk legacyJWK
		if err := json.Unmarshal([]byte(s), &jwk); err != nil {
			return nil, fmt.Errorf("%w: jwk: %v", ErrKeyImport, err)
		}
		return fromJWK(jwk)
	}
	if len(s) == hex.EncodedLen(size) {
		if raw, err := hex.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	raw, err := decodeBase64Any(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex or base64", ErrKeyImport)
	}
	return raw, nil
}

func decodeBase64Any(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid base64", ErrKeyImport)
}

func decodeFixedAny(in string, size int) ([]byte, error) {
	data, err := decodeBase64Any(in)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("unexpected length %d, want %d", len(data), size)
	}
	return data, nil
}
