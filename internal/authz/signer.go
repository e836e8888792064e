package authz

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues API tokens. With a shared secret it signs HS256; otherwise it
// signs EdDSA with an Ed25519 key whose public half is published as a JWK.
type Signer struct {
	secret  []byte
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
	Issuer  string
}

func NewHMACSigner(secret, iss string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("authz: empty signing secret")
	}
	return &Signer{secret: []byte(secret), Issuer: iss}, nil
}

// NewEd25519Signer creates a signer from base64-encoded ed25519 private key
// bytes. If privB64 is empty, it generates an ephemeral key.
func NewEd25519Signer(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		var err error
		if _, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("authz: invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid, Issuer: iss}, nil
}

// Sign issues a JWT for subject sub with TTL and extra claims.
func (s *Signer) Sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := time.Now()
	m := jwt.MapClaims{}
	for k, v := range claims {
		m[k] = v
	}
	m["iss"] = s.Issuer
	m["sub"] = sub
	m["iat"] = now.Unix()
	m["exp"] = now.Add(ttl).Unix()

	if s.secret != nil {
		return jwt.NewWithClaims(jwt.SigningMethodHS256, m).SignedString(s.secret)
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, m)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// PrivateKeyBase64 exports the Ed25519 key in the form NewEd25519Signer reads.
func (s *Signer) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.private)
}

// JWKS renders the public key set. It is empty for HMAC signers.
func (s *Signer) JWKS() map[string]any {
	keys := []map[string]any{}
	if s.public != nil {
		keys = append(keys, map[string]any{
			"kty": "OKP",
			"crv": "Ed25519",
			"alg": "EdDSA",
			"use": "sig",
			"kid": s.KeyID,
			"x":   base64.RawURLEncoding.EncodeToString(s.public),
		})
	}
	return map[string]any{"keys": keys}
}
