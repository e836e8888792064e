package cryptocore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestSharedSecretAgreement(t *testing.T) {
	for _, curve := range []Curve{CurveP256, CurveX25519} {
		kx, err := NewKeyExchange(curve)
		if err != nil {
			t.Fatalf("NewKeyExchange(%s): %v", curve, err)
		}
		alice, err := kx.GenerateKeyPair()
		if err != nil {
			t.Fatalf("%s alice: %v", curve, err)
		}
		bob, err := kx.GenerateKeyPair()
		if err != nil {
			t.Fatalf("%s bob: %v", curve, err)
		}
		ab, err := kx.DeriveSharedSecret(alice.PrivateKey, bob.PublicKey)
		if err != nil {
			t.Fatalf("%s alice derive: %v", curve, err)
		}
		ba, err := kx.DeriveSharedSecret(bob.PrivateKey, alice.PublicKey)
		if err != nil {
			t.Fatalf("%s bob derive: %v", curve, err)
		}
		if !bytes.Equal(ab, ba) {
			t.Fatalf("%s: shared secrets differ", curve)
		}
		if alice.Curve != curve {
			t.Fatalf("key pair curve = %s, want %s", alice.Curve, curve)
		}
	}
}

func TestP256CanonicalEncoding(t *testing.T) {
	kx, err := NewKeyExchange(CurveP256)
	if err != nil {
		t.Fatalf("NewKeyExchange: %v", err)
	}
	kp, err := kx.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(kp.PublicKey) != 65 || kp.PublicKey[0] != 0x04 {
		t.Fatalf("public key is not an uncompressed point: len=%d", len(kp.PublicKey))
	}
	if len(kp.PrivateKey) != 32 {
		t.Fatalf("private key length %d", len(kp.PrivateKey))
	}
	if pub := kp.Public(); len(pub.PrivateKey) != 0 {
		t.Fatalf("Public() kept the private half")
	}
}

func TestDeriveSharedSecretRejectsBadPoints(t *testing.T) {
	p256, _ := NewKeyExchange(CurveP256)
	x25519, _ := NewKeyExchange(CurveX25519)
	ours, err := p256.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	offCurve := append([]byte(nil), ours.PublicKey...)
	offCurve[64] ^= 0x01
	if _, err := p256.DeriveSharedSecret(ours.PrivateKey, offCurve); !errors.Is(err, ErrKeyExchange) {
		t.Fatalf("off-curve point: expected ErrKeyExchange, got %v", err)
	}
	if _, err := p256.DeriveSharedSecret(ours.PrivateKey, []byte{0x04, 0x01}); !errors.Is(err, ErrKeyExchange) {
		t.Fatalf("short point: expected ErrKeyExchange, got %v", err)
	}

	xk, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(x25519): %v", err)
	}
	if _, err := x25519.DeriveSharedSecret(xk.PrivateKey, make([]byte, 32)); !errors.Is(err, ErrKeyExchange) {
		t.Fatalf("low-order point: expected ErrKeyExchange, got %v", err)
	}
	if _, err := x25519.DeriveSharedSecret(xk.PrivateKey, ours.PublicKey); !errors.Is(err, ErrKeyExchange) {
		t.Fatalf("foreign curve: expected ErrKeyExchange, got %v", err)
	}
}

func TestX25519Deterministic(t *testing.T) {
	kx, _ := NewKeyExchange(CurveX25519)
	generate := func() KeyPair {
		restore := UseDeterministicRandom(deterministicReader(64))
		defer restore()
		kp, err := kx.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		return kp
	}
	a, b := generate(), generate()
	if !bytes.Equal(a.PublicKey, b.PublicKey) {
		t.Fatalf("same seed produced different keys")
	}
}

func TestImportLegacyKeyPairJWK(t *testing.T) {
	kx, _ := NewKeyExchange(CurveP256)
	kp, err := kx.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	enc := base64.RawURLEncoding.EncodeToString
	jwk := `{"kty":"EC","crv":"P-256","x":"` + enc(kp.PublicKey[1:33]) + `","y":"` + enc(kp.PublicKey[33:]) + `","d":"` + enc(kp.PrivateKey) + `"}`
	got, err := ImportLegacyKeyPair(jwk)
	if err != nil {
		t.Fatalf("ImportLegacyKeyPair: %v", err)
	}
	if !bytes.Equal(got.PublicKey, kp.PublicKey) || !bytes.Equal(got.PrivateKey, kp.PrivateKey) {
		t.Fatalf("imported key pair differs")
	}
	if _, err := ImportLegacyKeyPair(`{"kty":"EC","crv":"P-384"}`); !errors.Is(err, ErrKeyImport) {
		t.Fatalf("expected ErrKeyImport, got %v", err)
	}
}

func TestParseCurve(t *testing.T) {
	for in, want := range map[string]Curve{"": CurveP256, "p256": CurveP256, "x25519": CurveX25519} {
		got, err := ParseCurve(in)
		if err != nil || got != want {
			t.Fatalf("ParseCurve(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseCurve("secp256k1"); !errors.Is(err, ErrUnsupportedCurve) {
		t.Fatalf("expected ErrUnsupportedCurve, got %v", err)
	}
}
