package cryptocore

import (
	"errors"
	"testing"
)

func TestWrapKeyRoundTrip(t *testing.T) {
	for _, curve := range []Curve{CurveP256, CurveX25519} {
		kx, err := NewKeyExchange(curve)
		if err != nil {
			t.Fatalf("NewKeyExchange(%s): %v", curve, err)
		}
		bob, err := kx.GenerateKeyPair()
		if err != nil {
			t.Fatalf("%s: GenerateKeyPair: %v", curve, err)
		}
		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		label := []byte("group:g1:v3")
		w, err := kx.WrapKey(key, bob.PublicKey, label)
		if err != nil {
			t.Fatalf("%s: WrapKey: %v", curve, err)
		}
		got, err := kx.UnwrapKey(w, bob, label)
		if err != nil {
			t.Fatalf("%s: UnwrapKey: %v", curve, err)
		}
		if !got.Equal(key) {
			t.Fatalf("%s: unwrapped key differs", curve)
		}
		if _, err := kx.UnwrapKey(w, bob, []byte("group:g1:v4")); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: wrong label: expected ErrDecryptionFailed, got %v", curve, err)
		}
	}
}

func TestUnwrapKeyRejectsOtherRecipient(t *testing.T) {
	kx, err := NewKeyExchange(CurveX25519)
	if err != nil {
		t.Fatalf("NewKeyExchange: %v", err)
	}
	bob, _ := kx.GenerateKeyPair()
	eve, _ := kx.GenerateKeyPair()
	key, _ := GenerateKey()
	w, err := kx.WrapKey(key, bob.PublicKey, nil)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	if _, err := kx.UnwrapKey(w, eve, nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for another recipient, got %v", err)
	}

	p256, _ := NewKeyExchange(CurveP256)
	if _, err := p256.UnwrapKey(w, bob, nil); !errors.Is(err, ErrKeyExchange) {
		t.Fatalf("expected ErrKeyExchange across curves, got %v", err)
	}
	if _, err := kx.WrapKey(key, []byte{1, 2, 3}, nil); err == nil {
		t.Fatal("expected error for malformed recipient key")
	}
}
