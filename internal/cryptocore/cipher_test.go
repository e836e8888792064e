package cryptocore

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	for _, msg := range [][]byte{nil, []byte("hello"), bytes.Repeat([]byte{0xAB}, 4096)} {
		ct, iv, err := Encrypt(msg, key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := Decrypt(ct, key, iv)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("round trip mismatch: got %x want %x", pt, msg)
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	seen := make(map[IV]struct{})
	for i := 0; i < 64; i++ {
		_, iv, err := Encrypt([]byte("same"), key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if _, dup := seen[iv]; dup {
			t.Fatalf("iv reused after %d calls", i)
		}
		seen[iv] = struct{}{}
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ct, iv, err := EncryptWithAD([]byte("payload"), key, []byte("text"))
	if err != nil {
		t.Fatalf("EncryptWithAD: %v", err)
	}

	flipped := append([]byte(nil), ct...)
	flipped[0] ^= 0x80
	cases := map[string]func() ([]byte, error){
		"flipped bit": func() ([]byte, error) { return DecryptWithAD(flipped, key, iv, []byte("text")) },
		"wrong key":   func() ([]byte, error) { return DecryptWithAD(ct, other, iv, []byte("text")) },
		"wrong ad":    func() ([]byte, error) { return DecryptWithAD(ct, key, iv, []byte("image")) },
		"truncated":   func() ([]byte, error) { return DecryptWithAD(ct[:4], key, iv, []byte("text")) },
	}
	for name, fn := range cases {
		if _, err := fn(); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed, got %v", name, err)
		}
	}
}

func TestDeterministicKeyAndIV(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(64))
	defer restore()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if got, want := hex.EncodeToString(key[:4]), "00010203"; got != want {
		t.Fatalf("unexpected key prefix: %s", got)
	}
	_, iv, err := Encrypt([]byte("x"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got, want := iv[0], byte(32); got != want {
		t.Fatalf("unexpected iv[0]: got %d want %d", got, want)
	}
}

func TestImportKeyCanonical(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw, err := key.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	back, err := ImportKey(raw)
	if err != nil {
		t.Fatalf("ImportKey: %v", err)
	}
	if !back.Equal(key) {
		t.Fatalf("canonical round trip changed the key")
	}
	if _, err := ImportKey(raw[:31]); !errors.Is(err, ErrKeyImport) {
		t.Fatalf("expected ErrKeyImport for short key, got %v", err)
	}
	if _, err := ImportIV(make([]byte, 16)); !errors.Is(err, ErrKeyImport) {
		t.Fatalf("expected ErrKeyImport for long iv, got %v", err)
	}
}

func TestKeyTextEncoding(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	blob, err := json.Marshal(struct {
		Key SymmetricKey `json:"key"`
	}{key})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		Key SymmetricKey `json:"key"`
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !out.Key.Equal(key) {
		t.Fatalf("json round trip changed the key")
	}
}

func TestImportLegacyKeyFormats(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwk := `{"kty":"oct","alg":"A256GCM","ext":true,"k":"` + base64.RawURLEncoding.EncodeToString(key[:]) + `"}`
	inputs := map[string]string{
		"hex":        hex.EncodeToString(key[:]),
		"base64":     base64.StdEncoding.EncodeToString(key[:]),
		"base64 raw": base64.RawStdEncoding.EncodeToString(key[:]),
		"base64 url": base64.URLEncoding.EncodeToString(key[:]),
		"jwk":        jwk,
	}
	for name, in := range inputs {
		got, err := ImportLegacyKey(in)
		if err != nil {
			t.Fatalf("%s: ImportLegacyKey: %v", name, err)
		}
		if !got.Equal(key) {
			t.Fatalf("%s: imported key differs", name)
		}
	}

	bad := []string{"", "zz", `{"kty":"RSA","k":"AAAA"}`, hex.EncodeToString(key[:16])}
	for _, in := range bad {
		if _, err := ImportLegacyKey(in); !errors.Is(err, ErrKeyImport) {
			t.Fatalf("ImportLegacyKey(%q): expected ErrKeyImport, got %v", in, err)
		}
	}
}

func TestImportLegacyIV(t *testing.T) {
	raw, err := RandomBytes(IVSize)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	for _, in := range []string{hex.EncodeToString(raw), base64.StdEncoding.EncodeToString(raw)} {
		iv, err := ImportLegacyIV(in)
		if err != nil {
			t.Fatalf("ImportLegacyIV(%q): %v", in, err)
		}
		if !bytes.Equal(iv[:], raw) {
			t.Fatalf("ImportLegacyIV(%q) = %x, want %x", in, iv, raw)
		}
	}
	if _, err := ImportLegacyIV(hex.EncodeToString(raw[:4])); !errors.Is(err, ErrKeyImport) {
		t.Fatalf("short iv: expected ErrKeyImport, got %v", err)
	}

	ct, iv, err := ImportLegacyCiphertext(base64.StdEncoding.EncodeToString([]byte("sealed")), base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("ImportLegacyCiphertext: %v", err)
	}
	if string(ct) != "sealed" || !bytes.Equal(iv[:], raw) {
		t.Fatalf("ImportLegacyCiphertext decoded %q / %x", ct, iv)
	}
	if _, _, err := ImportLegacyCiphertext("!!", base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrKeyImport) {
		t.Fatalf("bad ciphertext: expected ErrKeyImport, got %v", err)
	}
}

func TestMediaRoundTripAndExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data := []byte("\x89PNG fake image bytes")
	m, err := EncryptMedia(data, "image/png", MediaMetadata{OriginalName: "cat.png", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("EncryptMedia: %v", err)
	}
	if m.Metadata.Size != int64(len(data)) {
		t.Fatalf("size not recorded: %d", m.Metadata.Size)
	}
	pt, err := DecryptMedia(m, now)
	if err != nil {
		t.Fatalf("DecryptMedia: %v", err)
	}
	if !bytes.Equal(pt, data) {
		t.Fatalf("media mismatch")
	}
	if _, err := DecryptMedia(m, now.Add(2*time.Hour)); !errors.Is(err, ErrMediaExpired) {
		t.Fatalf("expected ErrMediaExpired, got %v", err)
	}
	m.MediaType = "application/pdf"
	if _, err := DecryptMedia(m, now); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed after media type swap, got %v", err)
	}
}
