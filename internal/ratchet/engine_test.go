package ratchet

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"snakkaz-e2ee/internal/cryptocore"
)

type party struct {
	engine *Engine
	store  *MemoryStore
	keys   cryptocore.KeyPair
}

func newParty(t *testing.T, curve cryptocore.Curve, opts ...Option) *party {
	t.Helper()
	kx, err := cryptocore.NewKeyExchange(curve)
	if err != nil {
		t.Fatalf("NewKeyExchange: %v", err)
	}
	kp, err := kx.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	store := NewMemoryStore()
	return &party{engine: New(store, kx, opts...), store: store, keys: kp}
}

func (p *party) state(t *testing.T, id string) *State {
	t.Helper()
	st, err := p.engine.Session(context.Background(), id)
	if err != nil {
		t.Fatalf("Session(%s): %v", id, err)
	}
	return st
}

type sealed struct {
	hdr         Header
	ciphertext  []byte
	iv          cryptocore.IV
	contentType string
}

func seal(t *testing.T, p *party, id string, msg []byte) sealed {
	t.Helper()
	var out sealed
	out.contentType = "text"
	err := p.engine.Seal(context.Background(), id, func(mk MessageKeys, hdr Header) error {
		ct, iv, err := cryptocore.EncryptWithAD(msg, mk.EncryptionKey, mk.AssociatedData(hdr.Counter, out.contentType))
		if err != nil {
			return err
		}
		out.hdr, out.ciphertext, out.iv = hdr, ct, iv
		return nil
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return out
}

func open(p *party, id string, s sealed) ([]byte, error) {
	var plaintext []byte
	err := p.engine.Open(context.Background(), id, s.hdr, func(mk MessageKeys) error {
		pt, err := cryptocore.DecryptWithAD(s.ciphertext, mk.EncryptionKey, s.iv, mk.AssociatedData(s.hdr.Counter, s.contentType))
		if err != nil {
			return err
		}
		plaintext = pt
		return nil
	})
	return plaintext, err
}

func pairedSessions(t *testing.T, curve cryptocore.Curve) (*party, *party) {
	t.Helper()
	ctx := context.Background()
	alice, bob := newParty(t, curve), newParty(t, curve)
	if _, err := alice.engine.InitializeSession(ctx, "C1", alice.keys, bob.keys.PublicKey); err != nil {
		t.Fatalf("alice InitializeSession: %v", err)
	}
	if _, err := bob.engine.InitializeSession(ctx, "C1", bob.keys, alice.keys.PublicKey); err != nil {
		t.Fatalf("bob InitializeSession: %v", err)
	}
	return alice, bob
}

func TestInitializeWithRemoteKeyMirrors(t *testing.T) {
	for _, curve := range []cryptocore.Curve{cryptocore.CurveP256, cryptocore.CurveX25519} {
		alice, bob := pairedSessions(t, curve)
		a, b := alice.state(t, "C1"), bob.state(t, "C1")
		if a.RootKey != b.RootKey {
			t.Fatalf("%s: root keys differ", curve)
		}
		if a.SendingChainKey != b.ReceivingChainKey || a.ReceivingChainKey != b.SendingChainKey {
			t.Fatalf("%s: chains are not mirrored", curve)
		}
		if a.SendingChainKey == a.ReceivingChainKey {
			t.Fatalf("%s: both directions share one chain", curve)
		}
	}
}

func TestHelloRoundTrip(t *testing.T) {
	alice, bob := pairedSessions(t, cryptocore.CurveP256)

	msg := seal(t, alice, "C1", []byte("hello"))
	if msg.hdr.Counter != 0 {
		t.Fatalf("first counter = %d, want 0", msg.hdr.Counter)
	}
	plaintext, err := open(bob, "C1", msg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("plaintext = %q", plaintext)
	}
	if got := bob.state(t, "C1").ReceivingCounter; got != 1 {
		t.Fatalf("receiving counter = %d, want 1", got)
	}

	if _, err := open(bob, "C1", msg); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("redelivery: expected ErrReplayDetected, got %v", err)
	}
	if got := bob.state(t, "C1").ReceivingCounter; got != 1 {
		t.Fatalf("replay changed receiving counter to %d", got)
	}
}

func TestRotateReceivingKeysRejectsReplay(t *testing.T) {
	ctx := context.Background()
	p := newParty(t, cryptocore.CurveP256)
	if _, err := p.engine.InitializeSession(ctx, "C2", p.keys, nil); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if _, err := p.engine.RotateReceivingKeys(ctx, "C2", 5); err != nil {
		t.Fatalf("RotateReceivingKeys(5): %v", err)
	}
	if _, err := p.engine.RotateReceivingKeys(ctx, "C2", 3); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
	if _, err := p.engine.RotateReceivingKeys(ctx, "C2", 5); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected for repeated counter, got %v", err)
	}
	if got := p.state(t, "C2").ReceivingCounter; got != 6 {
		t.Fatalf("receiving counter = %d, want 6", got)
	}
}

func TestSkipAheadMatchesSequentialKeys(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedSessions(t, cryptocore.CurveP256)

	var sent []MessageKeys
	for i := 0; i < 4; i++ {
		mk, err := alice.engine.RotateSendingKeys(ctx, "C1")
		if err != nil {
			t.Fatalf("RotateSendingKeys: %v", err)
		}
		sent = append(sent, mk)
	}
	got, err := bob.engine.RotateReceivingKeys(ctx, "C1", 2)
	if err != nil {
		t.Fatalf("RotateReceivingKeys(2): %v", err)
	}
	if got != sent[2] {
		t.Fatalf("skip-ahead keys differ from sequential keys")
	}
	next, err := bob.engine.RotateReceivingKeys(ctx, "C1", 3)
	if err != nil {
		t.Fatalf("RotateReceivingKeys(3): %v", err)
	}
	if next != sent[3] {
		t.Fatalf("keys after skip differ from sequential keys")
	}
	if _, err := bob.engine.RotateReceivingKeys(ctx, "C1", 1); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("skipped slot: expected ErrReplayDetected, got %v", err)
	}
}

func TestSkipWindowExceeded(t *testing.T) {
	ctx := context.Background()
	p := newParty(t, cryptocore.CurveX25519, WithMaxSkip(10))
	if _, err := p.engine.InitializeSession(ctx, "C3", p.keys, nil); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if _, err := p.engine.RotateReceivingKeys(ctx, "C3", 11); !errors.Is(err, ErrSkipWindowExceeded) {
		t.Fatalf("expected ErrSkipWindowExceeded, got %v", err)
	}
	if got := p.state(t, "C3").ReceivingCounter; got != 0 {
		t.Fatalf("failed rotation moved counter to %d", got)
	}
	if _, err := p.engine.RotateReceivingKeys(ctx, "C3", 10); err != nil {
		t.Fatalf("RotateReceivingKeys(10): %v", err)
	}
}

func TestUpdateWithNewRemoteKeyReplacesAllKeys(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedSessions(t, cryptocore.CurveP256)
	before := alice.state(t, "C1")

	fresh, err := bob.engine.KeyExchange().GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	after, err := alice.engine.UpdateWithNewRemoteKey(ctx, "C1", fresh.PublicKey)
	if err != nil {
		t.Fatalf("UpdateWithNewRemoteKey: %v", err)
	}
	if after.RootKey == before.RootKey {
		t.Fatalf("root key unchanged")
	}
	if after.SendingChainKey == before.SendingChainKey {
		t.Fatalf("sending chain unchanged")
	}
	if after.ReceivingChainKey == before.ReceivingChainKey {
		t.Fatalf("receiving chain unchanged")
	}
	if bytes.Equal(after.LocalKeyPair.PublicKey, before.LocalKeyPair.PublicKey) {
		t.Fatalf("local key pair not replaced")
	}
	if !bytes.Equal(after.RemotePublicKey, fresh.PublicKey) {
		t.Fatalf("remote key not recorded")
	}
	if after.SendingCounter < before.SendingCounter || after.ReceivingCounter < before.ReceivingCounter {
		t.Fatalf("counters went backwards")
	}
}

func TestUpdateWithNewRemoteKeyRejectsInvalidPoint(t *testing.T) {
	ctx := context.Background()
	alice, _ := pairedSessions(t, cryptocore.CurveP256)
	before := alice.state(t, "C1")
	if _, err := alice.engine.UpdateWithNewRemoteKey(ctx, "C1", []byte{0x04, 0x00}); !errors.Is(err, cryptocore.ErrKeyExchange) {
		t.Fatalf("expected ErrKeyExchange, got %v", err)
	}
	if after := alice.state(t, "C1"); after.RootKey != before.RootKey {
		t.Fatalf("failed step changed the root key")
	}
}

func TestDHRatchetConversation(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t, cryptocore.CurveP256), newParty(t, cryptocore.CurveP256)
	if _, err := alice.engine.InitializeSession(ctx, "C4", alice.keys, bob.keys.PublicKey); err != nil {
		t.Fatalf("alice init: %v", err)
	}
	if _, err := bob.engine.InitializeSession(ctx, "C4", bob.keys, nil); err != nil {
		t.Fatalf("bob init: %v", err)
	}

	first := seal(t, alice, "C4", []byte("hi bob"))
	if pt, err := open(bob, "C4", first); err != nil || string(pt) != "hi bob" {
		t.Fatalf("bob bootstrap open: %q, %v", pt, err)
	}
	roots := map[[32]byte]bool{bob.state(t, "C4").RootKey: true}

	sender, receiver := bob, alice
	for round := 0; round < 6; round++ {
		for i := 0; i < 3; i++ {
			msg := []byte{byte(round), byte(i)}
			s := seal(t, sender, "C4", msg)
			pt, err := open(receiver, "C4", s)
			if err != nil {
				t.Fatalf("round %d msg %d: open: %v", round, i, err)
			}
			if !bytes.Equal(pt, msg) {
				t.Fatalf("round %d msg %d: plaintext mismatch", round, i)
			}
		}
		root := receiver.state(t, "C4").RootKey
		if roots[root] {
			t.Fatalf("round %d: root key repeated", round)
		}
		roots[root] = true
		sender, receiver = receiver, sender
	}
}

func TestDecryptFailureLeavesStateUntouched(t *testing.T) {
	alice, bob := pairedSessions(t, cryptocore.CurveP256)
	msg := seal(t, alice, "C1", []byte("hello"))
	before := bob.state(t, "C1")

	tampered := msg
	tampered.ciphertext = append([]byte(nil), msg.ciphertext...)
	tampered.ciphertext[0] ^= 0xFF
	if _, err := open(bob, "C1", tampered); !errors.Is(err, cryptocore.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	after := bob.state(t, "C1")
	if after.ReceivingCounter != before.ReceivingCounter || after.ReceivingChainKey != before.ReceivingChainKey {
		t.Fatalf("failed decryption mutated the session")
	}
	if _, err := open(bob, "C1", msg); err != nil {
		t.Fatalf("genuine message after tampered copy: %v", err)
	}
}

func TestRandomSessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	p := newParty(t, cryptocore.CurveP256)
	a, err := p.engine.InitializeSession(ctx, "A", p.keys, nil)
	if err != nil {
		t.Fatalf("InitializeSession(A): %v", err)
	}
	b, err := p.engine.InitializeSession(ctx, "B", p.keys, nil)
	if err != nil {
		t.Fatalf("InitializeSession(B): %v", err)
	}
	if a.RootKey == b.RootKey || a.SendingChainKey == b.SendingChainKey {
		t.Fatalf("independent sessions share key material")
	}

	seen := make(map[[32]byte]bool)
	ca, cb := a.SendingChainKey, b.SendingChainKey
	for i := 0; i < 500; i++ {
		for _, k := range [][32]byte{ca, cb} {
			if seen[k] {
				t.Fatalf("chain key collision at step %d", i)
			}
			seen[k] = true
		}
		ca, cb = advanceChain(ca), advanceChain(cb)
	}
}

func TestMessageKeysDistinctPerCounter(t *testing.T) {
	var ck [32]byte
	ck[0] = 7
	k0, err := deriveMessageKeys(ck, 0)
	if err != nil {
		t.Fatalf("deriveMessageKeys: %v", err)
	}
	k1, err := deriveMessageKeys(ck, 1)
	if err != nil {
		t.Fatalf("deriveMessageKeys: %v", err)
	}
	if k0.EncryptionKey == k1.EncryptionKey || k0.IV == k1.IV {
		t.Fatalf("counter not mixed into message keys")
	}
	if k0.EncryptionKey == cryptocore.SymmetricKey(k0.AuthenticationKey) {
		t.Fatalf("encryption and authentication keys coincide")
	}
	if advanceChain(ck) == ck {
		t.Fatalf("chain advance is the identity")
	}
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	ctx := context.Background()
	p := newParty(t, cryptocore.CurveP256)
	if _, err := p.engine.InitializeSession(ctx, "C5", p.keys, nil); err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		keys = make(map[cryptocore.SymmetricKey]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mk, err := p.engine.RotateSendingKeys(ctx, "C5")
			if err != nil {
				t.Errorf("RotateSendingKeys: %v", err)
				return
			}
			mu.Lock()
			keys[mk.EncryptionKey] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(keys) != n {
		t.Fatalf("got %d distinct keys, want %d", len(keys), n)
	}
	if got := p.state(t, "C5").SendingCounter; got != n {
		t.Fatalf("sending counter = %d, want %d", got, n)
	}
	if l := p.engine.locks.len(); l != 0 {
		t.Fatalf("%d conversation locks leaked", l)
	}
}

func TestMissingSession(t *testing.T) {
	p := newParty(t, cryptocore.CurveP256)
	if _, err := p.engine.RotateSendingKeys(context.Background(), "nope"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestClearSession(t *testing.T) {
	ctx := context.Background()
	alice, _ := pairedSessions(t, cryptocore.CurveP256)
	if err := alice.engine.ClearSession(ctx, "C1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if _, err := alice.engine.Session(ctx, "C1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after clear, got %v", err)
	}
}

func TestInitializeRejectsCurveMismatch(t *testing.T) {
	p := newParty(t, cryptocore.CurveP256)
	xkx, _ := cryptocore.NewKeyExchange(cryptocore.CurveX25519)
	xk, err := xkx.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if _, err := p.engine.InitializeSession(context.Background(), "C6", xk, nil); !errors.Is(err, ErrCurveMismatch) {
		t.Fatalf("expected ErrCurveMismatch, got %v", err)
	}
}

func TestStateEncodingIsDeterministic(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	p := newParty(t, cryptocore.CurveP256, WithClock(func() time.Time { return now }))
	st, err := p.engine.InitializeSession(context.Background(), "C7", p.keys, nil)
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	a, err := st.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	b, err := st.Clone().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(clone): %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding is not deterministic")
	}
	back, err := UnmarshalState(a)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	if back.RootKey != st.RootKey || !back.LastUpdated.Equal(now) || !bytes.Equal(back.LocalKeyPair.PrivateKey, st.LocalKeyPair.PrivateKey) {
		t.Fatalf("decoded state differs")
	}
	if _, err := UnmarshalState([]byte{0xa0}); err == nil {
		t.Fatalf("expected error for empty map")
	}
}
