package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"snakkaz-e2ee/internal/observability/logging"
)

func TestTransitions(t *testing.T) {
	legal := [][2]State{
		{StateIdle, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateReady},
		{StateReady, StateDisconnected},
		{StateDisconnected, StateReconnecting},
		{StateReconnecting, StateReady},
		{StateReconnecting, StateFailed},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]State{
		{StateIdle, StateReady},
		{StateReady, StateConnecting},
		{StateReady, StateReconnecting},
		{StateFailed, StateConnecting},
		{StateDisconnected, StateReady},
		{StateConnecting, StateReady},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be rejected", tr[0], tr[1])
		}
	}
	for _, tr := range illegal {
		if err := Transition(tr[0], tr[1]); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("Transition(%s, %s): expected ErrIllegalTransition, got %v", tr[0], tr[1], err)
		}
	}
	if err := Transition(StateReady, StateReady); err != nil {
		t.Errorf("staying ready: %v", err)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestSetStateRejectsIllegalTransition(t *testing.T) {
	var seen []State
	m := &Manager{
		log:     logging.Discard(),
		now:     time.Now,
		onState: func(_ string, _, to State) { seen = append(seen, to) },
	}
	p := newPeer(context.Background(), PeerConnection{PeerID: "bob"})
	defer p.cancel()

	if err := m.setState(p, StateReady); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("idle -> ready: expected ErrIllegalTransition, got %v", err)
	}
	if p.info.State != StateIdle || len(seen) != 0 {
		t.Fatalf("rejected transition changed state to %s (handler saw %v)", p.info.State, seen)
	}
	select {
	case <-p.ready:
		t.Fatal("ready closed by a rejected transition")
	default:
	}

	for _, to := range []State{StateConnecting, StateConnected, StateReady} {
		if err := m.setState(p, to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	if err := m.setState(p, StateConnecting); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("ready -> connecting: expected ErrIllegalTransition, got %v", err)
	}
	if !p.isReady() || len(seen) != 3 {
		t.Fatalf("state %s after rejected step, handler saw %v", p.info.State, seen)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	want := []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
		1687500 * time.Microsecond,
		2 * time.Second,
		2 * time.Second,
	}
	for n, w := range want {
		if got := b.Delay(n); got != w {
			t.Fatalf("Delay(%d) = %s, want %s", n, got, w)
		}
	}
	unbounded := Backoff{Base: time.Second, Factor: 2}
	for _, n := range []int{40, 10000} {
		if got := unbounded.Delay(n); got != maxBackoff {
			t.Fatalf("unbounded Delay(%d) = %s, want %s", n, got, maxBackoff)
		}
	}
	if got := unbounded.Delay(3); got != 8*time.Second {
		t.Fatalf("unbounded Delay(3) = %s", got)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for garbage")
	}
	if _, err := DecodeEnvelope([]byte(`{"ciphertext":"AAAA","iv":"AAAA"}`)); err == nil {
		t.Fatal("expected error for missing content type")
	}
	env, err := DecodeEnvelope([]byte(`{"ciphertext":"AAAA","iv":"AAAA","counter":7,"contentType":"text","chainStart":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hdr := env.Header()
	if hdr.Counter != 7 || hdr.ChainStart != 3 || hdr.RatchetKey != nil {
		t.Fatalf("unexpected header %+v", hdr)
	}
}
