package ratchet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/observability/metrics"
)

// DefaultMaxSkip bounds how far ahead of the receiving counter an incoming
// message may be.
const DefaultMaxSkip = 1000

// Store persists ratchet state. Load returns ErrNoSession when nothing is
// stored for the conversation.
type Store interface {
	Load(ctx context.Context, conversationID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, conversationID string) error
}

// Engine runs the double ratchet for any number of conversations. Mutations
// of a single conversation are serialized; distinct conversations proceed in
// parallel.
type Engine struct {
	store   Store
	kx      *cryptocore.KeyExchange
	locks   *keyedMutex
	maxSkip uint32
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Engine)

// WithMaxSkip overrides DefaultMaxSkip.
func WithMaxSkip(n uint32) Option {
	return func(e *Engine) { e.maxSkip = n }
}

// WithClock overrides the clock used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(store Store, kx *cryptocore.KeyExchange, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		kx:      kx,
		locks:   newKeyedMutex(),
		maxSkip: DefaultMaxSkip,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// KeyExchange returns the key exchange the engine ratchets with.
func (e *Engine) KeyExchange() *cryptocore.KeyExchange {
	return e.kx
}

// InitializeSession creates (or replaces) the session for conversationID.
// Without theirPublicKey the root and chain keys are random and the session
// stays pending until the first remote ratchet key arrives. With it, both
// chains are derived from the shared secret so the peer computes the mirror
// image of this state.
func (e *Engine) InitializeSession(ctx context.Context, conversationID string, ours cryptocore.KeyPair, theirPublicKey []byte) (*State, error) {
	if conversationID == "" {
		return nil, errors.New("ratchet: empty conversation id")
	}
	if ours.Curve != e.kx.Curve() {
		return nil, fmt.Errorf("%w: %s vs %s", ErrCurveMismatch, ours.Curve, e.kx.Curve())
	}
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	st := &State{
		ConversationID: conversationID,
		LocalKeyPair: cryptocore.KeyPair{
			Curve:      ours.Curve,
			PublicKey:  append([]byte(nil), ours.PublicKey...),
			PrivateKey: append([]byte(nil), ours.PrivateKey...),
		},
	}
	if len(theirPublicKey) == 0 {
		seed, err := cryptocore.RandomBytes(96)
		if err != nil {
			return nil, err
		}
		copy(st.RootKey[:], seed[:32])
		copy(st.SendingChainKey[:], seed[32:64])
		copy(st.ReceivingChainKey[:], seed[64:])
	} else {
		dh, err := e.kx.DeriveSharedSecret(ours.PrivateKey, theirPublicKey)
		if err != nil {
			e.observe("initialize", err)
			return nil, err
		}
		root, send, recv, err := deriveInitial(dh, ours.PublicKey, theirPublicKey)
		if err != nil {
			e.observe("initialize", err)
			return nil, err
		}
		st.RootKey, st.SendingChainKey, st.ReceivingChainKey = root, send, recv
		st.RemotePublicKey = append([]byte(nil), theirPublicKey...)
	}
	st.LastUpdated = e.now().UTC()
	if err := e.store.Save(ctx, st); err != nil {
		e.observe("initialize", err)
		return nil, fmt.Errorf("ratchet: save session: %w", err)
	}
	e.observe("initialize", nil)
	e.log.Debug("ratchet session initialized",
		"conversation_id", conversationID,
		"pending", st.Pending(),
		"local_key", cryptocore.Fingerprint(st.LocalKeyPair.PublicKey),
	)
	return st.Clone(), nil
}

// RotateSendingKeys returns the keys for the next outgoing message and
// advances the sending chain.
func (e *Engine) RotateSendingKeys(ctx context.Context, conversationID string) (MessageKeys, error) {
	var keys MessageKeys
	err := e.Seal(ctx, conversationID, func(mk MessageKeys, _ Header) error {
		keys = mk
		return nil
	})
	return keys, err
}

// RotateReceivingKeys returns the keys for the incoming message numbered
// messageCounter, skipping ahead over missed slots. Counters below the
// receiving counter are rejected with ErrReplayDetected.
func (e *Engine) RotateReceivingKeys(ctx context.Context, conversationID string, messageCounter uint32) (MessageKeys, error) {
	var keys MessageKeys
	err := e.Open(ctx, conversationID, Header{Counter: messageCounter}, func(mk MessageKeys) error {
		keys = mk
		return nil
	})
	return keys, err
}

// UpdateWithNewRemoteKey performs a DH ratchet step against a new remote
// ratchet key. Root, sending and receiving chain keys are all replaced and a
// fresh local key pair is generated; callers announce its public half.
func (e *Engine) UpdateWithNewRemoteKey(ctx context.Context, conversationID string, theirNewPublicKey []byte) (*State, error) {
	return e.mutate(ctx, conversationID, "dh_step", func(st *State) error {
		return e.dhStep(st, theirNewPublicKey, st.ReceivingCounter)
	})
}

// Seal advances the sending chain and hands the message keys and header to
// fn. The new state is saved only when fn succeeds.
func (e *Engine) Seal(ctx context.Context, conversationID string, fn func(MessageKeys, Header) error) error {
	_, err := e.mutate(ctx, conversationID, "send", func(st *State) error {
		if st.SendingCounter == math.MaxUint32 {
			return ErrCounterExhausted
		}
		mk, err := deriveMessageKeys(st.SendingChainKey, st.SendingCounter)
		if err != nil {
			return err
		}
		hdr := Header{
			Counter:    st.SendingCounter,
			RatchetKey: append([]byte(nil), st.LocalKeyPair.PublicKey...),
			ChainStart: st.SendingChainStart,
		}
		st.SendingChainKey = advanceChain(st.SendingChainKey)
		st.SendingCounter++
		if fn != nil {
			return fn(mk, hdr)
		}
		return nil
	})
	return err
}

// Open applies an incoming header: a DH ratchet step when it carries an
// unseen ratchet key, then the receiving-chain rotation. The new state is
// saved only when fn succeeds, so a message that fails to decrypt leaves the
// session untouched.
func (e *Engine) Open(ctx context.Context, conversationID string, hdr Header, fn func(MessageKeys) error) error {
	_, err := e.mutate(ctx, conversationID, "receive", func(st *State) error {
		if len(hdr.RatchetKey) > 0 && !bytes.Equal(hdr.RatchetKey, st.RemotePublicKey) {
			if err := e.dhStep(st, hdr.RatchetKey, hdr.ChainStart); err != nil {
				return err
			}
		}
		mk, err := e.receive(st, hdr.Counter)
		if err != nil {
			return err
		}
		if fn != nil {
			return fn(mk)
		}
		return nil
	})
	return err
}

// Session returns a copy of the stored state.
func (e *Engine) Session(ctx context.Context, conversationID string) (*State, error) {
	st, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// ClearSession terminates the conversation's session.
func (e *Engine) ClearSession(ctx context.Context, conversationID string) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	if err := e.store.Delete(ctx, conversationID); err != nil {
		e.observe("clear", err)
		return err
	}
	e.observe("clear", nil)
	e.log.Info("ratchet session cleared", "conversation_id", conversationID)
	return nil
}

func (e *Engine) mutate(ctx context.Context, conversationID, op string, fn func(*State) error) (*State, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loaded, err := e.store.Load(ctx, conversationID)
	if err != nil {
		e.observe(op, err)
		return nil, err
	}
	st := loaded.Clone()
	if err := fn(st); err != nil {
		e.observe(op, err)
		return nil, err
	}
	st.LastUpdated = e.now().UTC()
	if err := e.store.Save(ctx, st); err != nil {
		e.observe(op, err)
		return nil, fmt.Errorf("ratchet: save session: %w", err)
	}
	e.observe(op, nil)
	return st.Clone(), nil
}

func (e *Engine) receive(st *State, counter uint32) (MessageKeys, error) {
	if counter < st.ReceivingCounter {
		return MessageKeys{}, fmt.Errorf("%w: got %d, expected at least %d", ErrReplayDetected, counter, st.ReceivingCounter)
	}
	if counter == math.MaxUint32 {
		return MessageKeys{}, ErrCounterExhausted
	}
	if counter-st.ReceivingCounter > e.maxSkip {
		return MessageKeys{}, fmt.Errorf("%w: %d slots ahead, limit %d", ErrSkipWindowExceeded, counter-st.ReceivingCounter, e.maxSkip)
	}
	ck := st.ReceivingChainKey
	for i := st.ReceivingCounter; i < counter; i++ {
		ck = advanceChain(ck)
	}
	mk, err := deriveMessageKeys(ck, counter)
	if err != nil {
		return MessageKeys{}, err
	}
	st.ReceivingChainKey = advanceChain(ck)
	st.ReceivingCounter = counter + 1
	return mk, nil
}

// dhStep mirrors the peer's sending step with the receiving chain, then
// starts a new sending chain from a fresh local key pair. A pending session
// takes its receiving chain from the initial derivation the peer used.
func (e *Engine) dhStep(st *State, theirNew []byte, chainStart uint32) error {
	if chainStart < st.ReceivingCounter {
		return fmt.Errorf("%w: chain start %d behind receiving counter %d", ErrReplayDetected, chainStart, st.ReceivingCounter)
	}
	dh, err := e.kx.DeriveSharedSecret(st.LocalKeyPair.PrivateKey, theirNew)
	if err != nil {
		return err
	}
	var root, recv [32]byte
	if st.Pending() {
		root, _, recv, err = deriveInitial(dh, st.LocalKeyPair.PublicKey, theirNew)
	} else {
		root, recv, err = kdfRoot(st.RootKey, dh)
	}
	if err != nil {
		return err
	}

	fresh, err := e.kx.GenerateKeyPair()
	if err != nil {
		return err
	}
	dh2, err := e.kx.DeriveSharedSecret(fresh.PrivateKey, theirNew)
	if err != nil {
		return err
	}
	root, send, err := kdfRoot(root, dh2)
	if err != nil {
		return err
	}

	st.RootKey = root
	st.ReceivingChainKey = recv
	st.SendingChainKey = send
	st.ReceivingCounter = chainStart
	st.SendingChainStart = st.SendingCounter
	st.LocalKeyPair = fresh
	st.RemotePublicKey = append([]byte(nil), theirNew...)
	e.log.Debug("ratchet dh step",
		"conversation_id", st.ConversationID,
		"remote_key", cryptocore.Fingerprint(theirNew),
		"local_key", cryptocore.Fingerprint(fresh.PublicKey),
	)
	return nil
}

func (e *Engine) observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrReplayDetected):
		result = "replay"
	case errors.Is(err, ErrSkipWindowExceeded):
		result = "skip_window"
	case errors.Is(err, ErrNoSession):
		result = "no_session"
	case errors.Is(err, cryptocore.ErrDecryptionFailed):
		result = "decrypt_failed"
	case errors.Is(err, cryptocore.ErrKeyExchange):
		result = "key_exchange"
	default:
		result = "error"
	}
	metrics.RatchetOperationsTotal.WithLabelValues(op, result).Inc()
}
