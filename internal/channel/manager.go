// Package channel manages encrypted direct channels to peers: negotiation over
// a signaling relay, the per-peer lifecycle with bounded reconnects, and the
// ratchet-protected message path on top of a Transport.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/observability/metrics"
	"snakkaz-e2ee/internal/ratchet"
	"snakkaz-e2ee/internal/signaling"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultConnectTimeout       = 15 * time.Second
	DefaultSendTimeout          = 5 * time.Second

	maxEarlyCandidates = 64
)

var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Factor: 1.5, Max: 2 * time.Second}

type Config struct {
	MaxReconnectAttempts int
	Backoff              Backoff
	ConnectTimeout       time.Duration
	SendTimeout          time.Duration
	// AutoReconnect re-dials a ready peer whose link drops. Only the side that
	// initiated the channel re-dials; the other side waits for a new offer.
	AutoReconnect bool
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Backoff:              DefaultBackoff,
		ConnectTimeout:       DefaultConnectTimeout,
		SendTimeout:          DefaultSendTimeout,
		AutoReconnect:        true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Message is a decrypted inbound message.
type Message struct {
	PeerID         string    `json:"peerId"`
	ConversationID string    `json:"conversationId"`
	ContentType    string    `json:"contentType"`
	Body           []byte    `json:"body"`
	Counter        uint32    `json:"counter"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Media decodes the attachment carried by a media message.
func (m Message) Media() (*cryptocore.EncryptedMedia, error) {
	if m.ContentType != ContentMedia {
		return nil, fmt.Errorf("%w: %s is not media", ErrUnsupportedContent, m.ContentType)
	}
	var media cryptocore.EncryptedMedia
	if err := json.Unmarshal(m.Body, &media); err != nil {
		return nil, fmt.Errorf("channel: decode media: %w", err)
	}
	return &media, nil
}

var conversationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://snakkaz.com/e2ee/conversation"))

// ConversationID is the default mapping from a (local, peer) pair to the
// conversation whose ratchet state the local side owns.
func ConversationID(localID, peerID string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(localID+"\x00"+peerID)).String()
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMessageHandler receives every decrypted inbound message.
func WithMessageHandler(h func(Message)) Option {
	return func(m *Manager) { m.onMessage = h }
}

// WithErrorHandler receives inbound messages that were dropped and
// background reconnect failures.
func WithErrorHandler(h func(peerID string, err error)) Option {
	return func(m *Manager) { m.onError = h }
}

// WithStateHandler observes every lifecycle transition.
func WithStateHandler(h func(peerID string, from, to State)) Option {
	return func(m *Manager) { m.onState = h }
}

// WithConversationIDs overrides ConversationID.
func WithConversationIDs(f func(localID, peerID string) string) Option {
	return func(m *Manager) { m.convID = f }
}

// Manager owns the channels of one local user.
type Manager struct {
	cfg       Config
	localID   string
	identity  cryptocore.KeyPair
	engine    *ratchet.Engine
	transport Transport
	signaler  signaling.Signaler
	registry  *ConnectionRegistry
	log       *slog.Logger
	now       func() time.Time
	convID    func(localID, peerID string) string

	onMessage func(Message)
	onError   func(peerID string, err error)
	onState   func(peerID string, from, to State)

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu    sync.Mutex
	early map[string][][]byte
}

// New creates a manager for localID and subscribes it to signaler. identity
// is the long-term key pair peers use to open sessions with localID.
func New(cfg Config, localID string, identity cryptocore.KeyPair, engine *ratchet.Engine, transport Transport, signaler signaling.Signaler, opts ...Option) (*Manager, error) {
	if localID == "" {
		return nil, errors.New("channel: empty local id")
	}
	if identity.IsZero() {
		return nil, errors.New("channel: missing identity key pair")
	}
	if identity.Curve != engine.KeyExchange().Curve() {
		return nil, fmt.Errorf("%w: identity %s, engine %s", ratchet.ErrCurveMismatch, identity.Curve, engine.KeyExchange().Curve())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg.withDefaults(),
		localID:   localID,
		identity:  identity,
		engine:    engine,
		transport: transport,
		signaler:  signaler,
		registry:  NewConnectionRegistry(),
		log:       slog.Default(),
		now:       time.Now,
		convID:    ConversationID,
		ctx:       ctx,
		cancel:    cancel,
		early:     make(map[string][][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("local_id", localID)
	m.unsubscribe = signaler.Subscribe(m.handleSignal)
	return m, nil
}

func (m *Manager) LocalID() string { return m.localID }

// ConversationFor returns the conversation ID used for peerID.
func (m *Manager) ConversationFor(peerID string) string {
	return m.convID(m.localID, peerID)
}

// ConnectToPeer opens a channel to peerID, creating a ratchet session from
// theirPublicKey when none is stored. It returns once the channel is ready.
// If the first dial times out and AutoReconnect is set, the call continues
// as AttemptReconnect; otherwise it returns ErrConnectionTimeout.
func (m *Manager) ConnectToPeer(ctx context.Context, peerID string, theirPublicKey []byte) error {
	if m.ctx.Err() != nil {
		return ErrManagerClosed
	}
	if peerID == "" || peerID == m.localID {
		return fmt.Errorf("channel: invalid peer id %q", peerID)
	}
	if err := m.engine.KeyExchange().ValidatePublicKey(theirPublicKey); err != nil {
		return err
	}
	p, created := m.registry.insert(newPeer(m.ctx, PeerConnection{
		PeerID:          peerID,
		ConversationID:  m.convID(m.localID, peerID),
		Initiator:       true,
		RemotePublicKey: append([]byte(nil), theirPublicKey...),
		UpdatedAt:       m.now().UTC(),
	}))
	if !created {
		p.mu.Lock()
		state, ready := p.info.State, p.ready
		p.info.Initiator = true
		p.info.RemotePublicKey = append([]byte(nil), theirPublicKey...)
		p.mu.Unlock()
		switch state {
		case StateReady:
			return nil
		case StateConnecting, StateConnected, StateReconnecting:
			return m.waitReady(ctx, p, ready)
		}
	}

	fresh, announced, err := m.ensureSession(ctx, p.info.ConversationID, theirPublicKey)
	if err == nil {
		err = m.sendSignal(ctx, peerID, signaling.KindKeyAnnouncement, signaling.KeyAnnouncement{
			Curve:     string(m.identity.Curve),
			PublicKey: announced,
			Fresh:     fresh,
		})
	}
	if err != nil {
		if created {
			m.evict(p)
		}
		return err
	}

	m.setState(p, StateConnecting)
	if err := m.dial(ctx, p); err != nil {
		m.setState(p, StateDisconnected)
		m.log.Warn("channel connect failed", "peer_id", peerID, "err", err)
		if errors.Is(err, ErrConnectionTimeout) && m.cfg.AutoReconnect && cancelled(ctx, p.ctx) == nil {
			return m.AttemptReconnect(ctx, peerID)
		}
		return err
	}
	m.log.Info("channel ready", "peer_id", peerID, "fresh_session", fresh)
	return nil
}

// ensureSession returns whether a new session was created and the ratchet
// key to announce.
func (m *Manager) ensureSession(ctx context.Context, conversationID string, theirPublicKey []byte) (bool, []byte, error) {
	st, err := m.engine.Session(ctx, conversationID)
	switch {
	case err == nil && !st.Pending():
		return false, st.LocalKeyPair.PublicKey, nil
	case err == nil, errors.Is(err, ratchet.ErrNoSession):
		st, err = m.engine.InitializeSession(ctx, conversationID, m.identity, theirPublicKey)
		if err != nil {
			return false, nil, err
		}
		return true, st.LocalKeyPair.PublicKey, nil
	default:
		return false, nil, err
	}
}

// SendMessage encrypts and sends a text message.
func (m *Manager) SendMessage(ctx context.Context, peerID string, plaintext []byte) error {
	return m.Send(ctx, peerID, ContentText, plaintext)
}

// SendMedia seals data under a one-off key and sends the attachment, key
// included, as a ratcheted media message.
func (m *Manager) SendMedia(ctx context.Context, peerID string, data []byte, mediaType string, meta cryptocore.MediaMetadata) error {
	media, err := cryptocore.EncryptMedia(data, mediaType, meta)
	if err != nil {
		return err
	}
	body, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("channel: encode media: %w", err)
	}
	return m.Send(ctx, peerID, ContentMedia, body)
}

// Send encrypts body under the next sending key and writes it to the peer's
// data channel. A channel that is not ready gets one reconnect cycle before
// ErrChannelNotReady is returned.
func (m *Manager) Send(ctx context.Context, peerID, contentType string, body []byte) error {
	if contentType != ContentText && contentType != ContentMedia {
		return fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
	}
	p := m.registry.get(peerID)
	if p == nil {
		return fmt.Errorf("%w: no channel to %s", ErrChannelNotReady, peerID)
	}
	if !p.isReady() {
		if err := m.AttemptReconnect(ctx, peerID); err != nil {
			return err
		}
	}

	sealCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	var data []byte
	err := m.engine.Seal(sealCtx, p.info.ConversationID, func(mk ratchet.MessageKeys, hdr ratchet.Header) error {
		ct, iv, err := cryptocore.EncryptWithAD(body, mk.EncryptionKey, mk.AssociatedData(hdr.Counter, contentType))
		if err != nil {
			return err
		}
		data, err = EncodeEnvelope(Envelope{
			Ciphertext:  ct,
			IV:          iv[:],
			Counter:     hdr.Counter,
			ContentType: contentType,
			RatchetKey:  hdr.RatchetKey,
			ChainStart:  hdr.ChainStart,
		})
		return err
	})
	if err != nil {
		metrics.ChannelMessagesTotal.WithLabelValues("out", "error").Inc()
		return err
	}

	if err := m.transmit(p, data); err != nil {
		m.log.Warn("channel send failed, reconnecting", "peer_id", peerID, "err", err)
		m.linkDown(p)
		if err := m.AttemptReconnect(ctx, peerID); err != nil {
			metrics.ChannelMessagesTotal.WithLabelValues("out", "error").Inc()
			return err
		}
		if err := m.transmit(p, data); err != nil {
			metrics.ChannelMessagesTotal.WithLabelValues("out", "error").Inc()
			return fmt.Errorf("%w: %v", ErrChannelNotReady, err)
		}
	}
	metrics.ChannelMessagesTotal.WithLabelValues("out", "ok").Inc()
	metrics.ChannelEnvelopeBytes.WithLabelValues("out").Observe(float64(len(data)))
	return nil
}

func (m *Manager) transmit(p *peer, data []byte) error {
	p.mu.Lock()
	link, state := p.link, p.info.State
	p.mu.Unlock()
	if link == nil || state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrChannelNotReady, p.info.PeerID, state)
	}
	return link.Send(data)
}

// AttemptReconnect re-dials peerID up to MaxReconnectAttempts times with
// exponential backoff. When every attempt fails the peer is marked failed
// and evicted. Cancelling ctx or disconnecting the peer stops the cycle.
func (m *Manager) AttemptReconnect(ctx context.Context, peerID string) error {
	p := m.registry.get(peerID)
	if p == nil {
		return fmt.Errorf("%w: no channel to %s", ErrChannelNotReady, peerID)
	}
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()
	if p.isReady() {
		return nil
	}
	if m.registry.get(peerID) != p {
		return fmt.Errorf("%w: channel to %s was closed", ErrChannelNotReady, peerID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.mu.Lock()
	state := p.info.State
	p.mu.Unlock()
	switch state {
	case StateIdle:
		m.setState(p, StateConnecting)
		m.setState(p, StateDisconnected)
	case StateConnecting, StateConnected:
		m.setState(p, StateDisconnected)
	}
	m.setState(p, StateReconnecting)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		p.mu.Lock()
		p.info.ReconnectAttempts = attempt
		p.mu.Unlock()
		m.log.Info("reconnecting", "peer_id", peerID, "attempt", attempt, "max_attempts", m.cfg.MaxReconnectAttempts)

		lastErr = m.dial(ctx, p)
		if lastErr == nil {
			metrics.ChannelReconnectAttemptsTotal.WithLabelValues("ok").Inc()
			m.log.Info("reconnected", "peer_id", peerID, "attempt", attempt)
			return nil
		}
		metrics.ChannelReconnectAttemptsTotal.WithLabelValues("error").Inc()
		if cause := cancelled(ctx, p.ctx); cause != nil {
			m.setState(p, StateDisconnected)
			return fmt.Errorf("channel: reconnect to %s: %w", peerID, cause)
		}
		if attempt == m.cfg.MaxReconnectAttempts {
			break
		}
		timer := time.NewTimer(m.cfg.Backoff.Delay(attempt - 1))
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-p.ctx.Done():
		}
		if cause := cancelled(ctx, p.ctx); cause != nil {
			timer.Stop()
			m.setState(p, StateDisconnected)
			return fmt.Errorf("channel: reconnect to %s: %w", peerID, cause)
		}
	}

	m.setState(p, StateFailed)
	m.evict(p)
	m.log.Warn("giving up on peer", "peer_id", peerID, "attempts", m.cfg.MaxReconnectAttempts, "err", lastErr)
	return fmt.Errorf("%w: %s unreachable after %d attempts: %v", ErrChannelNotReady, peerID, m.cfg.MaxReconnectAttempts, lastErr)
}

func cancelled(ctxs ...context.Context) error {
	for _, c := range ctxs {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes the channel to peerID and forgets it. In-flight connects
// and reconnects for the peer are cancelled. The ratchet session is kept.
func (m *Manager) Disconnect(peerID string) error {
	p := m.registry.get(peerID)
	if p == nil {
		return nil
	}
	err := m.evict(p)
	m.log.Info("channel disconnected", "peer_id", peerID)
	return err
}

// State returns the lifecycle state of peerID, StateIdle when unknown.
func (m *Manager) State(peerID string) State {
	pc, ok := m.registry.Get(peerID)
	if !ok {
		return StateIdle
	}
	return pc.State
}

func (m *Manager) IsPeerReady(peerID string) bool {
	return m.State(peerID) == StateReady
}

func (m *Manager) Peers() []PeerConnection {
	return m.registry.Snapshot()
}

// Close disconnects every peer and detaches from signaling.
func (m *Manager) Close() error {
	m.cancel()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	var errs []error
	for _, p := range m.registry.all() {
		if err := m.evict(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) evict(p *peer) error {
	p.mu.Lock()
	p.gen++
	link := p.link
	p.link = nil
	if p.att != nil {
		p.att.fail()
	}
	p.mu.Unlock()
	p.cancel()
	m.registry.evict(p.info.PeerID, p)
	if link != nil {
		return link.Close()
	}
	return nil
}

func (m *Manager) waitReady(ctx context.Context, p *peer, ready <-chan struct{}) error {
	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrConnectionTimeout, p.info.PeerID)
	case <-p.ctx.Done():
		return fmt.Errorf("%w: channel to %s was closed", ErrChannelNotReady, p.info.PeerID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial negotiates a new link as the offering side and waits for it to become
// ready.
func (m *Manager) dial(parent context.Context, p *peer) (err error) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	peerID := p.info.PeerID
	link, att, ready, err := m.newLink(p, true)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.dropLink(p, att.gen)
		}
	}()

	timedOut := func() error {
		if err := parent.Err(); err != nil {
			return err
		}
		if p.ctx.Err() != nil {
			return fmt.Errorf("%w: channel to %s was closed", ErrChannelNotReady, peerID)
		}
		return fmt.Errorf("%w: no answer from %s within %s", ErrConnectionTimeout, peerID, m.cfg.ConnectTimeout)
	}

	offer, err := link.Offer(ctx)
	if err != nil {
		return fmt.Errorf("channel: create offer for %s: %w", peerID, err)
	}
	if err := m.sendSignal(ctx, peerID, signaling.KindOffer, offer); err != nil {
		return err
	}

	select {
	case answer := <-att.answer:
		if err := link.AcceptAnswer(answer); err != nil {
			return fmt.Errorf("channel: apply answer from %s: %w", peerID, err)
		}
		m.remoteReady(p, att, link)
	case <-ready:
		return nil
	case <-att.failed:
		return fmt.Errorf("%w: link to %s failed", ErrChannelNotReady, peerID)
	case <-ctx.Done():
		return timedOut()
	}

	select {
	case <-ready:
		return nil
	case <-att.failed:
		return fmt.Errorf("%w: link to %s failed", ErrChannelNotReady, peerID)
	case <-ctx.Done():
		return timedOut()
	}
}

// newLink replaces the peer's link with a fresh one and starts a new
// negotiation attempt. It returns the peer's current ready channel.
func (m *Manager) newLink(p *peer, offering bool) (Link, *attempt, <-chan struct{}, error) {
	p.mu.Lock()
	old := p.link
	p.link = nil
	p.gen++
	gen := p.gen
	att := newAttempt(gen, offering)
	p.att = att
	ready := p.ready
	p.info.ConnectionState = ConnNew
	p.info.DataChannelState = DataChannelNone
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	link, err := m.transport.NewLink(p.info.PeerID, m.hooks(p, gen))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("channel: new link to %s: %w", p.info.PeerID, err)
	}
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		_ = link.Close()
		return nil, nil, nil, fmt.Errorf("%w: negotiation with %s superseded", ErrChannelNotReady, p.info.PeerID)
	}
	p.link = link
	p.mu.Unlock()
	return link, att, ready, nil
}

func (m *Manager) dropLink(p *peer, gen int) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	link := p.link
	p.link = nil
	p.gen++
	p.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

// remoteReady flushes candidates that arrived before the remote description.
func (m *Manager) remoteReady(p *peer, att *attempt, link Link) {
	p.mu.Lock()
	att.remoteReady = true
	pending := att.candidates
	att.candidates = nil
	p.mu.Unlock()

	m.mu.Lock()
	pending = append(m.early[p.info.PeerID], pending...)
	delete(m.early, p.info.PeerID)
	m.mu.Unlock()

	for _, c := range pending {
		if err := link.AddCandidate(c); err != nil {
			m.log.Debug("ignoring ice candidate", "peer_id", p.info.PeerID, "err", err)
		}
	}
}

func (m *Manager) hooks(p *peer, gen int) Hooks {
	peerID := p.info.PeerID
	return Hooks{
		OnCandidate: func(candidate []byte) {
			if err := m.sendSignal(p.ctx, peerID, signaling.KindICECandidate, json.RawMessage(candidate)); err != nil {
				m.log.Debug("failed to relay ice candidate", "peer_id", peerID, "err", err)
			}
		},
		OnConnectionState:  func(s ConnState) { m.onConnState(p, gen, s) },
		OnDataChannelState: func(s DataChannelState) { m.onDataChannelState(p, gen, s) },
		OnMessage:          func(data []byte) { m.receive(p, data) },
	}
}

func (m *Manager) onConnState(p *peer, gen int, s ConnState) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.info.ConnectionState = s
	state := p.info.State
	p.mu.Unlock()

	switch s {
	case ConnConnected:
		if state == StateConnecting {
			m.setState(p, StateConnected)
		}
	case ConnDisconnected, ConnFailed, ConnClosed:
		m.linkDown(p)
	}
}

func (m *Manager) onDataChannelState(p *peer, gen int, s DataChannelState) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.info.DataChannelState = s
	state := p.info.State
	p.mu.Unlock()

	switch s {
	case DataChannelOpen:
		if state == StateConnecting {
			m.setState(p, StateConnected)
		}
		m.setState(p, StateReady)
	case DataChannelClosing, DataChannelClosed:
		m.linkDown(p)
	}
}

// linkDown handles loss of the current link. An established channel moves to
// disconnected; a negotiation in flight fails fast.
func (m *Manager) linkDown(p *peer) {
	p.mu.Lock()
	state, att, initiator := p.info.State, p.att, p.info.Initiator
	p.mu.Unlock()

	switch state {
	case StateReady, StateConnected:
		if att != nil && state == StateConnected {
			att.fail()
		}
		if err := m.setState(p, StateDisconnected); err != nil {
			return
		}
		if state == StateReady && initiator && m.cfg.AutoReconnect {
			peerID := p.info.PeerID
			go func() {
				if err := m.AttemptReconnect(p.ctx, peerID); err != nil && p.ctx.Err() == nil {
					m.reportError(peerID, err)
				}
			}()
		}
	case StateConnecting, StateReconnecting:
		if att != nil {
			att.fail()
		}
	}
}

// setState moves p to state to. An illegal step leaves the state untouched
// and returns ErrIllegalTransition.
func (m *Manager) setState(p *peer, to State) error {
	p.mu.Lock()
	from := p.info.State
	if from == to {
		p.mu.Unlock()
		return nil
	}
	if err := Transition(from, to); err != nil {
		p.mu.Unlock()
		m.log.Debug("ignoring channel transition", "peer_id", p.info.PeerID, "from", from, "to", to)
		return err
	}
	p.info.State = to
	p.info.UpdatedAt = m.now().UTC()
	if to == StateReady {
		p.info.ReconnectAttempts = 0
		close(p.ready)
	}
	if from == StateReady {
		p.ready = make(chan struct{})
	}
	p.mu.Unlock()

	metrics.ChannelStateTransitionsTotal.WithLabelValues(to.String()).Inc()
	m.log.Debug("channel state", "peer_id", p.info.PeerID, "from", from, "to", to)
	if m.onState != nil {
		m.onState(p.info.PeerID, from, to)
	}
	return nil
}

// receive decrypts one envelope. Malformed, replayed or unauthentic messages
// are dropped without touching the session.
func (m *Manager) receive(p *peer, data []byte) {
	peerID := p.info.PeerID
	metrics.ChannelEnvelopeBytes.WithLabelValues("in").Observe(float64(len(data)))

	env, err := DecodeEnvelope(data)
	if err == nil && env.ContentType != ContentText && env.ContentType != ContentMedia {
		err = fmt.Errorf("%w: %q", ErrUnsupportedContent, env.ContentType)
	}
	var plaintext []byte
	if err == nil {
		err = m.engine.Open(p.ctx, p.info.ConversationID, env.Header(), func(mk ratchet.MessageKeys) error {
			iv, err := cryptocore.ImportIV(env.IV)
			if err != nil {
				return cryptocore.ErrDecryptionFailed
			}
			plaintext, err = cryptocore.DecryptWithAD(env.Ciphertext, mk.EncryptionKey, iv, mk.AssociatedData(env.Counter, env.ContentType))
			return err
		})
	}
	if err != nil {
		metrics.ChannelMessagesTotal.WithLabelValues("in", dropReason(err)).Inc()
		m.log.Warn("dropping inbound message", "peer_id", peerID, "reason", dropReason(err), "err", err)
		m.reportError(peerID, err)
		return
	}

	metrics.ChannelMessagesTotal.WithLabelValues("in", "ok").Inc()
	if m.onMessage != nil {
		m.onMessage(Message{
			PeerID:         peerID,
			ConversationID: p.info.ConversationID,
			ContentType:    env.ContentType,
			Body:           plaintext,
			Counter:        env.Counter,
			ReceivedAt:     m.now().UTC(),
		})
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ratchet.ErrReplayDetected):
		return "replay"
	case errors.Is(err, cryptocore.ErrDecryptionFailed):
		return "decrypt_failed"
	case errors.Is(err, ratchet.ErrSkipWindowExceeded):
		return "skip_window"
	case errors.Is(err, ErrMalformedEnvelope), errors.Is(err, ErrUnsupportedContent):
		return "malformed"
	case errors.Is(err, ratchet.ErrNoSession):
		return "no_session"
	}
	return "error"
}

func (m *Manager) reportError(peerID string, err error) {
	if m.onError != nil {
		m.onError(peerID, err)
	}
}

func (m *Manager) sendSignal(ctx context.Context, peerID string, kind signaling.Kind, payload any) error {
	msg, err := signaling.NewMessage(m.localID, peerID, kind, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	if err := m.signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrSignaling, kind, peerID, err)
	}
	return nil
}

func (m *Manager) handleSignal(msg signaling.Message) {
	if msg.RecipientID != m.localID || msg.SenderID == "" || msg.SenderID == m.localID {
		return
	}
	if m.ctx.Err() != nil {
		return
	}
	switch msg.Kind {
	case signaling.KindKeyAnnouncement:
		m.handleKeyAnnouncement(msg)
	case signaling.KindOffer:
		m.handleOffer(msg)
	case signaling.KindAnswer:
		m.handleAnswer(msg)
	case signaling.KindICECandidate:
		m.handleCandidate(msg)
	}
}

// handleKeyAnnouncement bootstraps the accepting side of a fresh session: a
// pending session over the local identity, stepped with the announced key.
func (m *Manager) handleKeyAnnouncement(msg signaling.Message) {
	peerID := msg.SenderID
	var ann signaling.KeyAnnouncement
	if err := msg.Decode(&ann); err != nil {
		m.log.Warn("bad key announcement", "peer_id", peerID, "err", err)
		return
	}
	if ann.Curve != string(m.identity.Curve) {
		m.log.Warn("key announcement on foreign curve", "peer_id", peerID, "curve", ann.Curve)
		m.reportError(peerID, fmt.Errorf("%w: peer announced %s", ratchet.ErrCurveMismatch, ann.Curve))
		return
	}
	if err := m.engine.KeyExchange().ValidatePublicKey(ann.PublicKey); err != nil {
		m.log.Warn("invalid announced key", "peer_id", peerID, "err", err)
		m.reportError(peerID, err)
		return
	}
	if p := m.registry.get(peerID); p != nil {
		p.mu.Lock()
		p.info.RemotePublicKey = append([]byte(nil), ann.PublicKey...)
		p.mu.Unlock()
	}

	conv := m.convID(m.localID, peerID)
	if !ann.Fresh {
		if _, err := m.engine.Session(m.ctx, conv); errors.Is(err, ratchet.ErrNoSession) {
			m.log.Warn("peer resumed a session that is not stored here", "peer_id", peerID, "conversation_id", conv)
			m.reportError(peerID, err)
		}
		return
	}
	if _, err := m.engine.InitializeSession(m.ctx, conv, m.identity, nil); err != nil {
		m.log.Error("failed to initialize session", "peer_id", peerID, "err", err)
		m.reportError(peerID, err)
		return
	}
	if _, err := m.engine.UpdateWithNewRemoteKey(m.ctx, conv, ann.PublicKey); err != nil {
		m.log.Error("failed to bootstrap session", "peer_id", peerID, "err", err)
		m.reportError(peerID, err)
		return
	}
	m.log.Info("session bootstrapped from key announcement", "peer_id", peerID, "conversation_id", conv,
		"remote_key", cryptocore.Fingerprint(ann.PublicKey))
}

func (m *Manager) handleOffer(msg signaling.Message) {
	peerID := msg.SenderID
	var offer signaling.SessionDescription
	if err := msg.Decode(&offer); err != nil {
		m.log.Warn("bad offer", "peer_id", peerID, "err", err)
		return
	}
	p, _ := m.registry.insert(newPeer(m.ctx, PeerConnection{
		PeerID:         peerID,
		ConversationID: m.convID(m.localID, peerID),
		UpdatedAt:      m.now().UTC(),
	}))

	p.mu.Lock()
	state := p.info.State
	offering := p.att != nil && p.att.offering && (state == StateConnecting || state == StateReconnecting)
	p.mu.Unlock()
	if offering && m.localID < peerID {
		m.log.Debug("offer collision, keeping ours", "peer_id", peerID)
		return
	}
	switch state {
	case StateReady, StateConnected:
		m.setState(p, StateDisconnected)
		m.setState(p, StateConnecting)
	case StateIdle, StateDisconnected:
		m.setState(p, StateConnecting)
	}

	link, att, _, err := m.newLink(p, false)
	if err != nil {
		m.log.Warn("failed to create link", "peer_id", peerID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	answer, err := link.Answer(ctx, offer)
	if err != nil {
		att.fail()
		m.dropLink(p, att.gen)
		m.log.Warn("failed to answer offer", "peer_id", peerID, "err", err)
		return
	}
	m.remoteReady(p, att, link)
	if err := m.sendSignal(ctx, peerID, signaling.KindAnswer, answer); err != nil {
		m.log.Warn("failed to send answer", "peer_id", peerID, "err", err)
	}
}

func (m *Manager) handleAnswer(msg signaling.Message) {
	var answer signaling.SessionDescription
	if err := msg.Decode(&answer); err != nil {
		m.log.Warn("bad answer", "peer_id", msg.SenderID, "err", err)
		return
	}
	p := m.registry.get(msg.SenderID)
	if p == nil {
		return
	}
	p.mu.Lock()
	att := p.att
	p.mu.Unlock()
	if att == nil || !att.offering {
		return
	}
	select {
	case att.answer <- answer:
	default:
	}
}

func (m *Manager) handleCandidate(msg signaling.Message) {
	peerID := msg.SenderID
	candidate := []byte(msg.Payload)
	if p := m.registry.get(peerID); p != nil {
		p.mu.Lock()
		att, link := p.att, p.link
		if att != nil && link != nil && att.remoteReady {
			p.mu.Unlock()
			if err := link.AddCandidate(candidate); err != nil {
				m.log.Debug("ignoring ice candidate", "peer_id", peerID, "err", err)
			}
			return
		}
		if att != nil {
			att.candidates = append(att.candidates, candidate)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
	m.mu.Lock()
	if len(m.early[peerID]) < maxEarlyCandidates {
		m.early[peerID] = append(m.early[peerID], candidate)
	}
	m.mu.Unlock()
}
