package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"snakkaz-e2ee/internal/signaling"
)

// PeerConnection is a snapshot of one registry entry.
type PeerConnection struct {
	PeerID            string           `json:"peerId"`
	ConversationID    string           `json:"conversationId"`
	State             State            `json:"state"`
	ConnectionState   ConnState        `json:"connectionState"`
	DataChannelState  DataChannelState `json:"dataChannelState"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	Initiator         bool             `json:"initiator"`
	RemotePublicKey   []byte           `json:"remotePublicKey,omitempty"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

type peer struct {
	mu   sync.Mutex
	info PeerConnection
	link Link
	gen  int
	att  *attempt
	// ready is closed while the peer is in StateReady.
	ready chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	reconnectMu sync.Mutex
}

// attempt tracks one link negotiation.
type attempt struct {
	gen      int
	offering bool
	answer   chan signaling.SessionDescription
	failed   chan struct{}
	failOnce sync.Once

	remoteReady bool
	candidates  [][]byte
}

func newAttempt(gen int, offering bool) *attempt {
	return &attempt{
		gen:      gen,
		offering: offering,
		answer:   make(chan signaling.SessionDescription, 1),
		failed:   make(chan struct{}),
	}
}

func (a *attempt) fail() {
	a.failOnce.Do(func() { close(a.failed) })
}

func newPeer(parent context.Context, info PeerConnection) *peer {
	ctx, cancel := context.WithCancel(parent)
	return &peer{info: info, ctx: ctx, cancel: cancel, ready: make(chan struct{})}
}

func (p *peer) isReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.State == StateReady
}

func (p *peer) snapshot() PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.info
	out.RemotePublicKey = append([]byte(nil), p.info.RemotePublicKey...)
	return out
}

// ConnectionRegistry holds the live peer channels keyed by peer ID. Entries
// are created on connect and evicted on disconnect or unrecoverable failure.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{peers: make(map[string]*peer)}
}

// insert adds p unless an entry for the same peer exists, in which case the
// existing entry is returned.
func (r *ConnectionRegistry) insert(p *peer) (*peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[p.info.PeerID]; ok {
		return existing, false
	}
	r.peers[p.info.PeerID] = p
	return p, true
}

func (r *ConnectionRegistry) get(peerID string) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[peerID]
}

// evict removes the entry for peerID if it is still p.
func (r *ConnectionRegistry) evict(peerID string, p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[peerID]; ok && cur == p {
		delete(r.peers, peerID)
		return true
	}
	return false
}

func (r *ConnectionRegistry) all() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Get returns a snapshot of the entry for peerID.
func (r *ConnectionRegistry) Get(peerID string) (PeerConnection, bool) {
	p := r.get(peerID)
	if p == nil {
		return PeerConnection{}, false
	}
	return p.snapshot(), true
}

// Snapshot returns all entries ordered by peer ID.
func (r *ConnectionRegistry) Snapshot() []PeerConnection {
	peers := r.all()
	out := make([]PeerConnection, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
