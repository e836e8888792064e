// Package webrtc implements channel.Transport over pion WebRTC data channels
// with trickle ICE.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/signaling"
)

// DataChannelLabel names the single ordered channel each link carries.
const DataChannelLabel = "secure"

var ErrNotOpen = errors.New("webrtc: data channel not open")

type Config struct {
	// ICEServers lists STUN/TURN URLs.
	ICEServers    []string
	ICEUsername   string
	ICECredential string
	// IncludeLoopback gathers 127.0.0.1 candidates; useful on hosts without
	// another interface.
	IncludeLoopback bool
}

type Transport struct {
	api *pion.API
	rtc pion.Configuration
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	var se pion.SettingEngine
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	rtc := pion.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtc.ICEServers = append(rtc.ICEServers, pion.ICEServer{
			URLs:       cfg.ICEServers,
			Username:   cfg.ICEUsername,
			Credential: cfg.ICECredential,
		})
	}
	return &Transport{
		api: pion.NewAPI(pion.WithSettingEngine(se)),
		rtc: rtc,
		log: log,
	}
}

func (t *Transport) NewLink(peerID string, hooks channel.Hooks) (channel.Link, error) {
	pc, err := t.api.NewPeerConnection(t.rtc)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}
	l := &link{peerID: peerID, hooks: hooks, pc: pc, log: t.log.With("peer_id", peerID)}

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		l.log.Debug("peer connection state", "state", s.String())
		if hooks.OnConnectionState != nil {
			hooks.OnConnectionState(connState(s))
		}
	})
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.log.Warn("failed to encode ice candidate", "err", err)
			return
		}
		hooks.OnCandidate(raw)
	})
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() != DataChannelLabel {
			l.log.Warn("ignoring unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		l.attach(dc)
	})
	return l, nil
}

type link struct {
	peerID string
	hooks  channel.Hooks
	pc     *pion.PeerConnection
	log    *slog.Logger

	mu        sync.Mutex
	dc        *pion.DataChannel
	remoteSet bool
	pending   []pion.ICECandidateInit
}

func (l *link) Offer(ctx context.Context) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	ordered := true
	dc, err := l.pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("webrtc: create data channel: %w", err)
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("webrtc: create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("webrtc: set local description: %w", err)
	}
	return signaling.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *link) Answer(ctx context.Context, offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signaling.SessionDescription{}, err
	}
	if pion.NewSDPType(offer.Type) != pion.SDPTypeOffer {
		return signaling.SessionDescription{}, fmt.Errorf("webrtc: expected offer, got %q", offer.Type)
	}
	if err := l.setRemote(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return signaling.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("webrtc: set local description: %w", err)
	}
	return signaling.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *link) AcceptAnswer(answer signaling.SessionDescription) error {
	if pion.NewSDPType(answer.Type) != pion.SDPTypeAnswer {
		return fmt.Errorf("webrtc: expected answer, got %q", answer.Type)
	}
	return l.setRemote(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP})
}

// setRemote applies the remote description and flushes candidates that
// arrived before it.
func (l *link) setRemote(desc pion.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Debug("dropping buffered ice candidate", "err", err)
		}
	}
	return nil
}

func (l *link) AddCandidate(candidate []byte) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("webrtc: decode ice candidate: %w", err)
	}
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("webrtc: add ice candidate: %w", err)
	}
	return nil
}

func (l *link) attach(dc *pion.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()
	hooks := l.hooks
	if hooks.OnDataChannelState != nil {
		hooks.OnDataChannelState(channel.DataChannelConnecting)
	}
	dc.OnOpen(func() {
		l.log.Debug("data channel open")
		if hooks.OnDataChannelState != nil {
			hooks.OnDataChannelState(channel.DataChannelOpen)
		}
	})
	dc.OnClose(func() {
		l.log.Debug("data channel closed")
		if hooks.OnDataChannelState != nil {
			hooks.OnDataChannelState(channel.DataChannelClosed)
		}
	})
	dc.OnError(func(err error) {
		l.log.Debug("data channel error", "err", err)
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if hooks.OnMessage != nil {
			hooks.OnMessage(msg.Data)
		}
	})
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.Send(data)
}

func (l *link) Close() error {
	return l.pc.Close()
}

func connState(s pion.PeerConnectionState) channel.ConnState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return channel.ConnConnecting
	case pion.PeerConnectionStateConnected:
		return channel.ConnConnected
	case pion.PeerConnectionStateDisconnected:
		return channel.ConnDisconnected
	case pion.PeerConnectionStateFailed:
		return channel.ConnFailed
	case pion.PeerConnectionStateClosed:
		return channel.ConnClosed
	}
	return channel.ConnNew
}

var _ channel.Transport = (*Transport)(nil)
