// Package http serves the local chatd API used by the UI process.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snakkaz-e2ee/internal/authz"
	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/httpx"
	obsmw "snakkaz-e2ee/internal/observability/middleware"
	"snakkaz-e2ee/internal/ratchet"
)

// Channels is the subset of *channel.Manager the API drives.
type Channels interface {
	LocalID() string
	ConversationFor(peerID string) string
	Peers() []channel.PeerConnection
	ConnectToPeer(ctx context.Context, peerID string, theirPublicKey []byte) error
	SendMessage(ctx context.Context, peerID string, plaintext []byte) error
	SendMedia(ctx context.Context, peerID string, data []byte, mediaType string, meta cryptocore.MediaMetadata) error
	Disconnect(peerID string) error
}

// Sessions is the subset of *ratchet.Engine the API drives.
type Sessions interface {
	Session(ctx context.Context, conversationID string) (*ratchet.State, error)
	ClearSession(ctx context.Context, conversationID string) error
}

type Config struct {
	Channels Channels
	Sessions Sessions
	Inbox    *Inbox
	// Identity is the long-term key pair; only its public half is served.
	Identity cryptocore.KeyPair
	// Auth guards /v1. Tokens must name the local user as subject.
	Auth func(http.Handler) http.Handler

	Logger         *slog.Logger
	CORSOrigins    []string
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
	// MaxWait bounds long-polls on the inbox.
	MaxWait time.Duration
}

type handler struct {
	cfg Config
	log *slog.Logger
}

func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxWait <= 0 || cfg.MaxWait >= cfg.RequestTimeout {
		cfg.MaxWait = cfg.RequestTimeout / 2
	}
	if cfg.Inbox == nil {
		cfg.Inbox = NewInbox(0)
	}
	h := &handler{cfg: cfg, log: cfg.Logger}

	r := chi.NewRouter()
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httpx.LogRequests(cfg.Logger))
	r.Use(obsmw.WithMetrics)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Trace-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(cfg.RateLimit, window))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
			r.Use(h.requireLocalUser)
		}
		r.Get("/identity", h.identity)
		r.Get("/peers", h.listPeers)
		r.Post("/peers/{peerID}/connect", h.connect)
		r.Post("/peers/{peerID}/messages", h.send)
		r.Delete("/peers/{peerID}", h.disconnect)
		r.Get("/inbox", h.drainInbox)
		r.Get("/sessions/{conversationID}", h.session)
		r.Delete("/sessions/{conversationID}", h.clearSession)
	})
	return r
}

func (h *handler) requireLocalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, _ := authz.SubjectFrom(r.Context())
		if sub != h.cfg.Channels.LocalID() {
			http.Error(w, "token subject is not the local user", http.StatusForbidden)
			h.log.Warn("api subject mismatch", "subject", sub, "request_id", obsmw.RequestIDFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type identityResponse struct {
	UserID      string `json:"userId"`
	Curve       string `json:"curve"`
	PublicKey   []byte `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

func (h *handler) identity(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, identityResponse{
		UserID:      h.cfg.Channels.LocalID(),
		Curve:       string(h.cfg.Identity.Curve),
		PublicKey:   h.cfg.Identity.PublicKey,
		Fingerprint: cryptocore.Fingerprint(h.cfg.Identity.PublicKey),
	})
}

func (h *handler) listPeers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.cfg.Channels.Peers())
}

type connectRequest struct {
	PublicKey []byte `json:"publicKey"`
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	var req connectRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.cfg.Channels.ConnectToPeer(r.Context(), peerID, req.PublicKey); err != nil {
		h.fail(w, r, "connect", peerID, err)
		return
	}
	for _, pc := range h.cfg.Channels.Peers() {
		if pc.PeerID == peerID {
			httpx.WriteJSON(w, http.StatusOK, pc)
			return
		}
	}
	// Dropped between connect and snapshot.
	h.fail(w, r, "connect", peerID, channel.ErrChannelNotReady)
}

type mediaRequest struct {
	Data      []byte                   `json:"data"`
	MediaType string                   `json:"mediaType"`
	Metadata  cryptocore.MediaMetadata `json:"metadata"`
}

type sendRequest struct {
	Text  *string       `json:"text,omitempty"`
	Media *mediaRequest `json:"media,omitempty"`
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	var req sendRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	switch {
	case req.Text != nil && req.Media == nil:
		err = h.cfg.Channels.SendMessage(r.Context(), peerID, []byte(*req.Text))
	case req.Media != nil && req.Text == nil:
		if req.Media.MediaType == "" {
			http.Error(w, "missing media type", http.StatusBadRequest)
			return
		}
		err = h.cfg.Channels.SendMedia(r.Context(), peerID, req.Media.Data, req.Media.MediaType, req.Media.Metadata)
	default:
		http.Error(w, "exactly one of text or media is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.fail(w, r, "send", peerID, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerID")
	if err := h.cfg.Channels.Disconnect(peerID); err != nil {
		h.fail(w, r, "disconnect", peerID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inboxItem struct {
	channel.Message
	Text  string                     `json:"text,omitempty"`
	Media *cryptocore.EncryptedMedia `json:"media,omitempty"`
}

// drainInbox returns queued messages. ?wait=<duration> long-polls until at
// least one message is queued; ?max=<n> bounds the batch.
func (h *handler) drainInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		if d > h.cfg.MaxWait {
			d = h.cfg.MaxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		_ = h.cfg.Inbox.Wait(ctx)
		cancel()
	}

	msgs := h.cfg.Inbox.Drain(limit)
	out := make([]inboxItem, 0, len(msgs))
	for _, m := range msgs {
		item := inboxItem{Message: m}
		switch m.ContentType {
		case channel.ContentText:
			item.Text = string(m.Body)
		case channel.ContentMedia:
			if media, err := m.Media(); err == nil {
				item.Media = media
			}
		}
		out = append(out, item)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type sessionResponse struct {
	ConversationID    string    `json:"conversationId"`
	Curve             string    `json:"curve"`
	Pending           bool      `json:"pending"`
	SendingCounter    uint32    `json:"sendingCounter"`
	ReceivingCounter  uint32    `json:"receivingCounter"`
	SendingChainStart uint32    `json:"sendingChainStart"`
	LocalFingerprint  string    `json:"localFingerprint"`
	RemoteFingerprint string    `json:"remoteFingerprint,omitempty"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	st, err := h.cfg.Sessions.Session(r.Context(), id)
	if err != nil {
		h.fail(w, r, "session", id, err)
		return
	}
	res := sessionResponse{
		ConversationID:    st.ConversationID,
		Curve:             string(st.LocalKeyPair.Curve),
		Pending:           st.Pending(),
		SendingCounter:    st.SendingCounter,
		ReceivingCounter:  st.ReceivingCounter,
		SendingChainStart: st.SendingChainStart,
		LocalFingerprint:  cryptocore.Fingerprint(st.LocalKeyPair.PublicKey),
		LastUpdated:       st.LastUpdated,
	}
	if !st.Pending() {
		res.RemoteFingerprint = cryptocore.Fingerprint(st.RemotePublicKey)
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) clearSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := h.cfg.Sessions.ClearSession(r.Context(), id); err != nil {
		h.fail(w, r, "clear session", id, err)
		return
	}
	h.log.Info("session cleared", "conversation_id", id, "request_id", obsmw.RequestIDFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, op, target string, err error) {
	status := statusFor(err)
	h.log.Warn("api "+op+" failed", "target", target, "status", status, "err", err,
		"request_id", obsmw.RequestIDFromContext(r.Context()))
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ratchet.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, channel.ErrChannelNotReady):
		return http.StatusConflict
	case errors.Is(err, channel.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, cryptocore.ErrKeyImport),
		errors.Is(err, cryptocore.ErrKeyExchange),
		errors.Is(err, ratchet.ErrCurveMismatch),
		errors.Is(err, channel.ErrUnsupportedContent):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrSignaling):
		return http.StatusBadGateway
	case errors.Is(err, channel.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
