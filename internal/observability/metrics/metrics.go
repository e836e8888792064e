package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Bearer token checks by method and result.",
		},
		[]string{"method", "result"},
	)

	RatchetOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratchet_operations_total",
			Help: "Ratchet state mutations by operation and outcome.",
		},
		[]string{"op", "result"},
	)

	SessionCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_cache_lookups_total",
			Help: "Session cache lookups by outcome.",
		},
		[]string{"result"},
	)

	ChannelStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_state_transitions_total",
			Help: "Peer channel transitions by target state.",
		},
		[]string{"state"},
	)

	ChannelReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_reconnect_attempts_total",
			Help: "Reconnect attempts by outcome.",
		},
		[]string{"result"},
	)

	ChannelMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_messages_total",
			Help: "Encrypted envelopes by direction and outcome.",
		},
		[]string{"direction", "result"},
	)

	ChannelEnvelopeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_envelope_bytes",
			Help:    "Ciphertext sizes of exchanged envelopes.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"direction"},
	)

	GroupKeyOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_key_operations_total",
			Help: "Group key changes by operation and outcome.",
		},
		[]string{"op", "result"},
	)

	SignalingMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_total",
			Help: "Signaling messages by kind and direction.",
		},
		[]string{"kind", "direction"},
	)
)

// MustRegister registers all collectors with the default registry, labelled
// with the owning service.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		RatchetOperationsTotal,
		SessionCacheLookupsTotal,
		ChannelStateTransitionsTotal,
		ChannelReconnectAttemptsTotal,
		ChannelMessagesTotal,
		ChannelEnvelopeBytes,
		GroupKeyOperationsTotal,
		SignalingMessagesTotal,
	)
}
