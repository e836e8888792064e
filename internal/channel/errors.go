package channel

import "errors"

var (
	ErrChannelNotReady    = errors.New("channel: peer channel not ready")
	ErrConnectionTimeout  = errors.New("channel: connection timed out")
	ErrSignaling          = errors.New("channel: signaling failed")
	ErrIllegalTransition  = errors.New("channel: illegal state transition")
	ErrManagerClosed      = errors.New("channel: manager closed")
	ErrMalformedEnvelope  = errors.New("channel: malformed envelope")
	ErrUnsupportedContent = errors.New("channel: unsupported content type")
)
