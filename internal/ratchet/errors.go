package ratchet

import "errors"

var (
	ErrNoSession          = errors.New("ratchet: no session for conversation")
	ErrReplayDetected     = errors.New("ratchet: message counter already consumed")
	ErrSkipWindowExceeded = errors.New("ratchet: message counter too far ahead")
	ErrCounterExhausted   = errors.New("ratchet: chain counter exhausted")
	ErrCurveMismatch      = errors.New("ratchet: key pair curve does not match engine")
)
