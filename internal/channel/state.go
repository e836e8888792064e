package channel

import "fmt"

// State is the lifecycle state of one peer channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReady
	StateDisconnected
	StateReconnecting
	StateFailed
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReady:        "ready",
	StateDisconnected: "disconnected",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed},
	StateConnected:    {StateReady, StateDisconnected},
	StateReady:        {StateDisconnected},
	StateDisconnected: {StateConnecting, StateReconnecting},
	StateReconnecting: {StateReady, StateFailed, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns ErrIllegalTransition unless from -> to is a legal step.
// Staying in the same state is always allowed.
func Transition(from, to State) error {
	if from == to || CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// ConnState mirrors the underlying transport connection state.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (c ConnState) String() string {
	switch c {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return fmt.Sprintf("conn(%d)", int(c))
}

func (c ConnState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// DataChannelState mirrors the state of the message data channel.
type DataChannelState int

const (
	DataChannelNone DataChannelState = iota
	DataChannelConnecting
	DataChannelOpen
	DataChannelClosing
	DataChannelClosed
)

func (d DataChannelState) String() string {
	switch d {
	case DataChannelNone:
		return "none"
	case DataChannelConnecting:
		return "connecting"
	case DataChannelOpen:
		return "open"
	case DataChannelClosing:
		return "closing"
	case DataChannelClosed:
		return "closed"
	}
	return fmt.Sprintf("datachannel(%d)", int(d))
}

func (d DataChannelState) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
