package call

import "errors"

// State is the lifecycle position of one call attempt. Transitions are
// monotonic: once a session reaches a terminal state it never leaves it.
type State int

const (
	StateIdle State = iota
	StateRingingOut
	StateRingingIn
	StateConnecting
	StateActive
	StateEnded
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOut:
		return "ringing_out"
	case StateRingingIn:
		return "ringing_in"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

var (
	// ErrAlreadyInCall rejects a second initiate/invite while a session is live.
	ErrAlreadyInCall = errors.New("call: already in a call")
	// ErrInvalidTransition rejects a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("call: invalid state transition")
	// ErrNoSession rejects an operation addressed to a session that is not
	// the live one.
	ErrNoSession = errors.New("call: no such session")
	// ErrNegotiationFailed marks a call attempt whose media path could not be
	// established within the attempt window.
	ErrNegotiationFailed = errors.New("call: negotiation failed")
)

// validNext lists the allowed transitions. Everything else fails with
// ErrInvalidTransition.
var validNext = map[State][]State{
	StateIdle:       {StateRingingOut, StateRingingIn},
	StateRingingOut: {StateConnecting, StateRejected, StateFailed, StateEnded},
	StateRingingIn:  {StateConnecting, StateRejected, StateFailed, StateEnded},
	StateConnecting: {StateActive, StateFailed, StateEnded},
	StateActive:     {StateEnded},
}

func canTransition(from, to State) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// EndReason records why a session reached a terminal state. The state machine
// does not distinguish a clean hang-up from a transport loss, but the archived
// call summary does.
type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonHangupLocal      EndReason = "hangup_local"
	ReasonHangupRemote     EndReason = "hangup_remote"
	ReasonRejected         EndReason = "rejected"
	ReasonBusy             EndReason = "busy"
	ReasonRingTimeout      EndReason = "ring_timeout"
	ReasonPeerUnreachable  EndReason = "peer_unreachable"
	ReasonPeerDisconnected EndReason = "peer_disconnected"
	ReasonNegotiation      EndReason = "negotiation_failed"
)
