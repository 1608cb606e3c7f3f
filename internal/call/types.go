package call

import "github.com/veridial/veridial/internal/proto"

// Signaler is the only surface the call package needs from the relay layer.
// The endpoint's websocket client satisfies it; tests use an in-memory pair.
type Signaler interface {
	// Send routes one envelope to its To identity via the relay.
	Send(env proto.Envelope) error
	// Subscribe returns envelopes addressed to this endpoint, in relay order.
	// cancel detaches the subscription and closes the channel.
	Subscribe() (ch chan proto.Envelope, cancel func())
}

// IncomingCall is surfaced to the UI/endpoint when an invite arrives while
// idle. Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	Session *Session
	Accept  func() error
	Reject  func()
}
