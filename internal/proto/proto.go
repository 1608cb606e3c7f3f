package proto

import (
	"encoding/json"
	"time"
)

// Envelope types carried over the signaling relay. The relay never looks at
// Body — only Type/From/To/SessionID are used for routing and bookkeeping.
const (
	TypeInvite    = "invite"
	TypeAccept    = "accept"
	TypeReject    = "reject"
	TypeHangup    = "hangup"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypePresence  = "presence"
	TypeError     = "error"
)

// Envelope is the relay wire message. Body is opaque JSON so the relay can
// forward offers/answers/candidates without decoding them.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	TS        int64           `json:"ts"`
}

// PresenceBody is the Body of a TypePresence envelope pushed by the relay
// whenever the online set changes.
type PresenceBody struct {
	Online []string `json:"online"`
}

// ErrorBody is the Body of a TypeError envelope sent back to the originator
// of a message that could not be handled (e.g. routing to an offline peer).
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodePeerUnreachable = "peer_unreachable"
	CodeBadEnvelope     = "bad_envelope"
)

// CandidateBody is the Body of a TypeCandidate envelope. Mirrors
// webrtc.ICECandidateInit so browser and Go endpoints can use it as-is.
type CandidateBody struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SDPBody is the Body of offer and answer envelopes.
type SDPBody struct {
	SDP string `json:"sdp"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// MarshalBody encodes v for use as an Envelope Body.
func MarshalBody(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
