package call

import (
	"fmt"
	"sync"
	"time"
)

// Session is one call attempt between two identities. Each endpoint holds its
// own local copy — no instance is shared across the network boundary.
type Session struct {
	ID       string
	Caller   string
	Callee   string
	Outgoing bool // true on the caller's endpoint

	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	endReason EndReason
	endedAt   time.Time
}

func newSession(id, caller, callee string, outgoing bool) *Session {
	return &Session{
		ID:        id,
		Caller:    caller,
		Callee:    callee,
		Outgoing:  outgoing,
		CreatedAt: time.Now(),
		state:     StateIdle,
	}
}

// Remote returns the other party's identity as seen from this endpoint.
func (s *Session) Remote() string {
	if s.Outgoing {
		return s.Callee
	}
	return s.Caller
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndReason returns why the session terminated (empty while live).
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// transition moves the session to next, enforcing the lifecycle table.
// Terminal states are sticky: any transition out of them fails.
func (s *Session) transition(next State, reason EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, next) {
		return fmt.Errorf("%w: %s → %s (session %s)", ErrInvalidTransition, s.state, next, s.ID)
	}
	s.state = next
	if next.Terminal() {
		s.endReason = reason
		s.endedAt = time.Now()
	}
	return nil
}

// Summary is the immutable snapshot archived when a session terminates and
// exposed to UI layers on every state change.
type Summary struct {
	SessionID string    `json:"session_id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	State     string    `json:"state"`
	EndReason string    `json:"end_reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Summary snapshots the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		SessionID: s.ID,
		Caller:    s.Caller,
		Callee:    s.Callee,
		State:     s.state.String(),
		EndReason: string(s.endReason),
		CreatedAt: s.CreatedAt,
		EndedAt:   s.endedAt,
	}
}
