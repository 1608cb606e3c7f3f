package call

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateRingingOut, true},
		{StateIdle, StateRingingIn, true},
		{StateIdle, StateActive, false},
		{StateRingingOut, StateConnecting, true},
		{StateRingingOut, StateRejected, true},
		{StateRingingOut, StateFailed, true},
		{StateRingingIn, StateConnecting, true},
		{StateRingingIn, StateRejected, true},
		{StateConnecting, StateActive, true},
		{StateConnecting, StateFailed, true},
		{StateConnecting, StateEnded, true},
		{StateActive, StateEnded, true},
		{StateActive, StateFailed, false},
		{StateActive, StateConnecting, false},
		{StateEnded, StateActive, false},
		{StateEnded, StateRingingOut, false},
		{StateRejected, StateConnecting, false},
		{StateFailed, StateActive, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s → %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateEnded, StateRejected, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateRingingOut, StateRingingIn, StateConnecting, StateActive} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSessionTransitionIsMonotonic(t *testing.T) {
	s := newSession("s1", "alice", "bob", true)
	mustTransition := func(next State) {
		t.Helper()
		if err := s.transition(next, ReasonNone); err != nil {
			t.Fatal(err)
		}
	}
	mustTransition(StateRingingOut)
	mustTransition(StateConnecting)
	mustTransition(StateActive)
	if err := s.transition(StateEnded, ReasonHangupLocal); err != nil {
		t.Fatal(err)
	}

	// No resurrecting a terminated session.
	for _, next := range []State{StateRingingOut, StateConnecting, StateActive, StateEnded} {
		if err := s.transition(next, ReasonNone); err == nil {
			t.Fatalf("transition out of terminal state to %s accepted", next)
		}
	}
	if s.EndReason() != ReasonHangupLocal {
		t.Fatalf("end reason overwritten: %q", s.EndReason())
	}
}
