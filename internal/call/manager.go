// Package call owns the per-endpoint call lifecycle: one state machine per
// call attempt, driven by envelopes from the signaling relay. Coupling to the
// transport is via the Signaler interface only.
package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/veridial/veridial/internal/proto"
)

var log = logging.Logger("call")

// DefaultRingTimeout bounds how long a ringing session waits for an answer.
const DefaultRingTimeout = 30 * time.Second

// Manager owns at most one live call session for its identity and bridges
// relay signaling to it. Negotiation payloads (offer/answer/candidate) are
// passed through to OnSignal subscribers without inspection.
type Manager struct {
	sig         Signaler
	selfID      string
	ringTimeout time.Duration

	mu        sync.Mutex
	cur       *Session
	ringTimer *time.Timer

	cbMu      sync.RWMutex
	incoming  []func(*IncomingCall)
	stateFns  []func(*Session)
	signalFns []func(sessionID, kind string, body json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager attached to sig and starts dispatching relay
// envelopes immediately. ringTimeout <= 0 selects DefaultRingTimeout.
func NewManager(sig Signaler, selfID string, ringTimeout time.Duration) *Manager {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	m := &Manager{
		sig:         sig,
		selfID:      selfID,
		ringTimeout: ringTimeout,
		done:        make(chan struct{}),
	}
	ch, cancel := sig.Subscribe()
	go m.dispatchLoop(ch, cancel)
	return m
}

// OnIncoming registers a callback fired for each incoming invite.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.cbMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.cbMu.Unlock()
}

// OnStateChanged registers a callback fired after every session transition.
func (m *Manager) OnStateChanged(fn func(*Session)) {
	m.cbMu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.cbMu.Unlock()
}

// OnSignal registers a callback for negotiation payloads (offer, answer,
// candidate) addressed to the live session.
func (m *Manager) OnSignal(fn func(sessionID, kind string, body json.RawMessage)) {
	m.cbMu.Lock()
	m.signalFns = append(m.signalFns, fn)
	m.cbMu.Unlock()
}

// Current returns the live session, which may be terminal.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Initiate starts an outgoing call to callee. Fails with ErrAlreadyInCall
// when a non-terminal session exists.
func (m *Manager) Initiate(callee string) (*Session, error) {
	m.mu.Lock()
	if m.cur != nil && !m.cur.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	sess := newSession(uuid.NewString(), m.selfID, callee, true)
	if err := sess.transition(StateRingingOut, ReasonNone); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.cur = sess
	m.armRingTimerLocked(sess)
	m.mu.Unlock()

	log.Infof("initiate %s → %s (session %s)", m.selfID, callee, sess.ID)
	if err := m.sig.Send(proto.Envelope{
		Type:      proto.TypeInvite,
		To:        callee,
		SessionID: sess.ID,
	}); err != nil {
		m.finish(sess, StateFailed, ReasonPeerUnreachable, false)
		return sess, err
	}
	m.fireStateChanged(sess)
	return sess, nil
}

// HangUp ends the live session from this side. During ringing or connecting
// it cancels the attempt; the peer is notified via the relay in all cases.
// No-op when there is no live session.
func (m *Manager) HangUp() {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil || sess.State().Terminal() {
		return
	}
	m.finish(sess, StateEnded, ReasonHangupLocal, true)
}

// NegotiationComplete moves the session to Active once media is flowing.
func (m *Manager) NegotiationComplete(sessionID string) {
	sess := m.sessionFor(sessionID)
	if sess == nil {
		return
	}
	if err := sess.transition(StateActive, ReasonNone); err != nil {
		log.Debugf("negotiation complete ignored: %v", err)
		return
	}
	m.stopRingTimer()
	log.Infof("session %s active", sess.ID)
	m.fireStateChanged(sess)
}

// NegotiationFailed marks the session Failed and notifies the peer. The user
// may re-initiate; nothing is retried automatically.
func (m *Manager) NegotiationFailed(sessionID string) {
	sess := m.sessionFor(sessionID)
	if sess == nil {
		return
	}
	log.Warnf("session %s negotiation failed", sess.ID)
	m.finish(sess, StateFailed, ReasonNegotiation, true)
}

// SendSignal routes a negotiation payload (offer, answer, candidate) to the
// remote party of the live session.
func (m *Manager) SendSignal(sessionID, kind string, body json.RawMessage) error {
	sess := m.sessionFor(sessionID)
	if sess == nil {
		return ErrNoSession
	}
	return m.sig.Send(proto.Envelope{
		Type:      kind,
		To:        sess.Remote(),
		SessionID: sess.ID,
		Body:      body,
	})
}

// Close stops the dispatch loop and ends any live session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.HangUp()
}

func (m *Manager) dispatchLoop(ch chan proto.Envelope, cancel func()) {
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env proto.Envelope) {
	switch env.Type {
	case proto.TypeInvite:
		m.handleInvite(env)
	case proto.TypeAccept:
		m.handleAccept(env)
	case proto.TypeReject:
		m.handleReject(env)
	case proto.TypeHangup:
		m.handleHangup(env)
	case proto.TypeError:
		m.handleError(env)
	case proto.TypePresence:
		m.handlePresence(env)
	case proto.TypeOffer, proto.TypeAnswer, proto.TypeCandidate:
		if sess := m.sessionFor(env.SessionID); sess != nil {
			m.fireSignal(sess.ID, env.Type, env.Body)
		}
	}
}

func (m *Manager) handleInvite(env proto.Envelope) {
	m.mu.Lock()
	busy := m.cur != nil && !m.cur.State().Terminal()
	if busy {
		m.mu.Unlock()
		log.Infof("busy — rejecting invite from %s (session %s)", env.From, env.SessionID)
		_ = m.sig.Send(proto.Envelope{
			Type:      proto.TypeReject,
			To:        env.From,
			SessionID: env.SessionID,
			Body:      proto.MarshalBody(map[string]string{"reason": string(ReasonBusy)}),
		})
		return
	}

	sess := newSession(env.SessionID, env.From, m.selfID, false)
	if err := sess.transition(StateRingingIn, ReasonNone); err != nil {
		m.mu.Unlock()
		return
	}
	m.cur = sess
	m.armRingTimerLocked(sess)
	m.mu.Unlock()

	log.Infof("incoming call from %s (session %s)", env.From, sess.ID)
	m.fireStateChanged(sess)

	ic := &IncomingCall{
		Session: sess,
		Accept: func() error {
			if err := sess.transition(StateConnecting, ReasonNone); err != nil {
				return err
			}
			m.stopRingTimer()
			m.fireStateChanged(sess)
			return m.sig.Send(proto.Envelope{
				Type:      proto.TypeAccept,
				To:        sess.Caller,
				SessionID: sess.ID,
			})
		},
		Reject: func() {
			m.finish(sess, StateRejected, ReasonRejected, true)
		},
	}
	m.cbMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.cbMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) handleAccept(env proto.Envelope) {
	sess := m.sessionFor(env.SessionID)
	if sess == nil || !sess.Outgoing {
		return
	}
	if err := sess.transition(StateConnecting, ReasonNone); err != nil {
		log.Debugf("accept ignored: %v", err)
		return
	}
	m.stopRingTimer()
	log.Infof("session %s accepted by %s", sess.ID, env.From)
	m.fireStateChanged(sess)
}

func (m *Manager) handleReject(env proto.Envelope) {
	sess := m.sessionFor(env.SessionID)
	if sess == nil {
		return
	}
	reason := ReasonRejected
	var body struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(env.Body, &body) == nil && body.Reason == string(ReasonBusy) {
		reason = ReasonBusy
	}
	m.finish(sess, StateRejected, reason, false)
}

func (m *Manager) handleHangup(env proto.Envelope) {
	sess := m.sessionFor(env.SessionID)
	if sess == nil {
		return
	}
	m.finish(sess, StateEnded, ReasonHangupRemote, false)
}

func (m *Manager) handleError(env proto.Envelope) {
	var body proto.ErrorBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return
	}
	if body.Code != proto.CodePeerUnreachable {
		return
	}
	sess := m.sessionFor(body.SessionID)
	if sess == nil {
		return
	}
	log.Warnf("session %s: peer unreachable", sess.ID)
	m.finish(sess, StateFailed, ReasonPeerUnreachable, false)
}

// handlePresence watches for the remote party dropping off the relay while a
// call is live. Indistinguishable from a hang-up at the state level, but the
// end reason records the difference for the archived summary.
func (m *Manager) handlePresence(env proto.Envelope) {
	sess := m.Current()
	if sess == nil || sess.State().Terminal() {
		return
	}
	st := sess.State()
	if st != StateConnecting && st != StateActive {
		return
	}
	var body proto.PresenceBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return
	}
	for _, id := range body.Online {
		if id == sess.Remote() {
			return
		}
	}
	log.Warnf("session %s: peer %s disconnected", sess.ID, sess.Remote())
	m.finish(sess, StateEnded, ReasonPeerDisconnected, false)
}

// finish drives sess to a terminal state, optionally notifying the peer, and
// fires state callbacks. Safe to call on an already-terminal session.
func (m *Manager) finish(sess *Session, final State, reason EndReason, notifyPeer bool) {
	prev := sess.State()
	if err := sess.transition(final, reason); err != nil {
		return
	}
	m.stopRingTimer()

	if notifyPeer {
		typ := proto.TypeHangup
		if final == StateRejected {
			typ = proto.TypeReject
		}
		env := proto.Envelope{Type: typ, To: sess.Remote(), SessionID: sess.ID}
		if reason == ReasonBusy || reason == ReasonRingTimeout {
			env.Body = proto.MarshalBody(map[string]string{"reason": string(reason)})
		}
		if err := m.sig.Send(env); err != nil {
			log.Debugf("session %s: notify peer failed: %v", sess.ID, err)
		}
	}

	log.Infof("session %s: %s → %s (%s)", sess.ID, prev, final, reason)
	m.fireStateChanged(sess)
}

func (m *Manager) sessionFor(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.ID != sessionID {
		return nil
	}
	return m.cur
}

// armRingTimerLocked bounds the ringing phase. Expiry rejects the attempt on
// both sides: the callee's pending invite is cleared and the caller notified.
func (m *Manager) armRingTimerLocked(sess *Session) {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
	}
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		st := sess.State()
		if st != StateRingingOut && st != StateRingingIn {
			return
		}
		log.Infof("session %s: ring timeout", sess.ID)
		m.finish(sess, StateRejected, ReasonRingTimeout, st == StateRingingIn)
	})
}

func (m *Manager) stopRingTimer() {
	m.mu.Lock()
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.mu.Unlock()
}

func (m *Manager) fireStateChanged(sess *Session) {
	m.cbMu.RLock()
	fns := make([]func(*Session), len(m.stateFns))
	copy(fns, m.stateFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn(sess)
	}
}

func (m *Manager) fireSignal(sessionID, kind string, body json.RawMessage) {
	m.cbMu.RLock()
	fns := make([]func(string, string, json.RawMessage), len(m.signalFns))
	copy(fns, m.signalFns)
	m.cbMu.RUnlock()
	for _, fn := range fns {
		fn(sessionID, kind, body)
	}
}
