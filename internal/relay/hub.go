// Package relay is the signaling message hub. Browsers and headless endpoints
// connect over a persistent websocket; the hub forwards call-control envelopes
// (invite, accept, reject, hangup, offer, answer, candidate) between two
// identities without inspecting their bodies. The hub is stateless with
// respect to call semantics — all call state lives at the endpoints.
package relay

import (
	"errors"
	"fmt"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/veridial/veridial/internal/identity"
	"github.com/veridial/veridial/internal/presence"
	"github.com/veridial/veridial/internal/proto"
	"github.com/veridial/veridial/internal/util"
)

var log = logging.Logger("relay")

// ErrPeerUnreachable is returned by Route when the target identity has no
// live endpoint. Surfaced to the sender only; never retried by the relay.
var ErrPeerUnreachable = errors.New("relay: peer unreachable")

// Hub owns the presence registry and routes envelopes between connected
// clients. One Hub per process.
type Hub struct {
	reg      *presence.Registry
	verifier *identity.Verifier // nil when anonymous connects are allowed
	done     chan struct{}
}

// NewHub creates a hub around reg. verifier may be nil to accept the identity
// from the ?id= query parameter instead of a bearer token (dev/LAN setups).
func NewHub(reg *presence.Registry, verifier *identity.Verifier) *Hub {
	h := &Hub{
		reg:      reg,
		verifier: verifier,
		done:     make(chan struct{}),
	}
	go h.broadcastPresence()
	return h
}

// Route forwards env to env.To. Per-session ordering is preserved because
// each client has exactly one writer goroutine draining a FIFO send queue.
func (h *Hub) Route(env proto.Envelope) error {
	ep, ok := h.reg.Resolve(env.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, env.To)
	}
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if !ep.Deliver(data) {
		// Send queue full — the connection is dead or hopelessly slow.
		// Drop it so the identity goes offline instead of silently losing
		// an unbounded tail of signaling messages.
		ep.Kick("send queue overflow")
		return fmt.Errorf("%w: %s (send queue overflow)", ErrPeerUnreachable, env.To)
	}
	return nil
}

// ServeWS upgrades an HTTP request to a relay connection. The identity comes
// from the bearer token (Authorization header or ?token=), or from ?id= when
// the hub runs without a verifier.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := h.identityFor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := newClient(h, conn, id)
	h.reg.Register(id, c)
	log.Infof("connected: %s (%s)", id, r.RemoteAddr)

	go c.writePump()
	go c.readPump()

	// Initial presence snapshot so a fresh client can render the directory
	// without waiting for the next change.
	c.deliverEnvelope(presenceEnvelope(h.reg.ListOnline()))
}

// Close stops presence broadcasting and clears the registry.
func (h *Hub) Close() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	h.reg.Clear()
}

func (h *Hub) identityFor(r *http.Request) (string, error) {
	if h.verifier == nil {
		id := r.URL.Query().Get("id")
		if id == "" {
			return "", errors.New("missing id")
		}
		return util.ValidateIdentity(id)
	}
	tok := r.URL.Query().Get("token")
	if tok == "" {
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) {
			tok = auth[len(prefix):]
		}
	}
	return h.verifier.IdentityFromToken(tok)
}

// broadcastPresence pushes the online set to every connected client whenever
// it changes, so directory UIs stay current.
func (h *Hub) broadcastPresence() {
	events := h.reg.Subscribe()
	defer h.reg.Unsubscribe(events)

	for {
		select {
		case <-h.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := marshalEnvelope(presenceEnvelope(evt.Online))
			if err != nil {
				continue
			}
			for _, id := range h.reg.ListOnline() {
				if ep, ok := h.reg.Resolve(id); ok {
					ep.Deliver(data)
				}
			}
		}
	}
}

func presenceEnvelope(online []string) proto.Envelope {
	return proto.Envelope{
		Type: proto.TypePresence,
		Body: proto.MarshalBody(proto.PresenceBody{Online: online}),
		TS:   proto.NowMillis(),
	}
}
