package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridial/veridial/internal/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // SDP offers with many candidates stay well under this
	sendQueueSize  = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Identity is established by token, not origin; browsers may be served
	// from a different host than the relay.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket connection bound to an identity. It satisfies
// presence.Endpoint. A single writer goroutine drains send, which preserves
// the sender-assigned per-session ordering required by the relay contract.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity string

	send      chan []byte
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, id string) *client {
	return &client{
		hub:      h,
		conn:     conn,
		identity: id,
		send:     make(chan []byte, sendQueueSize),
	}
}

// Deliver enqueues data for the connection. Returns false when the queue is
// full or the client is closing; never blocks.
func (c *client) Deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Kick closes the connection. Safe to call multiple times.
func (c *client) Kick(reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
		log.Infof("kicked %s: %s", c.identity, reason)
	})
}

func (c *client) deliverEnvelope(env proto.Envelope) {
	if data, err := marshalEnvelope(env); err == nil {
		c.Deliver(data)
	}
}

// readPump reads envelopes from the socket and routes them. Runs until the
// connection drops; unregisters the identity on exit.
func (c *client) readPump() {
	defer func() {
		c.hub.reg.Unregister(c.identity, c)
		c.Kick("read loop exited")
		log.Infof("disconnected: %s", c.identity)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("read error from %s: %v", c.identity, err)
			}
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" || env.To == "" {
			c.deliverEnvelope(errorEnvelope(proto.CodeBadEnvelope, "malformed envelope", ""))
			continue
		}

		// The relay, not the client, asserts the sender identity.
		env.From = c.identity
		env.TS = proto.NowMillis()

		if err := c.hub.Route(env); err != nil {
			code := proto.CodeBadEnvelope
			if errors.Is(err, ErrPeerUnreachable) {
				code = proto.CodePeerUnreachable
			}
			c.deliverEnvelope(errorEnvelope(code, err.Error(), env.SessionID))
		}
	}
}

// writePump is the single writer for the connection: queued envelopes plus
// periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Kick("write loop exited")
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorEnvelope(code, msg, sessionID string) proto.Envelope {
	return proto.Envelope{
		Type:      proto.TypeError,
		SessionID: sessionID,
		Body: proto.MarshalBody(proto.ErrorBody{
			Code:      code,
			Message:   msg,
			SessionID: sessionID,
		}),
		TS: proto.NowMillis(),
	}
}

func marshalEnvelope(env proto.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
