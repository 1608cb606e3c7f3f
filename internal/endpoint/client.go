package endpoint

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/veridial/veridial/internal/proto"
)

const subBuffer = 64

// Client is a relay websocket connection. It satisfies call.Signaler: one
// writer, fan-out of inbound envelopes to subscribers.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan proto.Envelope]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// DialRelay connects to the relay at rawURL. When token is set it is sent as
// a bearer credential; otherwise identity is asserted via the id parameter.
func DialRelay(ctx context.Context, rawURL, identity, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	} else {
		q.Set("id", identity)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn: conn,
		subs: make(map[chan proto.Envelope]struct{}),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes one envelope to the relay.
func (c *Client) Send(env proto.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Subscribe returns a channel of inbound envelopes. Slow subscribers drop
// messages rather than stalling the read loop.
func (c *Client) Subscribe() (chan proto.Envelope, func()) {
	ch := make(chan proto.Envelope, subBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// Close tears the connection down and closes all subscriber channels.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.subMu.Lock()
		for ch := range c.subs {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	})
	return err
}

// Done is closed when the connection is gone, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var env proto.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				log.Debugf("ENDPOINT: relay read ended: %v", err)
			}
			return
		}
		c.subMu.Lock()
		for ch := range c.subs {
			select {
			case ch <- env:
			default:
				// Subscriber is not keeping up; it sees a gap, not a stall.
			}
		}
		c.subMu.Unlock()
	}
}
