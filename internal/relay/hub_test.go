package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veridial/veridial/internal/presence"
	"github.com/veridial/veridial/internal/proto"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	reg := presence.NewRegistry()
	hub := NewHub(reg, nil) // anonymous mode: identity from ?id=
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?id="+id, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads envelopes until one matching want arrives or the
// deadline passes. Presence pushes are interleaved with routed messages, so
// tests skip types they are not asserting on.
func readEnvelope(t *testing.T, conn *websocket.Conn, want string) proto.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if env.Type == want {
			return env
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, env proto.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

func TestRouteBetweenTwoClients(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	// Both get a presence snapshot on connect.
	readEnvelope(t, alice, proto.TypePresence)
	readEnvelope(t, bob, proto.TypePresence)

	send(t, alice, proto.Envelope{
		Type:      proto.TypeInvite,
		To:        "bob",
		SessionID: "s1",
		Body:      proto.MarshalBody(map[string]string{"display_name": "Alice"}),
	})

	env := readEnvelope(t, bob, proto.TypeInvite)
	if env.From != "alice" {
		t.Fatalf("relay must assert sender identity, got from=%q", env.From)
	}
	if env.SessionID != "s1" {
		t.Fatalf("session id not preserved: %q", env.SessionID)
	}
}

func TestRouteToOfflinePeerFailsFast(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url, "alice")
	readEnvelope(t, alice, proto.TypePresence)

	send(t, alice, proto.Envelope{Type: proto.TypeInvite, To: "nobody", SessionID: "s2"})

	env := readEnvelope(t, alice, proto.TypeError)
	var body proto.ErrorBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != proto.CodePeerUnreachable {
		t.Fatalf("expected peer_unreachable, got %q", body.Code)
	}
	if body.SessionID != "s2" {
		t.Fatalf("error must carry the failed session id, got %q", body.SessionID)
	}
}

func TestPerSessionOrderingPreserved(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")
	readEnvelope(t, alice, proto.TypePresence)
	readEnvelope(t, bob, proto.TypePresence)

	const n = 20
	for i := 0; i < n; i++ {
		send(t, alice, proto.Envelope{
			Type:      proto.TypeCandidate,
			To:        "bob",
			SessionID: "s3",
			Body:      proto.MarshalBody(map[string]int{"seq": i}),
		})
	}

	for i := 0; i < n; i++ {
		env := readEnvelope(t, bob, proto.TypeCandidate)
		var body struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			t.Fatal(err)
		}
		if body.Seq != i {
			t.Fatalf("message %d arrived out of order (got seq %d)", i, body.Seq)
		}
	}
}

func TestReconnectReplacesEndpoint(t *testing.T) {
	_, url := startHub(t)
	old := dial(t, url, "carol")
	readEnvelope(t, old, proto.TypePresence)

	fresh := dial(t, url, "carol")
	readEnvelope(t, fresh, proto.TypePresence)

	// The displaced connection is closed by the hub.
	_ = old.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}

	// The fresh connection still routes.
	dave := dial(t, url, "dave")
	readEnvelope(t, dave, proto.TypePresence)
	send(t, dave, proto.Envelope{Type: proto.TypeHangup, To: "carol", SessionID: "s4"})
	env := readEnvelope(t, fresh, proto.TypeHangup)
	if env.From != "dave" {
		t.Fatalf("unexpected sender %q", env.From)
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url, "alice")
	readEnvelope(t, alice, proto.TypePresence)

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":""}`)); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, alice, proto.TypeError)
	var body proto.ErrorBody
	_ = json.Unmarshal(env.Body, &body)
	if body.Code != proto.CodeBadEnvelope {
		t.Fatalf("expected bad_envelope, got %q", body.Code)
	}
}
