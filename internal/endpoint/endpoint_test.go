package endpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"encoding/json"

	"github.com/veridial/veridial/internal/call"
	"github.com/veridial/veridial/internal/presence"
	"github.com/veridial/veridial/internal/proto"
	"github.com/veridial/veridial/internal/relay"
	"github.com/veridial/veridial/internal/storage"
)

func startHub(t *testing.T) string {
	t.Helper()
	reg := presence.NewRegistry()
	hub := relay.NewHub(reg, nil)
	t.Cleanup(hub.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitState(t *testing.T, mgr *call.Manager, want call.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sess := mgr.Current(); sess != nil && sess.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	var got call.State
	if sess := mgr.Current(); sess != nil {
		got = sess.State()
	}
	t.Fatalf("state %s never reached (at %s)", want, got)
}

func TestClientSendSubscribe(t *testing.T) {
	wsURL := startHub(t)
	ctx := context.Background()

	a, err := DialRelay(ctx, wsURL, "alice", "")
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer a.Close()
	b, err := DialRelay(ctx, wsURL, "bob", "")
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := a.Send(proto.Envelope{Type: proto.TypeInvite, To: "bob", SessionID: "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == proto.TypeInvite {
				if env.From != "alice" || env.SessionID != "s1" {
					t.Fatalf("unexpected envelope %+v", env)
				}
				return
			}
			// presence pushes are fine, keep waiting
		case <-deadline:
			t.Fatal("invite never arrived")
		}
	}
}

func TestCallSignalingReachesConnecting(t *testing.T) {
	wsURL := startHub(t)
	ctx := context.Background()

	bob, err := Start(ctx, Options{RelayURL: wsURL, Identity: "bob", AutoAccept: true})
	if err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Close()

	alice, err := Start(ctx, Options{RelayURL: wsURL, Identity: "alice"})
	if err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Close()

	var mu sync.Mutex
	var bobSaw []string
	bob.Manager().OnSignal(func(_ string, kind string, _ json.RawMessage) {
		mu.Lock()
		bobSaw = append(bobSaw, kind)
		mu.Unlock()
	})

	if _, err := alice.Call("bob"); err != nil {
		t.Fatalf("call: %v", err)
	}

	// Both sides pass through Connecting; they may already be Active by the
	// time we poll, so accept either.
	deadline := time.Now().Add(10 * time.Second)
	reached := func(mgr *call.Manager) bool {
		sess := mgr.Current()
		if sess == nil {
			return false
		}
		st := sess.State()
		return st == call.StateConnecting || st == call.StateActive
	}
	for time.Now().Before(deadline) {
		if reached(alice.Manager()) && reached(bob.Manager()) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !reached(alice.Manager()) || !reached(bob.Manager()) {
		t.Fatal("call never reached Connecting on both sides")
	}

	// Bob must have received the caller's offer.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		sawOffer := false
		for _, k := range bobSaw {
			if k == proto.TypeOffer {
				sawOffer = true
			}
		}
		mu.Unlock()
		if sawOffer {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("offer never reached callee")
}

func TestEndToEndCallDetectsAndArchives(t *testing.T) {
	if testing.Short() {
		t.Skip("full media path")
	}
	wsURL := startHub(t)
	ctx := context.Background()

	archive, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer archive.Close()

	bob, err := Start(ctx, Options{
		RelayURL: wsURL, Identity: "bob",
		AutoAccept: true, ToneHz: 440,
	})
	if err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer bob.Close()

	alice, err := Start(ctx, Options{
		RelayURL: wsURL, Identity: "alice",
		ToneHz:  330,
		Archive: archive,
	})
	if err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer alice.Close()

	sess, err := alice.Call("bob")
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	waitState(t, alice.Manager(), call.StateActive, 30*time.Second)
	waitState(t, bob.Manager(), call.StateActive, 30*time.Second)

	// Let a few segments flow so live verdicts accumulate.
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if len(alice.Verdicts()) >= 2 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(alice.Verdicts()) < 2 {
		t.Fatal("no live verdicts produced")
	}

	alice.HangUp()
	waitState(t, alice.Manager(), call.StateEnded, 5*time.Second)

	// Alice archives her side on teardown.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := archive.GetCall(sess.ID)
		if err == nil && rec.State == call.StateEnded.String() {
			if rec.EndReason != string(call.ReasonHangupLocal) {
				t.Fatalf("end reason = %s, want hangup_local", rec.EndReason)
			}
			verdicts, err := archive.GetVerdicts(sess.ID)
			if err != nil {
				t.Fatalf("GetVerdicts: %v", err)
			}
			if len(verdicts) == 0 {
				t.Fatal("no verdicts archived")
			}
			for i := 1; i < len(verdicts); i++ {
				if verdicts[i].Seq <= verdicts[i-1].Seq {
					t.Fatalf("archived verdicts out of order: %+v", verdicts)
				}
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("archived call never appeared")
}
