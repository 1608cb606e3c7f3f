// Package endpoint is the headless call party: it joins a relay, answers or
// places calls, negotiates media, and runs live detection on whatever audio
// the remote side sends. Browsers implement the same protocol in JS; this
// package exists for bots, monitors and tests.
package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/veridial/veridial/internal/call"
	"github.com/veridial/veridial/internal/detect"
	"github.com/veridial/veridial/internal/negotiate"
	"github.com/veridial/veridial/internal/storage"

	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("endpoint")

// Options configures one endpoint.
type Options struct {
	RelayURL string
	Identity string
	// Token authenticates against a verifying relay. Empty asserts Identity
	// via query parameter (anonymous relay mode).
	Token string

	// AutoAccept answers every incoming invite immediately. Headless
	// endpoints have nobody to show a ring screen to.
	AutoAccept bool

	RingTimeout time.Duration
	Negotiate   negotiate.Config
	Detect      detect.Config

	// Classifier for live detection. Nil selects the built-in heuristic.
	Classifier detect.Classifier

	// Archive persists finished calls and verdicts. Nil disables persistence.
	Archive *storage.Archive

	// ToneHz enables the synthetic capture source at the given frequency.
	// Zero sends no local audio (receive-only endpoint).
	ToneHz float64
}

// Endpoint glues the relay client, the call state machine, media negotiation
// and the detection pipeline together for one identity.
type Endpoint struct {
	opts   Options
	client *Client
	mgr    *call.Manager

	mu       sync.Mutex
	adapter  *negotiate.Adapter
	pipeline *detect.Pipeline
	toneStop context.CancelFunc

	verdictFns []func(detect.Verdict)
}

// Start dials the relay and begins handling calls.
func Start(ctx context.Context, opts Options) (*Endpoint, error) {
	if opts.Classifier == nil {
		opts.Classifier = detect.StubClassifier{}
	}

	client, err := DialRelay(ctx, opts.RelayURL, opts.Identity, opts.Token)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		opts:   opts,
		client: client,
		mgr:    call.NewManager(client, opts.Identity, opts.RingTimeout),
	}

	e.mgr.OnIncoming(e.onIncoming)
	e.mgr.OnStateChanged(e.onStateChanged)
	e.mgr.OnSignal(e.onSignal)

	log.Infof("ENDPOINT: %s joined %s", opts.Identity, opts.RelayURL)
	return e, nil
}

// SetDetectConfig swaps the detection tuning used for subsequent calls. The
// live session keeps the config it started with.
func (e *Endpoint) SetDetectConfig(cfg detect.Config) {
	e.mu.Lock()
	e.opts.Detect = cfg
	e.mu.Unlock()
}

// Manager exposes the call state machine for observation.
func (e *Endpoint) Manager() *call.Manager {
	return e.mgr
}

// OnVerdict registers a callback fired for every live detection verdict.
func (e *Endpoint) OnVerdict(fn func(detect.Verdict)) {
	e.mu.Lock()
	e.verdictFns = append(e.verdictFns, fn)
	e.mu.Unlock()
}

// Call places an outgoing call.
func (e *Endpoint) Call(callee string) (*call.Session, error) {
	return e.mgr.Initiate(callee)
}

// HangUp ends the live call, if any.
func (e *Endpoint) HangUp() {
	e.mgr.HangUp()
}

// Verdicts returns the live session's verdict history so far.
func (e *Endpoint) Verdicts() []detect.Verdict {
	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.History()
}

// Trend returns the live session's current trend score.
func (e *Endpoint) Trend() float64 {
	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Trend()
}

// Close hangs up, archives the last session and disconnects from the relay.
func (e *Endpoint) Close() {
	e.mgr.Close()
	e.teardownMedia(e.mgr.Current())
	e.client.Close()
}

func (e *Endpoint) onIncoming(ic *call.IncomingCall) {
	if !e.opts.AutoAccept {
		log.Infof("ENDPOINT: ringing from %s (session %s), nobody to answer", ic.Session.Caller, ic.Session.ID)
		return
	}
	if err := ic.Accept(); err != nil {
		log.Warnf("ENDPOINT: accept failed: %v", err)
	}
}

func (e *Endpoint) onStateChanged(sess *call.Session) {
	switch sess.State() {
	case call.StateConnecting:
		if err := e.setupMedia(sess); err != nil {
			log.Errorf("ENDPOINT: media setup for %s failed: %v", sess.ID, err)
			e.mgr.NegotiationFailed(sess.ID)
		}
	case call.StateEnded, call.StateRejected, call.StateFailed:
		e.teardownMedia(sess)
	}
}

// setupMedia builds the peer connection and detection pipeline for a session
// entering Connecting. The caller side opens with the offer; the callee side
// waits for it.
func (e *Endpoint) setupMedia(sess *call.Session) error {
	adapter, err := negotiate.New(sess.ID, e.opts.Negotiate)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cfg := e.opts.Detect
	e.mu.Unlock()
	pipeline := detect.NewPipeline(sess.ID, e.opts.Classifier, cfg)
	pipeline.OnVerdict(e.fireVerdict)

	adapter.OnLocalMessage(func(kind string, body json.RawMessage) {
		if err := e.mgr.SendSignal(sess.ID, kind, body); err != nil {
			log.Debugf("ENDPOINT: signal send failed: %v", err)
		}
	})
	adapter.OnConnected(func() { e.mgr.NegotiationComplete(sess.ID) })
	adapter.OnFailed(func() { e.mgr.NegotiationFailed(sess.ID) })

	toneCtx, toneStop := context.WithCancel(context.Background())
	adapter.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		log.Infof("ENDPOINT: remote track for session %s", sess.ID)
		go detect.PumpTrack(toneCtx, track, detect.EnvelopeDecoder{}, pipeline)
	})

	if e.opts.ToneHz > 0 {
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = detect.DefaultSampleRate
		}
		tone, err := NewToneSource(e.opts.ToneHz, rate)
		if err != nil {
			toneStop()
			adapter.Close()
			return err
		}
		if err := adapter.AddLocalTrack(tone.Track()); err != nil {
			toneStop()
			adapter.Close()
			return err
		}
		go tone.Run(toneCtx)
	} else if err := adapter.AddRecvOnlyAudio(); err != nil {
		toneStop()
		adapter.Close()
		return err
	}

	e.mu.Lock()
	e.adapter = adapter
	e.pipeline = pipeline
	e.toneStop = toneStop
	e.mu.Unlock()

	if sess.Outgoing {
		return adapter.StartOffer()
	}
	return nil
}

func (e *Endpoint) onSignal(sessionID, kind string, body json.RawMessage) {
	e.mu.Lock()
	adapter := e.adapter
	e.mu.Unlock()
	if adapter == nil {
		return
	}
	if err := adapter.HandleRemote(kind, body); err != nil {
		log.Warnf("ENDPOINT: remote %s for %s rejected: %v", kind, sessionID, err)
	}
}

// teardownMedia closes the media path and archives the finished session.
// Idempotent; called for every terminal transition and on Close.
func (e *Endpoint) teardownMedia(sess *call.Session) {
	e.mu.Lock()
	adapter := e.adapter
	pipeline := e.pipeline
	toneStop := e.toneStop
	e.adapter = nil
	e.pipeline = nil
	e.toneStop = nil
	e.mu.Unlock()

	if toneStop != nil {
		toneStop()
	}
	if adapter != nil {
		adapter.Close()
	}

	var history []detect.Verdict
	if pipeline != nil {
		history = pipeline.Close()
	}

	if sess == nil || e.opts.Archive == nil {
		return
	}
	sum := sess.Summary()
	rec := storage.CallRecord{
		SessionID: sum.SessionID,
		Caller:    sum.Caller,
		Callee:    sum.Callee,
		State:     sum.State,
		EndReason: sum.EndReason,
		CreatedAt: sum.CreatedAt,
		EndedAt:   sum.EndedAt,
	}
	if err := e.opts.Archive.SaveCall(rec); err != nil {
		log.Errorf("ENDPOINT: archive call %s: %v", sum.SessionID, err)
		return
	}
	if err := e.opts.Archive.SaveVerdicts(sum.SessionID, history); err != nil {
		log.Errorf("ENDPOINT: archive verdicts %s: %v", sum.SessionID, err)
	}
}

func (e *Endpoint) fireVerdict(v detect.Verdict) {
	e.mu.Lock()
	fns := make([]func(detect.Verdict), len(e.verdictFns))
	copy(fns, e.verdictFns)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
