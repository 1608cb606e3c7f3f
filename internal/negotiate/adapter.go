// Package negotiate wraps the WebRTC offer/answer/ICE exchange behind a small
// event surface: outbound signaling messages, the remote audio track, and a
// single success-or-failure outcome. Candidates may arrive before the remote
// description and are buffered until it is applied.
package negotiate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/veridial/veridial/internal/proto"
)

var log = logging.Logger("negotiate")

// Config tunes the negotiation attempt.
type Config struct {
	// STUNURLs are the ICE servers offered to the PeerConnection.
	STUNURLs []string
	// AttemptWindow bounds how long the attempt may take to reach a connected
	// state before negotiationFailed fires. Zero selects DefaultAttemptWindow.
	AttemptWindow time.Duration
}

// DefaultAttemptWindow bounds the connectivity attempt.
const DefaultAttemptWindow = 30 * time.Second

// Adapter drives one negotiation attempt for one call session.
type Adapter struct {
	sessionID string
	pc        *webrtc.PeerConnection

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit // candidates held until the remote description lands
	remoteSet bool
	settled   bool // connected or failed; later outcome events are ignored

	onLocal     func(kind string, body json.RawMessage)
	onTrack     func(track *webrtc.TrackRemote)
	onConnected func()
	onFailed    func()

	window    *time.Timer
	closeOnce sync.Once
}

// New builds a PeerConnection with the default codecs and interceptors and
// generous ICE timeouts, so a brief relay/NAT hiccup does not immediately
// terminate the call.
func New(sessionID string, cfg Config) (*Adapter, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	urls := cfg.STUNURLs
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	a := &Adapter{sessionID: sessionID, pc: pc}

	window := cfg.AttemptWindow
	if window <= 0 {
		window = DefaultAttemptWindow
	}
	a.window = time.AfterFunc(window, func() {
		log.Warnf("NEG [%s]: attempt window lapsed", sessionID)
		a.fail()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		a.emitLocal(proto.TypeCandidate, proto.CandidateBody{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("NEG [%s]: remote track %s (%s)", sessionID, track.ID(), track.Codec().MimeType)
		a.mu.Lock()
		fn := a.onTrack
		a.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("NEG [%s]: connection state %s", sessionID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			a.connected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			a.fail()
		}
	})

	return a, nil
}

// OnLocalMessage registers the sink for outbound signaling payloads
// (offer, answer, candidate). Must be set before StartOffer/HandleRemote.
func (a *Adapter) OnLocalMessage(fn func(kind string, body json.RawMessage)) {
	a.mu.Lock()
	a.onLocal = fn
	a.mu.Unlock()
}

// OnRemoteTrack registers the handler for the remote media stream.
func (a *Adapter) OnRemoteTrack(fn func(track *webrtc.TrackRemote)) {
	a.mu.Lock()
	a.onTrack = fn
	a.mu.Unlock()
}

// OnConnected registers the negotiation-complete handler. Fires at most once.
func (a *Adapter) OnConnected(fn func()) {
	a.mu.Lock()
	a.onConnected = fn
	a.mu.Unlock()
}

// OnFailed registers the negotiation-failed handler. Fires at most once, and
// never after OnConnected.
func (a *Adapter) OnFailed(fn func()) {
	a.mu.Lock()
	a.onFailed = fn
	a.mu.Unlock()
}

// AddLocalTrack attaches the local audio track to the attempt.
func (a *Adapter) AddLocalTrack(track webrtc.TrackLocal) error {
	_, err := a.pc.AddTrack(track)
	return err
}

// AddRecvOnlyAudio adds a recvonly audio transceiver so CreateOffer produces
// a valid m-line even without local capture.
func (a *Adapter) AddRecvOnlyAudio() error {
	_, err := a.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// StartOffer creates and applies the local offer and emits it. Candidates
// trickle separately via OnLocalMessage.
func (a *Adapter) StartOffer() error {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	a.emitLocal(proto.TypeOffer, proto.SDPBody{SDP: offer.SDP})
	return nil
}

// HandleRemote consumes one remote negotiation message, in whatever order the
// relay delivered it.
func (a *Adapter) HandleRemote(kind string, body json.RawMessage) error {
	switch kind {
	case proto.TypeOffer:
		var sdp proto.SDPBody
		if err := json.Unmarshal(body, &sdp); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		return a.handleOffer(sdp.SDP)
	case proto.TypeAnswer:
		var sdp proto.SDPBody
		if err := json.Unmarshal(body, &sdp); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		return a.applyRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sdp.SDP,
		})
	case proto.TypeCandidate:
		var cand proto.CandidateBody
		if err := json.Unmarshal(body, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return a.addCandidate(webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})
	default:
		return fmt.Errorf("negotiate: unexpected message kind %q", kind)
	}
}

// Close tears down the attempt. Idempotent.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.window.Stop()
		a.mu.Lock()
		a.settled = true
		a.mu.Unlock()
		if err := a.pc.Close(); err != nil {
			log.Debugf("NEG [%s]: close: %v", a.sessionID, err)
		}
	})
}

func (a *Adapter) handleOffer(sdp string) error {
	if err := a.applyRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return err
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	a.emitLocal(proto.TypeAnswer, proto.SDPBody{SDP: answer.SDP})
	return nil
}

func (a *Adapter) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	a.mu.Lock()
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	// Flush candidates that raced ahead of the description.
	for _, c := range pending {
		if err := a.pc.AddICECandidate(c); err != nil {
			log.Warnf("NEG [%s]: buffered candidate rejected: %v", a.sessionID, err)
		}
	}
	if len(pending) > 0 {
		log.Debugf("NEG [%s]: applied %d buffered candidates", a.sessionID, len(pending))
	}
	return nil
}

func (a *Adapter) addCandidate(c webrtc.ICECandidateInit) error {
	a.mu.Lock()
	if !a.remoteSet {
		a.pending = append(a.pending, c)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return a.pc.AddICECandidate(c)
}

// BufferedCandidates reports how many candidates are waiting for the remote
// description.
func (a *Adapter) BufferedCandidates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Adapter) emitLocal(kind string, v any) {
	a.mu.Lock()
	fn := a.onLocal
	a.mu.Unlock()
	if fn != nil {
		fn(kind, proto.MarshalBody(v))
	}
}

func (a *Adapter) connected() {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return
	}
	a.settled = true
	fn := a.onConnected
	a.mu.Unlock()

	a.window.Stop()
	log.Infof("NEG [%s]: connected", a.sessionID)
	if fn != nil {
		fn()
	}
}

func (a *Adapter) fail() {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return
	}
	a.settled = true
	fn := a.onFailed
	a.mu.Unlock()

	a.window.Stop()
	if fn != nil {
		fn()
	}
}
