package endpoint

import (
	"context"
	"math"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	captureFrameMs   = 20
	captureAmplitude = 0.6
)

// ToneSource is a synthetic audio source for headless endpoints: a steady
// sine tone framed the same way the detection tap unframes it. It stands in
// for a microphone on machines that have none.
type ToneSource struct {
	track      *webrtc.TrackLocalStaticSample
	freq       float64
	sampleRate int
}

// NewToneSource builds the source and its sendable track.
func NewToneSource(freq float64, sampleRate int) (*ToneSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "veridial-tone",
	)
	if err != nil {
		return nil, err
	}
	return &ToneSource{track: track, freq: freq, sampleRate: sampleRate}, nil
}

// Track returns the local track to add to a peer connection.
func (t *ToneSource) Track() webrtc.TrackLocal {
	return t.track
}

// Run pushes frames until ctx is cancelled. One frame per captureFrameMs of
// wall time, paced by a ticker.
func (t *ToneSource) Run(ctx context.Context) {
	frameSamples := t.sampleRate * captureFrameMs / 1000
	duration := time.Duration(captureFrameMs) * time.Millisecond

	ticker := time.NewTicker(duration)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := make([]byte, frameSamples)
		for i := range frame {
			frame[i] = encodeSample(captureAmplitude * math.Sin(phase))
			phase += step
		}
		if err := t.track.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil {
			log.Debugf("ENDPOINT: tone write ended: %v", err)
			return
		}
	}
}

// encodeSample is the inverse of the detection tap's envelope decode: a
// normalized sample becomes one payload byte.
func encodeSample(v float64) byte {
	n := int(math.Round(v*128)) + 128
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	return byte(n)
}
