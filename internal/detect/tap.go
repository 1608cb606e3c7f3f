package detect

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// FrameDecoder turns one encoded audio frame into normalized samples.
// The default implementation is a stand-in that derives a sample envelope
// from the raw Opus payload bytes; a real decoder slots in here without
// touching the pipeline.
type FrameDecoder interface {
	Decode(payload []byte) []float32
}

// EnvelopeDecoder maps payload bytes linearly into [-1, 1]. Deterministic,
// dependency-free, and sufficient for the stub classifier contract.
type EnvelopeDecoder struct{}

func (EnvelopeDecoder) Decode(payload []byte) []float32 {
	out := make([]float32, len(payload))
	for i, b := range payload {
		out[i] = float32(int(b)-128) / 128
	}
	return out
}

// PumpTrack reads RTP packets from a remote track and feeds their decoded
// frames into the pipeline until the track ends or ctx is cancelled. Runs on
// its own goroutine; the audio path never waits on classification because
// Pipeline.Feed does not block.
func PumpTrack(ctx context.Context, track *webrtc.TrackRemote, dec FrameDecoder, p *Pipeline) {
	if dec == nil {
		dec = EnvelopeDecoder{}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("DETECT: track read ended: %v", err)
			}
			return
		}
		feedPacket(pkt, dec, p)
	}
}

func feedPacket(pkt *rtp.Packet, dec FrameDecoder, p *Pipeline) {
	if len(pkt.Payload) == 0 {
		return
	}
	p.Feed(dec.Decode(pkt.Payload))
}
