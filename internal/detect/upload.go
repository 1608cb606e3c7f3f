package detect

import (
	"context"
	"encoding/binary"
	"fmt"
)

// ScanBytes classifies an uploaded audio file in a single classifier
// invocation. No segmentation or reordering applies — the whole file is one
// segment with sequence number 0.
func ScanBytes(ctx context.Context, cls Classifier, data []byte) (Verdict, error) {
	samples, sampleRate, err := decodeWAV(data)
	if err != nil {
		return Verdict{}, err
	}
	seg := Segment{
		Seq:        0,
		DurationMs: int64(len(samples)) * 1000 / int64(sampleRate),
		SampleRate: sampleRate,
		Samples:    samples,
	}
	prob, err := cls.Classify(ctx, seg)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Seq:         0,
		Probability: prob,
		Label:       BucketLabel(prob),
	}, nil
}

// decodeWAV reads a RIFF/WAVE file with 16-bit PCM samples. Chunks other than
// fmt and data are skipped. Multi-channel input is mixed down to mono.
func decodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("detect: not a RIFF/WAVE file")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		pcm        []byte
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("detect: truncated fmt chunk")
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != 1 { // PCM only
				return nil, 0, fmt.Errorf("detect: unsupported WAV format %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		if size%2 == 1 {
			size++
		}
		off = body + size
	}

	if sampleRate == 0 || pcm == nil {
		return nil, 0, fmt.Errorf("detect: missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("detect: unsupported bit depth %d", bits)
	}
	if channels <= 0 {
		channels = 1
	}

	frame := 2 * channels
	n := len(pcm) / frame
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		var mix float64
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(pcm[i*frame+c*2:]))
			mix += float64(v)
		}
		samples[i] = float32(mix / float64(channels) / 32768)
	}
	return samples, sampleRate, nil
}
