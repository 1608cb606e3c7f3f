package detect

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// buildWAV assembles a minimal RIFF/WAVE file holding 16-bit PCM.
func buildWAV(sampleRate, channels int, pcm []int16) []byte {
	dataLen := len(pcm) * 2
	buf := make([]byte, 0, 44+dataLen)
	u32 := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}
	u16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}
	buf = append(buf, []byte("RIFF")...)
	buf = append(buf, u32(uint32(36+dataLen))...)
	buf = append(buf, []byte("WAVE")...)
	buf = append(buf, []byte("fmt ")...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(uint16(channels))...)
	buf = append(buf, u32(uint32(sampleRate))...)
	buf = append(buf, u32(uint32(sampleRate*channels*2))...)
	buf = append(buf, u16(uint16(channels*2))...)
	buf = append(buf, u16(16)...)
	buf = append(buf, []byte("data")...)
	buf = append(buf, u32(uint32(dataLen))...)
	for _, s := range pcm {
		buf = append(buf, u16(uint16(s))...)
	}
	return buf
}

func sineWAV(sampleRate int, freq float64, n int) []byte {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return buildWAV(sampleRate, 1, pcm)
}

func TestDecodeWAVMono(t *testing.T) {
	pcm := []int16{0, 16384, -16384, 32767}
	samples, rate, err := decodeWAV(buildWAV(8000, 1, pcm))
	if err != nil {
		t.Fatalf("decodeWAV: %v", err)
	}
	if rate != 8000 {
		t.Fatalf("sample rate = %d, want 8000", rate)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	if samples[1] < 0.49 || samples[1] > 0.51 {
		t.Fatalf("samples[1] = %v, want ~0.5", samples[1])
	}
	if samples[2] > -0.49 || samples[2] < -0.51 {
		t.Fatalf("samples[2] = %v, want ~-0.5", samples[2])
	}
}

func TestDecodeWAVStereoMixdown(t *testing.T) {
	// Interleaved L/R pairs; each frame mixes to the mean.
	pcm := []int16{16384, -16384, 8192, 8192}
	samples, _, err := decodeWAV(buildWAV(16000, 2, pcm))
	if err != nil {
		t.Fatalf("decodeWAV: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if samples[0] < -0.01 || samples[0] > 0.01 {
		t.Fatalf("samples[0] = %v, want ~0", samples[0])
	}
	if samples[1] < 0.24 || samples[1] > 0.26 {
		t.Fatalf("samples[1] = %v, want ~0.25", samples[1])
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":      nil,
		"not riff":   []byte("ID3\x03junkjunkjunkjunk"),
		"no chunks":  []byte("RIFF\x04\x00\x00\x00WAVE"),
		"bad format": buildWAV(8000, 1, nil)[:20],
	}
	for name, data := range cases {
		if _, _, err := decodeWAV(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestScanBytes(t *testing.T) {
	v, err := ScanBytes(context.Background(), StubClassifier{}, sineWAV(8000, 440, 8000))
	if err != nil {
		t.Fatalf("ScanBytes: %v", err)
	}
	if v.Seq != 0 {
		t.Fatalf("seq = %d, want 0", v.Seq)
	}
	if v.Probability < 0 || v.Probability > 1 {
		t.Fatalf("probability %v out of range", v.Probability)
	}
	if v.Label != BucketLabel(v.Probability) {
		t.Fatalf("label %s inconsistent with probability %v", v.Label, v.Probability)
	}
	// Same bytes twice: the verdict must not change.
	v2, err := ScanBytes(context.Background(), StubClassifier{}, sineWAV(8000, 440, 8000))
	if err != nil {
		t.Fatalf("ScanBytes again: %v", err)
	}
	if v2.Probability != v.Probability || v2.Label != v.Label {
		t.Fatal("verdict not deterministic for identical input")
	}
}

func TestScanBytesClassifierUnavailable(t *testing.T) {
	cls := newScripted()
	cls.errs[0] = ErrClassifierUnavailable
	_, err := ScanBytes(context.Background(), cls, sineWAV(8000, 440, 800))
	if !errors.Is(err, ErrClassifierUnavailable) {
		t.Fatalf("expected ErrClassifierUnavailable, got %v", err)
	}
}
