package detect

import (
	"context"
	"math"
)

// StubClassifier is the stand-in for a trained model. It is deterministic and
// contract-faithful: the same segment always yields the same probability.
//
// The heuristic scores how "unnaturally flat" a segment is. Synthetic speech
// artifacts in this toy model show up as low short-term energy variance and a
// zero-crossing rate outside the typical voiced-speech band. Real inference
// replaces this type behind the Classifier interface without touching the
// pipeline.
type StubClassifier struct{}

func (StubClassifier) Classify(_ context.Context, seg Segment) (float64, error) {
	if len(seg.Samples) == 0 {
		return 0.5, nil
	}

	// Short-term energy variance across 10 sub-frames.
	const frames = 10
	frameLen := len(seg.Samples) / frames
	if frameLen == 0 {
		frameLen = len(seg.Samples)
	}
	var energies []float64
	for i := 0; i+frameLen <= len(seg.Samples); i += frameLen {
		energies = append(energies, rms(seg.Samples[i:i+frameLen]))
	}
	mean := 0.0
	for _, e := range energies {
		mean += e
	}
	mean /= float64(len(energies))
	variance := 0.0
	for _, e := range energies {
		variance += (e - mean) * (e - mean)
	}
	variance /= float64(len(energies))

	// Low variance relative to energy means suspiciously steady.
	flatness := 0.0
	if mean > 1e-6 {
		flatness = 1 - math.Min(1, math.Sqrt(variance)/mean)
	}

	zcr := zeroCrossingRate(seg.Samples)
	// Voiced speech typically lands in roughly 0.02..0.15; distance from that
	// band pushes the score up.
	zcrPenalty := 0.0
	switch {
	case zcr < 0.02:
		zcrPenalty = (0.02 - zcr) / 0.02
	case zcr > 0.15:
		zcrPenalty = math.Min(1, (zcr-0.15)/0.35)
	}

	p := 0.6*flatness + 0.4*zcrPenalty
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p, nil
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func zeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
