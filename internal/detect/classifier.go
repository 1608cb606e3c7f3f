package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrClassifierUnavailable marks a per-segment classification failure (model
// endpoint down, timeout). The pipeline skips the segment — recorded as a
// sequence gap, never retried, never fatal to the call.
var ErrClassifierUnavailable = errors.New("detect: classifier unavailable")

// Classifier is the replaceable model boundary: segment in, probability of
// synthetic manipulation out.
type Classifier interface {
	Classify(ctx context.Context, seg Segment) (float64, error)
}

// HTTPClassifier calls a remote model endpoint. Any transport error or non-2xx
// status maps to ErrClassifierUnavailable.
type HTTPClassifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type classifyRequest struct {
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
}

type classifyResponse struct {
	Probability float64 `json:"probability"`
}

func (h *HTTPClassifier) Classify(ctx context.Context, seg Segment) (float64, error) {
	payload, err := json.Marshal(classifyRequest{
		SessionID:  seg.SessionID,
		Seq:        seg.Seq,
		SampleRate: seg.SampleRate,
		Samples:    seg.Samples,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: endpoint returned %d", ErrClassifierUnavailable, resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: bad response: %v", ErrClassifierUnavailable, err)
	}
	if out.Probability < 0 || out.Probability > 1 {
		return 0, fmt.Errorf("%w: probability %f out of range", ErrClassifierUnavailable, out.Probability)
	}
	return out.Probability, nil
}
