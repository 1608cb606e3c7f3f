package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/veridial/veridial/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Server   Server   `json:"server"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Detect   Detect   `json:"detect"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	// Name is the identity this process registers under when it joins a
	// relay as an endpoint. Ignored in server-only mode.
	Name string `json:"name"`

	// TokenSecret signs and verifies identity tokens. Empty disables token
	// verification: clients are trusted to assert their own identity.
	TokenSecret string `json:"token_secret"`

	// TokenTTLSec bounds issued token lifetime.
	TokenTTLSec int `json:"token_ttl_seconds"`
}

type Server struct {
	// HTTPAddr is the listen address for the signaling and API server.
	HTTPAddr string `json:"http_addr"`

	// Password for the /api/stats panel (HTTP Basic Auth, user: "admin").
	// Empty means the stats endpoint is disabled (returns 403).
	AdminPassword string `json:"admin_password"`
}

type Relay struct {
	// URL of the relay websocket to join as an endpoint,
	// e.g. ws://localhost:8090/ws. Ignored in server-only mode.
	URL string `json:"url"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// STUNURLs for ICE gathering. Empty uses a public default.
	STUNURLs []string `json:"stun_urls"`

	// NegotiationWindowSec bounds how long offer/answer/ICE may take before
	// the attempt is abandoned.
	NegotiationWindowSec int `json:"negotiation_window_seconds"`
}

type Detect struct {
	// ClassifierURL points at an external classifier service. Empty selects
	// the built-in heuristic classifier.
	ClassifierURL string `json:"classifier_url"`

	SampleRate   int `json:"sample_rate"`
	SegmentMs    int `json:"segment_ms"`
	ReorderLimit int `json:"reorder_limit"`
	TrendWindow  int `json:"trend_window"`
	MaxInflight  int `json:"max_inflight"`
}

type Storage struct {
	// DataDir holds the call archive database. Relative to the working
	// directory unless absolute.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Name:        "",
			TokenSecret: "",
			TokenTTLSec: 3600,
		},
		Server: Server{
			HTTPAddr:      "127.0.0.1:8090",
			AdminPassword: "",
		},
		Relay: Relay{
			URL: "ws://127.0.0.1:8090/ws",
		},
		Call: Call{
			RingTimeoutSec:       30,
			STUNURLs:             nil,
			NegotiationWindowSec: 30,
		},
		Detect: Detect{
			ClassifierURL: "",
			SampleRate:    16000,
			SegmentMs:     1000,
			ReorderLimit:  8,
			TrendWindow:   10,
			MaxInflight:   4,
		},
		Storage: Storage{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if c.Identity.Name != "" {
		if _, err := util.ValidateIdentity(c.Identity.Name); err != nil {
			return fmt.Errorf("identity.name: %w", err)
		}
	}
	if c.Identity.TokenTTLSec <= 0 {
		return errors.New("identity.token_ttl_seconds must be > 0")
	}

	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}

	// Relay
	if rw := strings.TrimSpace(c.Relay.URL); rw != "" {
		u, err := url.Parse(rw)
		if err != nil {
			return fmt.Errorf("relay.url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("relay.url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("relay.url missing host")
		}
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.NegotiationWindowSec <= 0 {
		return errors.New("call.negotiation_window_seconds must be > 0")
	}
	for _, s := range c.Call.STUNURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_urls: %q is not a stun url", s)
		}
	}

	// Detect
	if c.Detect.SampleRate <= 0 {
		return errors.New("detect.sample_rate must be > 0")
	}
	if c.Detect.SegmentMs < 100 || c.Detect.SegmentMs > 10000 {
		return errors.New("detect.segment_ms must be 100..10000")
	}
	if c.Detect.ReorderLimit <= 0 {
		return errors.New("detect.reorder_limit must be > 0")
	}
	if c.Detect.TrendWindow <= 0 {
		return errors.New("detect.trend_window must be > 0")
	}
	if c.Detect.MaxInflight <= 0 {
		return errors.New("detect.max_inflight must be > 0")
	}
	if cu := strings.TrimSpace(c.Detect.ClassifierURL); cu != "" {
		u, err := url.Parse(cu)
		if err != nil {
			return fmt.Errorf("detect.classifier_url: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("detect.classifier_url scheme must be http or https")
		}
		if u.Host == "" {
			return errors.New("detect.classifier_url missing host")
		}
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
