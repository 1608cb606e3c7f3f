package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = " " }},
		{"bad relay scheme", func(c *Config) { c.Relay.URL = "http://example.com/ws" }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"bad stun url", func(c *Config) { c.Call.STUNURLs = []string{"turn:example.com"} }},
		{"tiny segment", func(c *Config) { c.Detect.SegmentMs = 10 }},
		{"zero trend window", func(c *Config) { c.Detect.TrendWindow = 0 }},
		{"bad classifier scheme", func(c *Config) { c.Detect.ClassifierURL = "ftp://cls" }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"identity with slash", func(c *Config) { c.Identity.Name = "a/b" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestEnsureCreatesAndLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected file to be created")
	}
	if cfg.Server.HTTPAddr != Default().Server.HTTPAddr {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	// Second call loads the existing file.
	_, created, err = Ensure(path)
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if created {
		t.Fatal("file recreated on second Ensure")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"detect": {"trend_window": 5}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Detect.TrendWindow != 5 {
		t.Fatalf("trend_window = %d, want 5", cfg.Detect.TrendWindow)
	}
	// Untouched fields keep defaults.
	if cfg.Detect.SegmentMs != 1000 {
		t.Fatalf("segment_ms default lost: %d", cfg.Detect.SegmentMs)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"call": {"ring_timeout_seconds": 7}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.RingTimeoutSec != 7 {
		t.Fatalf("ring_timeout_seconds = %d, want 7", cfg.Call.RingTimeoutSec)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	cfg := Default()
	cfg.Detect.TrendWindow = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Detect.TrendWindow == 3 {
				return
			}
		case <-deadline:
			t.Fatal("reload never observed")
		}
	}
}

func TestWatchSkipsInvalidRevision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"detect": {"segment_ms": 1}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		t.Fatalf("invalid revision delivered: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}
