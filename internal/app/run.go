// Package app assembles a process from config: a relay server, a headless
// call endpoint, or both in one process for single-machine setups.
package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/veridial/veridial/internal/config"
	"github.com/veridial/veridial/internal/detect"
	"github.com/veridial/veridial/internal/endpoint"
	"github.com/veridial/veridial/internal/identity"
	"github.com/veridial/veridial/internal/negotiate"
	"github.com/veridial/veridial/internal/presence"
	"github.com/veridial/veridial/internal/relay"
	"github.com/veridial/veridial/internal/server"
	"github.com/veridial/veridial/internal/storage"
	"github.com/veridial/veridial/internal/util"
)

var log = logging.Logger("app")

// Options select what this process runs.
type Options struct {
	CfgPath string
	Cfg     config.Config

	// Server starts the relay + HTTP API.
	Server bool
	// Endpoint joins the relay as cfg.Identity.Name.
	Endpoint bool
	// AutoAccept makes the endpoint answer every invite.
	AutoAccept bool
	// Dial places a call to this identity once the endpoint is up.
	Dial string
}

// Run blocks until ctx is cancelled or a fatal component error occurs.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if !opt.Server && !opt.Endpoint {
		return fmt.Errorf("nothing to run: enable server mode, endpoint mode or both")
	}

	archive, err := storage.Open(util.ResolvePath(".", cfg.Storage.DataDir))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	var cls detect.Classifier = detect.StubClassifier{}
	if cfg.Detect.ClassifierURL != "" {
		cls = detect.NewHTTPClassifier(cfg.Detect.ClassifierURL)
		log.Infof("APP: using external classifier at %s", cfg.Detect.ClassifierURL)
	}

	errs := make(chan error, 2)

	if opt.Server {
		var verifier *identity.Verifier
		if cfg.Identity.TokenSecret != "" {
			verifier, err = identity.NewVerifier(cfg.Identity.TokenSecret)
			if err != nil {
				return err
			}
		}
		reg := presence.NewRegistry()
		hub := relay.NewHub(reg, verifier)
		defer hub.Close()

		srv, err := server.New(cfg.Server.HTTPAddr, hub, reg, archive, cls, cfg.Server.AdminPassword)
		if err != nil {
			return err
		}
		go func() { errs <- srv.Start() }()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shCtx)
		}()
	}

	var ep *endpoint.Endpoint
	if opt.Endpoint {
		if cfg.Identity.Name == "" {
			return fmt.Errorf("endpoint mode needs identity.name in %s", opt.CfgPath)
		}

		token := ""
		if cfg.Identity.TokenSecret != "" {
			verifier, err := identity.NewVerifier(cfg.Identity.TokenSecret)
			if err != nil {
				return err
			}
			token, err = verifier.IssueToken(cfg.Identity.Name,
				time.Duration(cfg.Identity.TokenTTLSec)*time.Second)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
		}

		epOpts := endpoint.Options{
			RelayURL:    cfg.Relay.URL,
			Identity:    cfg.Identity.Name,
			Token:       token,
			AutoAccept:  opt.AutoAccept,
			RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
			Negotiate: negotiate.Config{
				STUNURLs:      cfg.Call.STUNURLs,
				AttemptWindow: time.Duration(cfg.Call.NegotiationWindowSec) * time.Second,
			},
			Detect:     detectConfig(cfg.Detect),
			Classifier: cls,
			Archive:    archive,
		}

		// The server may be coming up in this same process; give its
		// listener a moment before dialing.
		var startErr error
		for attempt := 0; attempt < 10; attempt++ {
			ep, startErr = endpoint.Start(ctx, epOpts)
			if startErr == nil {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		if startErr != nil {
			return fmt.Errorf("join relay: %w", startErr)
		}
		defer ep.Close()

		ep.OnVerdict(func(v detect.Verdict) {
			log.Infof("APP: verdict %s seq=%d p=%.2f %s", v.SessionID, v.Seq, v.Probability, v.Label)
		})

		if opt.Dial != "" {
			if _, err := ep.Call(opt.Dial); err != nil {
				return fmt.Errorf("dial %s: %w", opt.Dial, err)
			}
		}
	}

	// Hot-reload detection tuning while running.
	if opt.CfgPath != "" {
		watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
			if ep != nil {
				ep.SetDetectConfig(detectConfig(next.Detect))
				log.Infof("APP: detection tuning updated (segment=%dms trend=%d)",
					next.Detect.SegmentMs, next.Detect.TrendWindow)
			}
		})
		if err != nil {
			log.Warnf("APP: config watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

func detectConfig(d config.Detect) detect.Config {
	return detect.Config{
		SampleRate:   d.SampleRate,
		SegmentMs:    d.SegmentMs,
		ReorderLimit: d.ReorderLimit,
		TrendWindow:  d.TrendWindow,
		MaxInflight:  d.MaxInflight,
	}
}
