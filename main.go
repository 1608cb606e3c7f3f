// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/veridial/veridial/internal/app"
	"github.com/veridial/veridial/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Veridial v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: a command is required")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		// Relay + API server only.
		run(configArg(args), app.Options{Server: true})

	case "join":
		// Headless endpoint that answers calls and runs live detection.
		run(configArg(args), app.Options{Endpoint: true, AutoAccept: true})

	case "call":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: call command requires a callee identity")
			fmt.Fprintln(os.Stderr, "Usage: veridial call <identity> [config-path]")
			os.Exit(1)
		}
		run(configArg(args[1:]), app.Options{Endpoint: true, Dial: args[1]})

	case "all":
		// Server and endpoint in one process (single-machine setups).
		run(configArg(args), app.Options{Server: true, Endpoint: true, AutoAccept: true})

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// configArg picks the optional trailing config path, defaulting to
// veridial.json in the working directory.
func configArg(args []string) string {
	if len(args) >= 2 {
		return args[1]
	}
	return "veridial.json"
}

func run(cfgPath string, opt app.Options) {
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	opt.CfgPath = cfgPath
	opt.Cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("Fatal: %v", err)
	}
}

func showUsage() {
	fmt.Println(`Veridial — relay-signaled voice calls with live deepfake detection

Usage:
  veridial serve [config-path]        Run the signaling relay and HTTP API
  veridial join  [config-path]        Join the relay as an auto-answering endpoint
  veridial call <identity> [config]   Join the relay and call <identity>
  veridial all   [config-path]        Relay, API and endpoint in one process

Flags:
  -h         Show this help
  -version   Show version

The config file is created with defaults on first run.`)
}
