// clihost runs an interactive agent CLI inside a PTY and feeds it prompts
// from a live-view WebSocket while the local keyboard keeps working.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/acolita/clihost/internal/config"
	"github.com/acolita/clihost/internal/host"
	"github.com/acolita/clihost/internal/logging"
)

// Version information - set at build time.
var (
	Version   = "0.3.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		feedURL     string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&feedURL, "url", "", "Event feed WebSocket URL (overrides config and $"+config.EnvFeedURL+")")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("clihost version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		return 0
	}

	argv, err := host.ChildArgv(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		flag.Usage()
		return 2
	}

	if configPath == "" {
		if p := config.DefaultConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				configPath = p
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	if feedURL != "" {
		cfg.Feed.URL = feedURL
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sanitize)

	slog.Debug("starting clihost",
		slog.String("version", Version),
		slog.String("feed", cfg.Feed.URL),
		slog.String("command", strings.Join(argv, " ")),
	)

	code, err := host.New(host.Options{
		Config: *cfg,
		Argv:   argv,
	}).Run(context.Background())
	if err != nil {
		slog.Error("clihost failed", slog.String("error", err.Error()))
		return 1
	}
	return code
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: clihost [flags] [--] command [args...]\n\n")
	fmt.Fprintf(out, "Example: clihost -- copilot\n\nFlags:\n")
	flag.PrintDefaults()
}
