package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/sitescope/internal/config"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("sitescope %s\n", version)
		return
	case "serve":
		err = runServe()
	case "run":
		err = runOnce(os.Args[2:])
	case "credentials":
		err = runCredentials(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sitescope <command>

Commands:
  serve          Start the analysis service (API, scheduler, IPC)
  run <url>      Analyze one target and print the action plan
  credentials    Manage per-tenant provider API keys
  backup         Archive the database and bus state
  restore        Restore an archive written by backup
  version        Print version
`)
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
