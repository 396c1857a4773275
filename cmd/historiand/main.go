// historiand is the historical-data daemon: it records plant measurements
// per tag recording policy and serves range queries over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/server"
	"github.com/historio/historian/internal/storage"
	"github.com/historio/historian/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "historian.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	flag.Parse()

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)
	logging.Info("historiand starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Warn("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			fatal("load config: %v", err)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	svc, err := storage.New(cfg)
	if err != nil {
		fatal("create storage service: %v", err)
	}
	if err := svc.Start(); err != nil {
		fatal("start storage service: %v", err)
	}
	logging.Info("storage started",
		"data_dir", cfg.DataDir,
		"groups", len(cfg.Groups))

	srv := server.New(svc, cfg.Listen)
	if err := srv.Start(); err != nil {
		svc.Stop()
		fatal("start http server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Info("shutting down", "signal", s.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("http shutdown failed", "error", err)
	}
	if err := svc.Stop(); err != nil {
		logging.Error("storage stop failed", "error", err)
	}
	logging.Info("shutdown complete")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "historiand: "+format+"\n", args...)
	os.Exit(1)
}
