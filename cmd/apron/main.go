// Command apron is the API gateway: it admits, authenticates and rate-limits
// requests, then forwards them to configured upstream services with caching,
// retries and circuit breaking.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/gateway"
	"github.com/wudi/apron/internal/logging"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "apron.yaml", "path to the config file")
		validateOnly = flag.Bool("validate", false, "parse and validate the config, then exit")
		showVersion  = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("apron", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("config is valid")
		return
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays: cfg.Logging.Rotation.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	gw, err := gateway.New(cfg, version)
	if err != nil {
		logging.Error("building gateway", zap.Error(err))
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Warn("config drift watcher unavailable", zap.Error(err))
	} else {
		watcher.OnDrift(func(*config.Config) {
			gw.Metrics().RecordConfigDrift()
		})
		watcher.Start()
		defer watcher.Stop()
	}

	if err := gateway.NewServer(gw).Run(); err != nil {
		logging.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}
