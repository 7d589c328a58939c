package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlrelay/sqlrelay/internal/config"
	"github.com/sqlrelay/sqlrelay/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/sqlrelay.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("sqlrelay starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "backends", len(cfg.Backends), "workers", cfg.Workers)

	srv, err := proxy.NewServer(cfg)
	if err != nil {
		slog.Error("building server", "err", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		slog.Error("starting server", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Warn("configuration changed on disk; restart sqlrelay to apply it", "path", *configPath)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	srv.Stop()

	slog.Info("sqlrelay stopped")
}
