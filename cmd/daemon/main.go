// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/claimgate/claimgate/internal/config"
	cglog "github.com/claimgate/claimgate/internal/log"
	"github.com/claimgate/claimgate/internal/service"
	"github.com/claimgate/claimgate/internal/store"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 30 * time.Second
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (TOML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Precedence: ENV > file > defaults.
	cfg, err := config.Load(*configPath)
	if err != nil {
		cglog.Configure(cglog.Config{Service: "claimgate"})
		logger := cglog.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	cglog.Configure(cglog.Config{
		Level:   cfg.Log.Level,
		Service: "claimgate",
	})
	logger := cglog.WithComponent("daemon")

	if *configPath != "" {
		logger.Info().Str("source", "file").Str("path", *configPath).Msg("configuration loaded")
	} else {
		logger.Info().Str("source", "env+defaults").Msg("configuration loaded")
	}

	st, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.Storage.DBPath).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("store close failed")
		}
	}()

	svc := service.New(cfg, st)

	go svc.RunExpirySweep(ctx, sweepInterval)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Msg("claimgate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("session shutdown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown incomplete")
	}
	logger.Info().Msg("claimgate stopped")
}
