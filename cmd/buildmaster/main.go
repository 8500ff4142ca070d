// Package main provides the entry point for the build master.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/narvanalabs/buildmaster/internal/api"
	"github.com/narvanalabs/buildmaster/internal/master"
	"github.com/narvanalabs/buildmaster/internal/shutdown"
	"github.com/narvanalabs/buildmaster/pkg/config"
	"github.com/narvanalabs/buildmaster/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	masterFile := flag.String("master", "", "Master file describing sources, slaves and projects (default: $MASTER_FILE)")
	flag.Parse()

	log := logger.Default()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	api.Version = version

	if *masterFile != "" {
		cfg.MasterFile = *masterFile
	}
	mf, err := config.LoadMasterFile(cfg.MasterFile)
	if err != nil {
		log.Error("failed to load master file", "path", cfg.MasterFile, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := master.New(ctx, cfg, mf, log.Logger)
	if err != nil {
		log.Error("failed to create build master", "error", err)
		os.Exit(1)
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewFuncComponent("master", m.Shutdown))

	if err := m.Start(ctx); err != nil {
		log.Error("failed to start build master", "error", err)
		os.Exit(1)
	}

	log.Info("build master running",
		"version", version,
		"master_file", cfg.MasterFile,
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"history", cfg.HistoryBackend,
	)

	// A listener failing takes the whole master down.
	go func() {
		select {
		case err := <-m.Errors():
			log.Error("build master listener failed", "error", err)
			cancel()
		case <-ctx.Done():
		}
	}()

	coordinator.WaitForSignal(ctx)
	if err := coordinator.Err(); err != nil {
		log.Error("shutdown finished with errors", "error", err)
	}
	log.Info("build master stopped")
	os.Exit(coordinator.ExitCode())
}
