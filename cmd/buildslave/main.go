// Package main provides the entry point for a remote build slave.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/narvanalabs/buildmaster/internal/grpc"
	"github.com/narvanalabs/buildmaster/internal/slave"
	"github.com/narvanalabs/buildmaster/pkg/config"
	"github.com/narvanalabs/buildmaster/pkg/logger"
)

func main() {
	log := logger.Default()

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Error("failed to create work directory", "dir", cfg.WorkDir, "error", err)
		os.Exit(1)
	}

	clientCfg := grpc.DefaultClientConfig(cfg.MasterAddr, cfg.Name)
	clientCfg.Token = cfg.Token
	clientCfg.InitialBackoff = cfg.ReconnectBackoff
	clientCfg.Labels = map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}

	agent := slave.NewLocalAgent(cfg.WorkDir, slave.BaseEnv(os.Environ()), log.Logger)
	client := grpc.NewClient(clientCfg, agent, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting build slave",
		"name", cfg.Name,
		"master", cfg.MasterAddr,
		"work_dir", cfg.WorkDir,
	)

	if err := client.Run(ctx); err != nil {
		log.Error("build slave stopped", "error", err)
		os.Exit(1)
	}
	log.Info("build slave stopped")
}
