// Command agent is the resident on-device OTA agent.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotali/device-agent/internal/agent"
	"github.com/iotali/device-agent/internal/config"
	"github.com/iotali/device-agent/internal/logx"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent's YAML configuration")
	flag.Parse()

	log := logx.With("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logx.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("invalid log level, keeping default")
	}
	logx.SetJSON(cfg.LogJSON)

	a, err := agent.New(cfg, agent.DefaultMACResolver)
	if err != nil {
		log.WithError(err).Fatal("failed to construct agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("agent exited with error")
		os.Exit(1)
	}
}
