// Command selfupgrader replaces the agent's own installation directory
// under an external process supervisor, rolling back on failure.
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/iotali/device-agent/internal/agent"
	"github.com/iotali/device-agent/internal/config"
	"github.com/iotali/device-agent/internal/logx"
	"github.com/iotali/device-agent/internal/selfupgrade"
	"github.com/iotali/device-agent/internal/transport"
)

func main() {
	file := flag.String("file", "", "path to the upgrade archive")
	configPath := flag.String("config", "config.yaml", "path to the agent's YAML configuration")
	flag.Parse()

	log := logx.With("selfupgrader")

	if *file == "" {
		log.Error("--file is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// The agent id must match internal/agent's {productAgentId}_{mac}_agent
	// scheme exactly, or the terminal status this process publishes lands
	// on a topic the platform isn't listening on for this device.
	mac, err := agent.DefaultMACResolver(cfg.NetInterface)
	if err != nil {
		log.WithError(err).Error("failed to resolve MAC address")
		os.Exit(2)
	}
	agentID := cfg.ProductAgentID + "_" + mac + "_agent"

	pub := transport.New("selfupgrader", transport.Options{
		Broker:   "tcp://" + cfg.PrimaryBroker.Host + ":" + portString(cfg.PrimaryBroker.Port),
		ClientID: agentID + "_selfupgrader",
	})
	if err := pub.Connect(ctx); err != nil {
		log.WithError(err).Warn("could not connect to broker, status will not be published")
	} else {
		defer pub.Disconnect()
	}

	upCfg := selfupgrade.Config{
		InstallDir:        cfg.WorkDir,
		TempDir:           cfg.WorkDir + "/tmp/agent_upgrade",
		BackupDir:         cfg.WorkDir + "/../agent_backup",
		SupervisorService: cfg.SupervisorService,
		MainEntryName:     cfg.SelfUpgradeEntryName,
	}

	upTopic := "/devices/" + agentID + "/sys/messages/up"
	u := selfupgrade.New(upCfg, selfupgrade.SystemdSupervisor{}, afero.NewOsFs(), pub, upTopic)

	os.Exit(u.Run(ctx, *file))
}

func portString(p int) string {
	if p == 0 {
		return "1883"
	}
	return strconv.Itoa(p)
}
