package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
productAgentId: agent1
primaryBroker:
  host: broker.local
telemetryBroker:
  host: telemetry.local
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "eth0", cfg.NetInterface)
	assert.Equal(t, "downloads", cfg.DownloadsDir)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3, cfg.HTTPRetries)
	assert.Equal(t, "IoTAgent.py", cfg.SelfUpgradeEntryName)
	assert.Equal(t, "iot-agent", cfg.SupervisorService)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `logLevel: debug`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "productAgentId")
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
productAgentId: agent1
logLevel: info
primaryBroker:
  host: broker.local
telemetryBroker:
  host: telemetry.local
`)

	t.Setenv("IOT_AGENT_LOG_LEVEL", "debug")
	t.Setenv("IOT_AGENT_PRIMARY_BROKER_HOST", "override.local")
	t.Setenv("IOT_AGENT_PRIMARY_BROKER_PORT", "8883")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "override.local", cfg.PrimaryBroker.Host)
	assert.Equal(t, 8883, cfg.PrimaryBroker.Port)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
