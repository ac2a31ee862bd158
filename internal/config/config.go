// Package config loads the agent's YAML configuration file and applies
// environment variable overrides, following the layered loading pattern
// used throughout this stack's agents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's full runtime configuration.
type Config struct {
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`

	ProductAgentID string `yaml:"productAgentId"`
	NetInterface   string `yaml:"netInterface"`

	PrimaryBroker   BrokerConfig `yaml:"primaryBroker"`
	TelemetryBroker BrokerConfig `yaml:"telemetryBroker"`

	FleetURL string `yaml:"fleetURL"`
	RobotURL string `yaml:"robotURL"`

	WorkDir      string        `yaml:"workDir"`
	DownloadsDir string        `yaml:"downloadsDir"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
	HTTPRetries  int           `yaml:"httpRetries"`

	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	HeartbeatSweep   time.Duration `yaml:"heartbeatSweep"`

	SelfUpgradeEntryName string `yaml:"selfUpgradeEntryName"`
	SupervisorService    string `yaml:"supervisorService"`
}

// BrokerConfig describes one MQTT broker endpoint.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"clientId"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func setDefaults(c *Config) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.NetInterface == "" {
		c.NetInterface = "eth0"
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.DownloadsDir == "" {
		c.DownloadsDir = "downloads"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.HTTPRetries == 0 {
		c.HTTPRetries = 3
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.HeartbeatSweep == 0 {
		c.HeartbeatSweep = 10 * time.Second
	}
	if c.SelfUpgradeEntryName == "" {
		c.SelfUpgradeEntryName = "IoTAgent.py"
	}
	if c.SupervisorService == "" {
		c.SupervisorService = "iot-agent"
	}
}

func validate(c *Config) error {
	if c.ProductAgentID == "" {
		return fmt.Errorf("config: productAgentId is required")
	}
	if c.PrimaryBroker.Host == "" {
		return fmt.Errorf("config: primaryBroker.host is required")
	}
	if c.TelemetryBroker.Host == "" {
		return fmt.Errorf("config: telemetryBroker.host is required")
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides, then
// fills defaults for fields still unset, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnv(&c)
	setDefaults(&c)
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv overrides fields from environment variables, following the
// IOT_AGENT_* naming convention.
func applyEnv(c *Config) {
	if v := os.Getenv("IOT_AGENT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("IOT_AGENT_PRODUCT_AGENT_ID"); v != "" {
		c.ProductAgentID = v
	}
	if v := os.Getenv("IOT_AGENT_NET_INTERFACE"); v != "" {
		c.NetInterface = v
	}
	if v := os.Getenv("IOT_AGENT_PRIMARY_BROKER_HOST"); v != "" {
		c.PrimaryBroker.Host = v
	}
	if v := os.Getenv("IOT_AGENT_PRIMARY_BROKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.PrimaryBroker.Port = p
		}
	}
	if v := os.Getenv("IOT_AGENT_TELEMETRY_BROKER_HOST"); v != "" {
		c.TelemetryBroker.Host = v
	}
	if v := os.Getenv("IOT_AGENT_FLEET_URL"); v != "" {
		c.FleetURL = v
	}
	if v := os.Getenv("IOT_AGENT_ROBOT_URL"); v != "" {
		c.RobotURL = v
	}
}
