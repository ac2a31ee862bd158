// Package agent wires the agent's components into one explicit value,
// replacing the legacy global mutable state (device_info, downloading,
// updating, stop_flag, init_subscribe_mqtt_flag, the per-(host,port)
// MQTT-manager singleton) with a single owned root.
package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/afero"

	"github.com/iotali/device-agent/internal/archive"
	"github.com/iotali/device-agent/internal/config"
	"github.com/iotali/device-agent/internal/control"
	"github.com/iotali/device-agent/internal/downloader"
	"github.com/iotali/device-agent/internal/heartbeat"
	"github.com/iotali/device-agent/internal/httpx"
	"github.com/iotali/device-agent/internal/logx"
	"github.com/iotali/device-agent/internal/ota"
	"github.com/iotali/device-agent/internal/process"
	"github.com/iotali/device-agent/internal/registry"
	"github.com/iotali/device-agent/internal/selfupgrade"
	"github.com/iotali/device-agent/internal/transport"
)

var log = logx.With("agent")

// archiveAdapter satisfies ota.Archiver over the package-level archive
// functions.
type archiveAdapter struct{}

func (archiveAdapter) Inspect(path string) (archive.Info, error) { return archive.Inspect(path) }
func (archiveAdapter) Extract(src, target string) error          { return archive.Extract(src, target) }

// processAdapter satisfies ota.ProcessManager and control.ProcessManager
// over the package-level process functions.
type processAdapter struct{}

func (processAdapter) Kill(ctx context.Context, matcher string) (bool, error) {
	return process.Kill(ctx, matcher)
}
func (processAdapter) Launch(ctx context.Context, workingDir string, b process.Binding) error {
	return process.Launch(ctx, workingDir, b)
}

// Agent owns every long-lived component: the two transports, the device
// registry, the OTA engine, the control plane, and the heartbeat watcher.
type Agent struct {
	cfg *config.Config

	primary   *transport.Client
	telemetry *transport.Client

	reg    *registry.Registry
	engine *ota.Engine
	plane  *control.Plane
	hb     *heartbeat.Watcher

	scheduler *gocron.Scheduler

	agentID string
}

// MACResolver resolves the host's hardware identity, deferred to an
// explicit init step so package construction never performs I/O.
type MACResolver func(iface string) (string, error)

// DefaultMACResolver reads the hardware address of the named interface.
func DefaultMACResolver(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", fmt.Errorf("resolve mac for %s: %w", iface, err)
	}
	return ifi.HardwareAddr.String(), nil
}

// New constructs an Agent. It resolves the MAC address and creates the
// downloads directory; broker connections and HTTP calls are deferred to
// Run.
func New(cfg *config.Config, resolveMAC MACResolver) (*Agent, error) {
	mac, err := resolveMAC(cfg.NetInterface)
	if err != nil {
		return nil, err
	}
	agentID := fmt.Sprintf("%s_%s_agent", cfg.ProductAgentID, mac)

	a := &Agent{cfg: cfg, agentID: agentID}
	a.primary = transport.New("primary", brokerOptions(cfg.PrimaryBroker, agentID))
	a.telemetry = transport.New("telemetry", brokerOptions(cfg.TelemetryBroker, agentID+"_telemetry"))

	fs := afero.NewOsFs()

	dl, err := downloader.New(cfg.DownloadsDir)
	if err != nil {
		return nil, err
	}

	selfUpgradeLauncher := selfupgrade.Launcher{SelfUpgraderPath: "./selfupgrader"}

	a.reg = registry.New(a.primary, agentID, downTopic(agentID), a.dispatch)
	a.engine = ota.New(a.reg, dl, archiveAdapter{}, processAdapter{}, a.primary, fs, cfg.WorkDir, cfg.SelfUpgradeEntryName, selfUpgradeLauncher)
	a.plane = control.New(a.reg, a.engine, processAdapter{}, a.primary, agentID)
	a.hb = heartbeat.New(processAdapter{}, cfg.HeartbeatTimeout)
	a.scheduler = gocron.NewScheduler(time.UTC)

	// The primary client uses a clean MQTT session, so the broker drops
	// every subscription across a reconnect. Replay them from the registry
	// rather than relying on Add, which only ever subscribes newly bound
	// devices.
	a.primary.SetOnReconnect(a.resubscribeAll)

	return a, nil
}

func brokerOptions(b config.BrokerConfig, clientID string) transport.Options {
	return transport.Options{
		Broker:   fmt.Sprintf("tcp://%s:%d", b.Host, b.Port),
		ClientID: clientID,
		Username: b.Username,
		Password: b.Password,
	}
}

func (a *Agent) dispatch(topic string, payload []byte) {
	a.plane.Handle(context.Background(), topic, payload)
}

// Run bootstraps the registry, connects both transports, subscribes
// existing bindings, starts the heartbeat watcher and online beacon, and
// blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.primary.Connect(ctx); err != nil {
		return err
	}
	if err := a.telemetry.Connect(ctx); err != nil {
		return err
	}

	if err := a.bootstrapRegistry(ctx); err != nil {
		log.WithError(err).Warn("fleet bootstrap failed, registry starts empty")
	}

	if err := a.primary.Subscribe(ctx, downTopic(a.agentID), a.dispatch); err != nil {
		log.WithError(err).Error("failed to subscribe own down-topic")
	}

	if err := a.startHeartbeat(ctx); err != nil {
		log.WithError(err).Warn("heartbeat watcher not started")
	}

	if _, err := a.scheduler.Every(2).Seconds().Do(func() {
		if _, err := a.primary.Publish(ctx, upTopic(a.agentID), []byte(`{"status":"online"}`)); err != nil {
			log.WithError(err).Debug("online beacon publish failed")
		}
	}); err != nil {
		log.WithError(err).Error("failed to schedule online beacon")
	}
	a.scheduler.StartAsync()

	<-ctx.Done()
	a.scheduler.Stop()
	a.primary.Disconnect()
	a.telemetry.Disconnect()
	return nil
}

type fleetResponse struct {
	Status int `json:"status"`
	Data   []struct {
		Device struct {
			DeviceID string `json:"deviceId"`
		} `json:"device"`
		IsCustomDevice bool   `json:"isCustomDevice"`
		Directory      string `json:"directory"`
		EntryName      string `json:"entryName"`
		CondaEnv       string `json:"condaEnv"`
		StartCommand   string `json:"startCommand"`
	} `json:"data"`
}

func (a *Agent) bootstrapRegistry(ctx context.Context) error {
	if a.cfg.FleetURL == "" {
		return nil
	}
	client := httpx.New(a.cfg.HTTPTimeout, a.cfg.HTTPRetries)
	url := fmt.Sprintf("%s/api/agentDevices?agentDeviceId=%s", a.cfg.FleetURL, a.agentID)

	var resp fleetResponse
	if err := client.GetJSON(ctx, url, &resp); err != nil {
		return err
	}

	for _, d := range resp.Data {
		key := d.Device.DeviceID
		up := upTopic(key)
		if d.IsCustomDevice {
			key = registry.CustomKey(d.Directory, d.EntryName)
			up = upTopic(a.agentID)
		}
		b := &registry.Binding{
			Key:          key,
			IsCustom:     d.IsCustomDevice,
			Directory:    d.Directory,
			EntryName:    d.EntryName,
			CondaEnv:     d.CondaEnv,
			StartCommand: d.StartCommand,
			UpTopic:      up,
			DownTopic:    downTopic(key),
		}
		if err := a.reg.Add(ctx, b); err != nil {
			log.WithField("key", key).WithError(err).Warn("bootstrap subscribe failed")
		}
	}
	return nil
}

// resubscribeAll replays every registered binding's subscription, plus the
// agent's own down-topic, against the primary transport. It runs after
// every (re)connect since the clean session means the broker never
// remembers past subscriptions.
func (a *Agent) resubscribeAll() {
	ctx := context.Background()
	if err := a.primary.Subscribe(ctx, downTopic(a.agentID), a.dispatch); err != nil {
		log.WithError(err).Error("failed to resubscribe own down-topic")
	}
	for _, b := range a.reg.All() {
		if b.IsCustom {
			continue
		}
		if err := a.primary.Subscribe(ctx, b.DownTopic, a.dispatch); err != nil {
			log.WithField("key", b.Key).WithError(err).Warn("failed to resubscribe binding")
		}
	}
}

func (a *Agent) startHeartbeat(ctx context.Context) error {
	if a.cfg.RobotURL == "" {
		return nil
	}
	client := httpx.New(a.cfg.HTTPTimeout, a.cfg.HTTPRetries)
	mac, err := DefaultMACResolver(a.cfg.NetInterface)
	if err != nil {
		return err
	}
	robotCode, err := heartbeat.ResolveRobotCode(ctx, client, a.cfg.RobotURL, mac)
	if err != nil {
		return err
	}
	if err := a.hb.Subscribe(ctx, a.telemetry, heartbeat.Topic(robotCode)); err != nil {
		return err
	}
	if _, err := a.scheduler.Every(a.cfg.HeartbeatSweep).Do(func() {
		a.hb.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule heartbeat sweep: %w", err)
	}
	return nil
}

func upTopic(id string) string   { return "/devices/" + id + "/sys/messages/up" }
func downTopic(id string) string { return "/devices/" + id + "/sys/messages/down" }
