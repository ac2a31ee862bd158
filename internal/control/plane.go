// Package control parses inbound bus messages and dispatches them to the
// OTA engine, the device registry, or the process manager, following the
// dispatch the legacy agent's message handler was designed (but never
// wired up) to perform.
package control

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/iotali/device-agent/internal/logx"
	"github.com/iotali/device-agent/internal/ota"
	"github.com/iotali/device-agent/internal/process"
	"github.com/iotali/device-agent/internal/registry"
)

var log = logx.With("control")

// rawMessage is the union of every field used across the inbound payload
// variants; unused fields are simply absent for a given type.
type rawMessage struct {
	Type        string          `json:"type"`
	URL         string          `json:"url"`
	MD5         string          `json:"md5"`
	Stop        bool            `json:"stop"`
	StartUpdate bool            `json:"startUpdate"`
	Path        string          `json:"path"`
	Filename    string          `json:"filename"`
	Version     string          `json:"version"`
	ProcessPath string          `json:"processPath"`
	Entry       string          `json:"entry"`
	CondaEnv    string          `json:"condaEnv"`
	DeviceID    string          `json:"deviceId"`
	AgentDevice json.RawMessage `json:"agentDevice"`
	Directory   string          `json:"directory"`
	EntryName   string          `json:"entryName"`
	StartCmd    string          `json:"startCommand"`
	IsCustom    bool            `json:"isCustomDevice"`
}

type agentDevicePayload struct {
	IsCustomDevice bool   `json:"isCustomDevice"`
	Directory      string `json:"directory"`
	EntryName      string `json:"entryName"`
	CondaEnv       string `json:"condaEnv"`
	StartCommand   string `json:"startCommand"`
}

// Engine is the subset of ota.Engine the control plane drives.
type Engine interface {
	Download(ctx context.Context, cmd ota.DownloadCommand)
	Stop(ctx context.Context, b *registry.Binding)
	StartUpdate(ctx context.Context, cmd ota.StartUpdateCommand)
}

// ProcessManager is the subset of process the restart command drives.
type ProcessManager interface {
	Kill(ctx context.Context, matcher string) (bool, error)
	Launch(ctx context.Context, workingDir string, b process.Binding) error
}

// Publisher is the minimal transport capability the plane needs to report
// device-not-found errors directly (bypassing the engine).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (bool, error)
}

// Plane dispatches inbound messages.
type Plane struct {
	reg     *registry.Registry
	engine  Engine
	pm      ProcessManager
	pub     Publisher
	agentID string
}

// New builds a Plane. agentID is this agent's own id, used to recognize
// messages addressed to a locally-synthesized custom device.
func New(reg *registry.Registry, engine Engine, pm ProcessManager, pub Publisher, agentID string) *Plane {
	return &Plane{reg: reg, engine: engine, pm: pm, pub: pub, agentID: agentID}
}

// TopicDeviceID extracts the device id from a topic, which is always its
// third '/'-separated segment. A DEVICE_ID containing '/' parses
// incorrectly here; this is a known, out-of-scope legacy limitation.
func TopicDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// Handle is the Transport message handler entry point.
func (p *Plane) Handle(ctx context.Context, topic string, payload []byte) {
	deviceID := TopicDeviceID(topic)
	if deviceID == "" {
		return
	}

	_, known := p.reg.Lookup(deviceID)
	if !known && deviceID != p.agentID {
		return
	}

	var msg rawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("invalid message payload, ignoring")
		return
	}

	switch {
	case msg.Type == "OTA":
		p.handleOTA(ctx, deviceID, msg)
	case strings.Contains(msg.Type, "agentDevice"):
		p.handleBindSet(ctx, msg)
	case msg.Type == "restart":
		p.handleRestart(ctx, msg)
	default:
		log.WithField("type", msg.Type).Debug("unknown message type, ignoring")
	}
}

func (p *Plane) handleOTA(ctx context.Context, deviceID string, msg rawMessage) {
	var binding *registry.Binding

	if deviceID == p.agentID {
		key := registry.CustomKey(msg.ProcessPath, msg.Entry)
		synth := &registry.Binding{
			Key:       key,
			IsCustom:  true,
			Directory: msg.ProcessPath,
			EntryName: msg.Entry,
			CondaEnv:  msg.CondaEnv,
			UpTopic:   upTopic(p.agentID),
			DownTopic: downTopic(p.agentID),
		}
		b, err := p.reg.Ensure(ctx, key, synth)
		if err != nil {
			log.WithError(err).Warn("failed to register synthesized custom device")
		}
		binding = b
	} else {
		b, ok := p.reg.Lookup(deviceID)
		if !ok {
			// Legacy quirk, preserved verbatim: this error is published
			// on the *down* topic, not the up topic.
			data, _ := json.Marshal(map[string]any{
				"type":   "OTA",
				"status": "update failed",
				"error":  "未找到设备信息",
			})
			if _, err := p.pub.Publish(ctx, downTopic(deviceID), data); err != nil {
				log.WithError(err).Warn("failed to publish device-not-found")
			}
			return
		}
		binding = b
	}

	switch {
	case msg.URL != "":
		p.engine.Download(ctx, ota.DownloadCommand{Binding: binding, URL: msg.URL, MD5: msg.MD5})
	case msg.Stop:
		p.engine.Stop(ctx, binding)
	case msg.StartUpdate:
		p.engine.StartUpdate(ctx, ota.StartUpdateCommand{
			Binding:     binding,
			Path:        msg.Path,
			Filename:    msg.Filename,
			Version:     msg.Version,
			ProcessPath: msg.ProcessPath,
		})
	}
}

func (p *Plane) handleBindSet(ctx context.Context, msg rawMessage) {
	if msg.DeviceID == "" {
		log.Warn("bind-set message missing deviceId")
		return
	}

	var device agentDevicePayload
	if len(msg.AgentDevice) > 0 {
		if err := json.Unmarshal(msg.AgentDevice, &device); err != nil {
			log.WithError(err).Warn("invalid agentDevice payload")
			return
		}
	}

	key := msg.DeviceID
	if device.IsCustomDevice {
		key = registry.CustomKey(device.Directory, device.EntryName)
	}

	switch msg.Type {
	case "agentDeviceAdd":
		up := upTopic(key)
		if device.IsCustomDevice {
			up = upTopic(p.agentID)
		}
		b := &registry.Binding{
			Key:          key,
			IsCustom:     device.IsCustomDevice,
			Directory:    device.Directory,
			EntryName:    device.EntryName,
			CondaEnv:     device.CondaEnv,
			StartCommand: device.StartCommand,
			UpTopic:      up,
			DownTopic:    downTopic(key),
		}
		if err := p.reg.Add(ctx, b); err != nil {
			log.WithError(err).WithField("key", key).Warn("bind add failed")
		}
	case "agentDeviceUpdate":
		existing, ok := p.reg.Lookup(key)
		if !ok {
			log.WithField("key", key).Warn("未找到绑定设备信息")
			return
		}
		updated := *existing
		updated.Directory = device.Directory
		updated.EntryName = device.EntryName
		updated.CondaEnv = device.CondaEnv
		if err := p.reg.Update(ctx, &updated); err != nil {
			log.WithError(err).WithField("key", key).Warn("bind update failed")
		}
	case "agentDeviceDelete":
		if _, ok := p.reg.Lookup(key); !ok {
			log.WithField("key", key).Warn("未找到绑定设备信息")
			return
		}
		if err := p.reg.Delete(ctx, key); err != nil {
			log.WithError(err).WithField("key", key).Warn("bind delete failed")
		}
	}
}

func (p *Plane) handleRestart(ctx context.Context, msg rawMessage) {
	b := process.Binding{
		EntryName:    msg.EntryName,
		CondaEnv:     msg.CondaEnv,
		StartCommand: msg.StartCmd,
	}
	if _, err := p.pm.Kill(ctx, msg.EntryName); err != nil {
		log.WithError(err).Warn("restart: kill failed")
	}
	if err := p.pm.Launch(ctx, msg.Directory, b); err != nil {
		log.WithError(err).Warn("restart: launch failed")
	}
}

func upTopic(id string) string   { return "/devices/" + id + "/sys/messages/up" }
func downTopic(id string) string { return "/devices/" + id + "/sys/messages/down" }
