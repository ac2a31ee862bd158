// Package heartbeat watches liveness beats from managed workloads on the
// telemetry broker and restarts whichever falls silent, per spec §4.8 (the
// legacy agent specified this only at its interface and never shipped it).
package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/iotali/device-agent/internal/logx"
	"github.com/iotali/device-agent/internal/process"
)

var log = logx.With("heartbeat")

// beat is the inbound heartbeat payload.
type beat struct {
	Program       string `json:"program"`
	Timestamp     int64  `json:"timestamp"`
	ReloadCommand string `json:"reload_command"`
}

type entry struct {
	seenAt        time.Time
	reloadCommand string
}

// ProcessManager is the subset of process the watcher drives to restart a
// stale workload.
type ProcessManager interface {
	Launch(ctx context.Context, workingDir string, b process.Binding) error
}

// Subscriber is the telemetry transport's subscribe capability.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
}

// Watcher tracks per-program liveness and restarts stale workloads.
type Watcher struct {
	pm      ProcessManager
	timeout time.Duration

	mu    sync.Mutex
	beats map[string]entry
}

// New creates a Watcher with the given staleness timeout.
func New(pm ProcessManager, timeout time.Duration) *Watcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Watcher{pm: pm, timeout: timeout, beats: make(map[string]entry)}
}

// Subscribe attaches the watcher's message handler to the robot-scoped
// heartbeat topic.
func (w *Watcher) Subscribe(ctx context.Context, sub Subscriber, topic string) error {
	return sub.Subscribe(ctx, topic, w.handle)
}

func (w *Watcher) handle(_ string, payload []byte) {
	var b beat
	if err := json.Unmarshal(payload, &b); err != nil {
		log.WithError(err).Warn("invalid heartbeat payload")
		return
	}
	if b.Program == "" {
		return
	}
	w.mu.Lock()
	w.beats[b.Program] = entry{seenAt: time.Now(), reloadCommand: b.ReloadCommand}
	w.mu.Unlock()
}

// Sweep scans for programs whose beat is older than the configured
// timeout, removes them to avoid duplicate restarts, and relaunches them.
// Meant to be invoked periodically (the agent wires this to a scheduler).
func (w *Watcher) Sweep(ctx context.Context) {
	now := time.Now()

	var stale []entry
	w.mu.Lock()
	for program, e := range w.beats {
		if now.Sub(e.seenAt) > w.timeout {
			stale = append(stale, e)
			delete(w.beats, program)
		}
	}
	w.mu.Unlock()

	for _, e := range stale {
		log.WithField("reload_command", e.reloadCommand).Warn("heartbeat stale, restarting")
		if err := w.pm.Launch(ctx, "", process.Binding{StartCommand: e.reloadCommand}); err != nil {
			log.WithError(err).Error("failed to restart stale workload")
		}
	}
}
