// Package ota implements the per-binding OTA upgrade state machine: the
// download -> stop -> backup -> extract -> version write -> relaunch
// sequence, its cooperative cancellation protocol, and the self-upgrade
// short-circuit.
package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/iotali/device-agent/internal/archive"
	"github.com/iotali/device-agent/internal/downloader"
	"github.com/iotali/device-agent/internal/errs"
	"github.com/iotali/device-agent/internal/logx"
	"github.com/iotali/device-agent/internal/process"
	"github.com/iotali/device-agent/internal/registry"
)

var log = logx.With("ota")

const (
	maxBackupCount   = 3
	postKillSleep    = 2 * time.Second
	backupTimeFormat = "20060102150405"
)

// Publisher is the subset of transport.Client the engine needs to report
// status.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (bool, error)
}

// Downloader is implemented by internal/downloader.Downloader.
type Downloader interface {
	Download(ctx context.Context, url, expectedMD5, saveName string) (downloader.Result, error)
}

// Archiver is implemented by internal/archive's package functions, wrapped
// so the engine can be tested against a fake.
type Archiver interface {
	Inspect(path string) (archive.Info, error)
	Extract(srcPath, targetDir string) error
}

// ProcessManager is implemented by internal/process's package functions.
type ProcessManager interface {
	Kill(ctx context.Context, matcher string) (bool, error)
	Launch(ctx context.Context, workingDir string, b process.Binding) error
}

// SelfUpgradeLauncher spawns the detached SelfUpgrader process for the
// agent's own upgrade.
type SelfUpgradeLauncher interface {
	Launch(ctx context.Context, archivePath string, b *registry.Binding) error
}

// DownloadCommand is the parsed OTA.Download variant.
type DownloadCommand struct {
	Binding *registry.Binding
	URL     string
	MD5     string
}

// StartUpdateCommand is the parsed OTA.StartUpdate variant.
type StartUpdateCommand struct {
	Binding     *registry.Binding
	Path        string
	Filename    string
	Version     string
	ProcessPath string
}

// Engine is the per-binding upgrade orchestrator.
type Engine struct {
	reg         *registry.Registry
	dl          Downloader
	ar          Archiver
	pm          ProcessManager
	pub         Publisher
	fs          afero.Fs
	workDir     string
	selfUpgrade SelfUpgradeLauncher
	selfEntry   string

	mu      sync.Mutex
	workers map[string]chan func()
}

// New builds an Engine. workDir is the agent's working directory, where
// version.json lives.
func New(reg *registry.Registry, dl Downloader, ar Archiver, pm ProcessManager, pub Publisher, fs afero.Fs, workDir, selfUpgradeEntryName string, selfUpgrade SelfUpgradeLauncher) *Engine {
	return &Engine{
		reg:         reg,
		dl:          dl,
		ar:          ar,
		pm:          pm,
		pub:         pub,
		fs:          fs,
		workDir:     workDir,
		selfEntry:   selfUpgradeEntryName,
		selfUpgrade: selfUpgrade,
		workers:     make(map[string]chan func()),
	}
}

func (e *Engine) worker(key string) chan func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.workers[key]
	if ok {
		return ch
	}
	ch = make(chan func(), 8)
	e.workers[key] = ch
	go func() {
		for task := range ch {
			task()
		}
	}()
	return ch
}

func (e *Engine) publish(ctx context.Context, topic string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("marshal status payload")
		return
	}
	if _, err := e.pub.Publish(ctx, topic, data); err != nil {
		// TransportUnavailable during a status publish does not abort the
		// upgrade; it is logged as dropped.
		log.WithField("topic", topic).WithError(err).Warn("status publish dropped")
	}
}

// Download runs Idle -> Downloading -> Idle/Downloaded.
func (e *Engine) Download(ctx context.Context, cmd DownloadCommand) {
	b := cmd.Binding
	var start bool
	b.WithState(func(s *registry.State) {
		if !s.Downloading && !s.Updating {
			s.Downloading = true
			start = true
		}
	})
	if !start {
		return
	}

	e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "downloading", "timestamp": time.Now().Unix()})

	e.worker(b.Key) <- func() {
		result, err := e.dl.Download(ctx, cmd.URL, cmd.MD5, "")
		if err != nil {
			time.Sleep(time.Second) // avoid a sub-millisecond download/failure race on the bus
			classified := errs.Classify(err)
			e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "download failed", "error": classified.Error()})
		} else {
			e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "download success", "path": result.Path, "timestamp": time.Now().Unix()})
		}
		b.WithState(func(s *registry.State) { s.Downloading = false })
	}
}

// Stop requests cancellation of an in-flight upgrade, or immediately
// reports "update stopped" if nothing is in flight.
func (e *Engine) Stop(ctx context.Context, b *registry.Binding) {
	var inFlight bool
	b.WithState(func(s *registry.State) {
		inFlight = s.Updating || s.Downloading
		if inFlight {
			s.StopRequested = true
		} else {
			// Preserves legacy behavior: stop with nothing in flight
			// resets the flag, it does not set it.
			s.StopRequested = false
		}
	})
	if !inFlight {
		e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "update stopped"})
	}
}

func checkStop(b *registry.Binding) error {
	var stopped bool
	b.WithState(func(s *registry.State) { stopped = s.StopRequested })
	if stopped {
		return Cancelled
	}
	return nil
}

// StartUpdate runs Idle -> Updating -> Idle through the nine-step sequence,
// or spawns the SelfUpgrader when the binding is the agent's own entry.
func (e *Engine) StartUpdate(ctx context.Context, cmd StartUpdateCommand) {
	b := cmd.Binding
	var start bool
	b.WithState(func(s *registry.State) {
		if !s.Updating && !s.Downloading {
			s.Updating = true
			start = true
		}
	})
	if !start {
		return
	}

	targetDir := resolveTargetDir(cmd)

	e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "start update"})

	if b.EntryName == e.selfEntry {
		if err := e.selfUpgrade.Launch(ctx, cmd.Path, b); err != nil {
			log.WithError(err).Error("failed to spawn self-upgrader")
			e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "update failed", "error": err.Error()})
		}
		// Finalize publishing is skipped: the detached self-upgrader owns
		// stop/start and publishes its own terminal status. Only the
		// Updating flag is cleared here.
		b.WithState(func(s *registry.State) { s.Updating = false })
		return
	}

	e.worker(b.Key) <- func() {
		err := e.runUpdate(ctx, b, cmd, targetDir)
		switch {
		case err == nil:
			e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "update success", "version": cmd.Version})
		case errors.Is(err, Cancelled):
			e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "update stopped"})
		default:
			log.WithError(err).Error("update failed")
			e.publish(ctx, b.UpTopic, map[string]any{"type": "OTA", "status": "update failed", "error": err.Error()})
		}
		b.WithState(func(s *registry.State) {
			s.StopRequested = false
			s.Updating = false
		})
	}
}

// resolveTargetDir implements the target-directory resolution rule:
// target_path defaults to processPath override else the binding's
// directory; file_name comes from filename, else the archive basename,
// else version; and is appended unless target_path already ends in it.
func resolveTargetDir(cmd StartUpdateCommand) string {
	targetPath := cmd.Binding.Directory
	if cmd.ProcessPath != "" {
		targetPath = cmd.ProcessPath
	}
	fileName := cmd.Filename
	if fileName == "" && cmd.Path != "" {
		fileName = filepath.Base(cmd.Path)
	}
	if fileName == "" {
		fileName = cmd.Version
	}
	parts := strings.Split(targetPath, "/")
	if len(parts) > 0 && parts[len(parts)-1] == fileName {
		return targetPath
	}
	return targetPath + "/" + fileName
}

func (e *Engine) runUpdate(ctx context.Context, b *registry.Binding, cmd StartUpdateCommand, targetDir string) error {
	if err := checkStop(b); err != nil {
		return err
	}
	if matched, err := e.pm.Kill(ctx, b.EntryName); err == nil && !matched {
		log.WithField("entry", b.EntryName).Info("no running process found")
	} else if err != nil {
		return err
	}

	time.Sleep(postKillSleep)

	if err := checkStop(b); err != nil {
		return err
	}
	if err := e.backupDirectory(targetDir); err != nil {
		return err
	}

	if err := checkStop(b); err != nil {
		return err
	}
	if err := e.ar.Extract(cmd.Path, targetDir); err != nil {
		return err
	}

	if err := e.writeVersionFile(targetDir, cmd.Version); err != nil {
		return err
	}

	if err := checkStop(b); err != nil {
		return err
	}
	if err := e.pm.Launch(ctx, targetDir, process.Binding{
		EntryName:    b.EntryName,
		CondaEnv:     b.CondaEnv,
		StartCommand: b.StartCommand,
	}); err != nil {
		return err
	}

	if err := e.mergeVersionJSON(b.EntryName, cmd.Version); err != nil {
		return err
	}

	return nil
}

func (e *Engine) backupDirectory(targetDir string) error {
	exists, err := afero.DirExists(e.fs, targetDir)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	backupDir := targetDir + "_backup_" + time.Now().UTC().Format(backupTimeFormat)
	if err := e.fs.Rename(targetDir, backupDir); err != nil {
		return fmt.Errorf("backup %s: %w", targetDir, err)
	}

	e.pruneBackups(targetDir)
	return nil
}

func (e *Engine) pruneBackups(targetDir string) {
	dir := filepath.Dir(targetDir)
	base := filepath.Base(targetDir)
	prefix := base + "_backup_"

	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		log.WithError(err).Warn("failed to list backups for pruning")
		return
	}
	var backups []os.FileInfo
	for _, fi := range entries {
		if strings.HasPrefix(fi.Name(), prefix) {
			backups = append(backups, fi)
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime().After(backups[j].ModTime())
	})
	if len(backups) <= maxBackupCount {
		return
	}
	for _, old := range backups[maxBackupCount:] {
		path := filepath.Join(dir, old.Name())
		if err := e.fs.RemoveAll(path); err != nil {
			log.WithField("path", path).WithError(err).Error("failed to remove old backup")
		} else {
			log.WithField("path", path).Info("removed old backup")
		}
	}
}

func (e *Engine) writeVersionFile(targetDir, version string) error {
	path := filepath.Join(targetDir, "version.txt")
	if err := afero.WriteFile(e.fs, path, []byte(version), 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	return nil
}

func (e *Engine) mergeVersionJSON(entryName, version string) error {
	path := filepath.Join(e.workDir, "version.json")
	data := make(map[string]string)

	if raw, err := afero.ReadFile(e.fs, path); err == nil {
		if err := json.Unmarshal(raw, &data); err != nil {
			log.WithError(err).Warn("version.json corrupt, starting fresh")
			data = make(map[string]string)
		}
	}

	data[entryName] = version

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(e.fs, path, out, 0o644)
}
