package selfupgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/iotali/device-agent/internal/archive"
	"github.com/iotali/device-agent/internal/logx"
)

var log = logx.With("selfupgrade")

// Config describes the installation paths and supervisor identity the
// self-upgrader operates on, analogous to ota_self.py's module constants
// (CURRENT_AGENT_DIR, TEMP_DOWNLOAD_DIR, BACKUP_DIR, SUPERVISOR_SERVICE_NAME).
type Config struct {
	InstallDir        string
	TempDir           string
	BackupDir         string
	SupervisorService string
	MainEntryName     string
	StartPollTimeout  time.Duration
	StartPollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.StartPollTimeout == 0 {
		c.StartPollTimeout = 15 * time.Second
	}
	if c.StartPollInterval == 0 {
		c.StartPollInterval = time.Second
	}
	if c.MainEntryName == "" {
		c.MainEntryName = "IoTAgent.py"
	}
}

// Publisher is the minimal transport capability used to report terminal
// status, matching the payload shape the OTA Engine publishes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (bool, error)
}

// Upgrader runs the self-upgrade sequence described in spec §4.9.
type Upgrader struct {
	cfg        Config
	supervisor Supervisor
	fs         afero.Fs
	pub        Publisher
	upTopic    string
}

// New builds an Upgrader.
func New(cfg Config, supervisor Supervisor, fs afero.Fs, pub Publisher, upTopic string) *Upgrader {
	cfg.setDefaults()
	return &Upgrader{cfg: cfg, supervisor: supervisor, fs: fs, pub: pub, upTopic: upTopic}
}

// Run executes the full sequence against archivePath. The returned exit
// code follows the SelfUpgrader CLI contract: 0 success, 1 rolled-back
// failure, 2 catastrophic (rollback also failed).
func (u *Upgrader) Run(ctx context.Context, archivePath string) int {
	u.publish(ctx, map[string]any{"type": "OTA", "status": "start update"})
	defer u.fs.RemoveAll(u.cfg.TempDir)

	if err := u.fs.RemoveAll(u.cfg.TempDir); err != nil {
		return u.fail(ctx, err, false)
	}
	if err := u.fs.MkdirAll(u.cfg.TempDir, 0o755); err != nil {
		return u.fail(ctx, err, false)
	}

	if status, err := u.supervisor.Status(ctx, u.cfg.SupervisorService); err == nil && status == StatusRunning {
		if err := u.supervisor.Stop(ctx, u.cfg.SupervisorService); err != nil {
			return u.fail(ctx, err, false)
		}
	}

	if err := u.snapshotInstall(); err != nil {
		return u.fail(ctx, err, true)
	}

	extractTarget := filepath.Join(u.cfg.TempDir, "extracted")
	if err := archive.Extract(archivePath, extractTarget); err != nil {
		return u.failRollback(ctx, err)
	}

	sourceDir, err := u.locateSource(extractTarget)
	if err != nil {
		return u.failRollback(ctx, err)
	}

	if err := u.replaceInstall(sourceDir); err != nil {
		return u.failRollback(ctx, err)
	}

	if err := u.supervisor.Start(ctx, u.cfg.SupervisorService); err != nil {
		return u.failRollback(ctx, err)
	}

	if !u.pollRunning(ctx) {
		return u.failRollback(ctx, fmt.Errorf("service did not reach running state"))
	}

	u.publish(ctx, map[string]any{"type": "OTA", "status": "update success"})
	return 0
}

// locateSource finds the real extracted payload: the temp dir itself if it
// contains the main entry, else its sole child subdirectory if that one
// does.
func (u *Upgrader) locateSource(extractTarget string) (string, error) {
	if exists(u.fs, filepath.Join(extractTarget, u.cfg.MainEntryName)) {
		return extractTarget, nil
	}
	entries, err := afero.ReadDir(u.fs, extractTarget)
	if err != nil {
		return "", fmt.Errorf("read extracted payload: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		candidate := filepath.Join(extractTarget, dirs[0])
		if exists(u.fs, filepath.Join(candidate, u.cfg.MainEntryName)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not locate %s in extracted payload", u.cfg.MainEntryName)
}

func exists(fs afero.Fs, path string) bool {
	ok, _ := afero.Exists(fs, path)
	return ok
}

// snapshotInstall wipes any previous snapshot and copies the current
// installation into the backup directory.
func (u *Upgrader) snapshotInstall() error {
	if err := u.fs.RemoveAll(u.cfg.BackupDir); err != nil {
		return fmt.Errorf("wipe previous snapshot: %w", err)
	}
	if err := copyTree(u.fs, u.cfg.InstallDir, u.cfg.BackupDir); err != nil {
		return fmt.Errorf("snapshot install dir: %w", err)
	}
	return nil
}

// replaceInstall wipes and recreates the install dir, copying sourceDir's
// contents across.
func (u *Upgrader) replaceInstall(sourceDir string) error {
	if err := u.fs.RemoveAll(u.cfg.InstallDir); err != nil {
		return fmt.Errorf("wipe install dir: %w", err)
	}
	if err := u.fs.MkdirAll(u.cfg.InstallDir, 0o755); err != nil {
		return fmt.Errorf("recreate install dir: %w", err)
	}
	return copyTree(u.fs, sourceDir, u.cfg.InstallDir)
}

func (u *Upgrader) pollRunning(ctx context.Context) bool {
	deadline := time.Now().Add(u.cfg.StartPollTimeout)
	for time.Now().Before(deadline) {
		status, err := u.supervisor.Status(ctx, u.cfg.SupervisorService)
		if err == nil && status == StatusRunning {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(u.cfg.StartPollInterval):
		}
	}
	return false
}

// failRollback performs the rollback path: wipe the install dir, restore
// the snapshot, attempt to restart the old version, then report failure.
func (u *Upgrader) failRollback(ctx context.Context, cause error) int {
	log.WithError(cause).Error("self-upgrade failed, rolling back")

	if err := u.fs.RemoveAll(u.cfg.InstallDir); err != nil {
		return u.catastrophic(ctx, cause, err)
	}
	if err := copyTree(u.fs, u.cfg.BackupDir, u.cfg.InstallDir); err != nil {
		return u.catastrophic(ctx, cause, err)
	}

	restarted := true
	if err := u.supervisor.Start(ctx, u.cfg.SupervisorService); err != nil {
		restarted = false
		log.WithError(err).Error("failed to restart old version after rollback")
	}

	u.publish(ctx, map[string]any{
		"type":      "OTA",
		"status":    "update failed",
		"error":     cause.Error(),
		"restarted": restarted,
	})
	return 1
}

func (u *Upgrader) catastrophic(ctx context.Context, cause, rollbackErr error) int {
	log.WithError(rollbackErr).Error("rollback also failed, giving up")
	u.publish(ctx, map[string]any{
		"type":      "OTA",
		"status":    "update failed",
		"error":     fmt.Sprintf("%v (rollback failed: %v)", cause, rollbackErr),
		"restarted": false,
	})
	return 2
}

func (u *Upgrader) fail(ctx context.Context, err error, canRollback bool) int {
	if canRollback {
		return u.failRollback(ctx, err)
	}
	log.WithError(err).Error("self-upgrade failed before a snapshot existed")
	u.publish(ctx, map[string]any{"type": "OTA", "status": "update failed", "error": err.Error()})
	return 1
}

func (u *Upgrader) publish(ctx context.Context, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("marshal status payload")
		return
	}
	if _, err := u.pub.Publish(ctx, u.upTopic, data); err != nil {
		log.WithError(err).Warn("status publish dropped")
	}
}

// copyTree recursively copies src into dst on fs, creating dst if absent.
func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, info.Mode())
		}
		in, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
