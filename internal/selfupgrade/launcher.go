package selfupgrade

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/iotali/device-agent/internal/registry"
)

// Launcher spawns the self-upgrader binary as a detached child process,
// mirroring the legacy agent's subprocess.Popen invocation for its own
// upgrade path.
type Launcher struct {
	SelfUpgraderPath string
}

// Launch implements ota.SelfUpgradeLauncher. The self-upgrader is a
// standalone Go binary, so unlike a normal workload relaunch there is no
// interpreter or conda environment to select.
func (l Launcher) Launch(ctx context.Context, archivePath string, b *registry.Binding) error {
	cmd := exec.CommandContext(ctx, l.SelfUpgraderPath, "--file", archivePath)
	cmd.Dir = b.Directory
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("selfupgrade: spawn: %w", err)
	}
	return cmd.Process.Release()
}
