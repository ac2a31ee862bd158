// Package selfupgrade implements the agent's own in-place upgrade: stopping
// it under an external process supervisor, swapping its installation
// directory, and restarting, with rollback on any failure. Grounded in the
// legacy ota_self.py constants and the teacher's BinaryUpdater backup/
// rollback mechanics, generalized from a single-binary replace to a
// directory-tree replace under an external supervisor.
package selfupgrade

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/iotali/device-agent/internal/errs"
)

// Status is the supervisor-reported run state of the managed service.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Supervisor is the external process supervisor consumed by the
// self-upgrader (an init-style service manager, e.g. systemd or supervisord).
type Supervisor interface {
	Stop(ctx context.Context, service string) error
	Start(ctx context.Context, service string) error
	Status(ctx context.Context, service string) (Status, error)
}

// SystemdSupervisor drives systemctl, mirroring the sudo-systemctl command
// pattern used for service restarts elsewhere in this stack.
type SystemdSupervisor struct{}

func (SystemdSupervisor) Stop(ctx context.Context, service string) error {
	return run(ctx, "systemctl", "stop", service)
}

func (SystemdSupervisor) Start(ctx context.Context, service string) error {
	return run(ctx, "systemctl", "start", service)
}

func (SystemdSupervisor) Status(ctx context.Context, service string) (Status, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", service)
	out, err := cmd.Output()
	state := bytes.TrimSpace(out)
	switch string(state) {
	case "active":
		return StatusRunning, nil
	case "inactive", "failed":
		return StatusStopped, nil
	default:
		if err != nil {
			return StatusUnknown, nil
		}
		return StatusUnknown, nil
	}
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s %v: %s: %v", errs.ErrSupervisorFailure, name, args, string(out), err)
	}
	return nil
}
