// Package process locates, terminates, and launches the workload processes
// this agent manages, mirroring the original agent's psutil-based
// kill_process/find_and_start_app helpers.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/iotali/device-agent/internal/errs"
	"github.com/iotali/device-agent/internal/logx"
)

var log = logx.With("process")

const terminateWait = 5 * time.Second

// Binding is the subset of registry.Binding that Launch needs, kept
// narrow so this package has no dependency on the registry package.
type Binding struct {
	EntryName    string
	CondaEnv     string
	StartCommand string
}

// Kill terminates every running process whose command line contains
// matcher as a substring of any argument. It waits up to 5s for graceful
// exit before escalating to SIGKILL, and reports whether anything matched.
func Kill(ctx context.Context, matcher string) (bool, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("process: enumerate: %w", err)
	}

	var matched []*gopsproc.Process
	for _, p := range procs {
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue // gone or access denied, skip silently
		}
		if containsSubstring(cmdline, matcher) {
			matched = append(matched, p)
		}
	}

	for _, p := range matched {
		if err := p.TerminateWithContext(ctx); err != nil {
			log.WithField("pid", p.Pid).WithError(err).Debug("terminate failed")
		}
	}

	deadline := time.Now().Add(terminateWait)
	for _, p := range matched {
		for time.Now().Before(deadline) {
			running, err := p.IsRunningWithContext(ctx)
			if err != nil || !running {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if running, _ := p.IsRunningWithContext(ctx); running {
			if err := p.KillWithContext(ctx); err != nil {
				log.WithField("pid", p.Pid).WithError(err).Warn("force kill failed")
				return len(matched) > 0, fmt.Errorf("%w: pid %d", errs.ErrProcessTerminateTimeout, p.Pid)
			}
		}
	}

	return len(matched) > 0, nil
}

func containsSubstring(cmdline []string, matcher string) bool {
	for _, arg := range cmdline {
		if strings.Contains(arg, matcher) {
			return true
		}
	}
	return false
}

// Launch starts the workload described by b in workingDir, detached into
// its own session so the agent's exit does not signal the child. It
// deliberately does not tie the child to ctx: exec.Command's context
// watcher goroutine stays armed until Wait is called, which would kill this
// detached child the moment the caller's context is cancelled, regardless
// of Setsid.
func Launch(ctx context.Context, workingDir string, b Binding) error {
	var cmd *exec.Cmd

	if b.StartCommand != "" {
		tokens := strings.Fields(b.StartCommand)
		if len(tokens) == 0 {
			return fmt.Errorf("process: empty startCommand")
		}
		cmd = exec.Command(tokens[0], tokens[1:]...)
	} else {
		entryPath := filepath.Join(workingDir, b.EntryName)
		if _, err := os.Stat(entryPath); err != nil {
			return fmt.Errorf("%w: %s", errs.ErrEntryNotFound, entryPath)
		}
		args := []string{"python", entryPath}
		if b.CondaEnv != "" {
			args = []string{"conda", "run", "-n", b.CondaEnv, "python", entryPath}
		}
		cmd = exec.Command(args[0], args[1:]...)
		cmd.Dir = workingDir
	}

	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: launch: %w", err)
	}
	log.WithField("pid", cmd.Process.Pid).WithField("cmd", cmd.Args).Info("launched")

	// Detached: release so the agent does not hold a wait-reference.
	return cmd.Process.Release()
}
