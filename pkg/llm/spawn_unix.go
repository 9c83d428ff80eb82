//go:build !windows

package llm

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// applySpawnOptions starts the child in its own process group so the whole
// tree can be signalled as a unit.
func applySpawnOptions(cmd *exec.Cmd, opts SpawnOptions) {
	if opts.NewSession {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

// signalTerm sends SIGTERM to the process group (or the process when it
// has no group of its own).
func signalTerm(cmd *exec.Cmd) error {
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	return cmd.Process.Signal(unix.SIGTERM)
}

// killTree sends SIGKILL to the process group.
func killTree(cmd *exec.Cmd) error {
	if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return cmd.Process.Kill()
}

func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}

func signaled(exitErr *exec.ExitError) bool {
	status, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
