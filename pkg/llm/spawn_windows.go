//go:build windows

package llm

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// applySpawnOptions detaches the child from the console so no window pops
// up when herald runs as a GUI-adjacent process.
func applySpawnOptions(cmd *exec.Cmd, opts SpawnOptions) {
	attr := &syscall.SysProcAttr{}
	if opts.NoConsole {
		attr.CreationFlags |= windows.CREATE_NO_WINDOW
		attr.HideWindow = true
	}
	if opts.NewSession {
		attr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
	}
	cmd.SysProcAttr = attr
}

// signalTerm has no portable graceful signal on Windows; termination goes
// straight to the kill path after the grace period.
func signalTerm(cmd *exec.Cmd) error {
	return nil
}

// killTree kills the process; children spawned in the same group die with
// the job when the runtime owns them.
func killTree(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}

func signaled(_ *exec.ExitError) bool {
	// Exit codes after TerminateProcess are indistinguishable from
	// crashes; treat any post-kill exit as clean.
	return true
}
