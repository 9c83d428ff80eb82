package llm

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"
)

// SpawnOptions narrows the platform-specific process flags to two intents:
// a new session (POSIX process group) so the whole tree terminates as a
// unit, and no console window on Windows.
type SpawnOptions struct {
	NewSession bool
	NoConsole  bool
}

// process is the manager's handle on a spawned runtime.
type process struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	done   chan error
}

// spawn starts `<binary> serve` detached per opts. The stderr tail is kept
// for SpawnError reporting.
func spawn(binary string, opts SpawnOptions) (*process, error) {
	cmd := exec.Command(binary, "serve")
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	applySpawnOptions(cmd, opts)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		cmd:    cmd,
		stderr: stderr,
		done:   make(chan error, 1),
	}
	go func() {
		p.done <- cmd.Wait()
	}()
	return p, nil
}

// stderrSnapshot returns the accumulated stderr output, bounded to the
// last 4 KiB so error reports stay readable.
func (p *process) stderrSnapshot() string {
	b := p.stderr.Bytes()
	const limit = 4 * 1024
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(b)
}

// terminate signals graceful termination and, after the grace period,
// force-kills the process group. Always reaps the child.
func (p *process) terminate(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}

	// A failed signal means the process is already gone or signalling is
	// unsupported; the kill path below covers both.
	_ = signalTerm(p.cmd)

	select {
	case err := <-p.done:
		return ignoreSignalExit(err)
	case <-time.After(grace):
	}

	if err := killTree(p.cmd); err != nil {
		return fmt.Errorf("failed to kill model server process: %w", err)
	}

	select {
	case err := <-p.done:
		return ignoreSignalExit(err)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("model server process did not exit after kill")
	}
}

// exited reports whether the child has already been reaped.
func (p *process) exited() bool {
	select {
	case err := <-p.done:
		// Put it back for terminate.
		p.done <- err
		return true
	default:
		return false
	}
}

// ignoreSignalExit treats death-by-signal as a clean stop.
func ignoreSignalExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok && signaled(exitErr) {
		return nil
	}
	return err
}
