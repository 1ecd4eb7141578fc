//go:build !windows

package executor

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the worker in its own process group so the parent
// can kill it and any children it spawned (it should spawn none, per
// spec.md's process cap, but a hostile task body may try) with a single
// signal to the negative pid.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processExitInfo reports the exit code and, when the process was killed
// by a signal rather than exiting normally, that signal's name — the
// shape crashOutcome needs to tell a resource-limiter kill apart from an
// ordinary nonzero exit.
func processExitInfo(state *os.ProcessState) (code int, signaled bool, signal string) {
	code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return code, true, ws.Signal().String()
	}
	return code, false, ""
}
