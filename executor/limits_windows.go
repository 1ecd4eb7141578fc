//go:build windows

package executor

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; job objects would be the
// equivalent primitive but are out of scope for this build tag, which
// exists only so the package compiles cross-platform.
func setProcessGroup(cmd *exec.Cmd) {}

// processExitInfo reports the exit code; Windows processes killed by
// TerminateProcess don't carry a POSIX signal, so signaled is always
// false here.
func processExitInfo(state *os.ProcessState) (code int, signaled bool, signal string) {
	return state.ExitCode(), false, ""
}
