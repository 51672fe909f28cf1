//go:build windows

package terminal

import (
	"os"
	"os/exec"
)

// terminateProcess stops the child. Windows has no SIGTERM, so termination
// is immediate and the grace period before SIGKILL collapses to nothing.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// waitPtyProcess reaps the child. ConPTY creates the process itself rather
// than going through cmd.Start, so the wait happens on cmd.Process directly.
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	if code := state.ExitCode(); code != 0 {
		return code, "", &exec.ExitError{ProcessState: state}
	}
	return 0, "", nil
}
