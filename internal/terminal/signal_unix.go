//go:build !windows

package terminal

import (
	"os"
	"os/exec"
	"syscall"
)

// terminateProcess asks the child to exit with SIGTERM. The grace timer in
// Terminate escalates to SIGKILL when the child ignores it.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// waitPtyProcess reaps the child and derives its exit code, mapping death
// by signal to the shell convention 128+signo.
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, signalName string, err error) {
	err = cmd.Wait()
	if err == nil {
		return 0, "", nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, "", err
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	switch {
	case !ok:
		return 1, "", err
	case status.Signaled():
		sig := status.Signal()
		return 128 + int(sig), sig.String(), err
	default:
		return status.ExitStatus(), "", err
	}
}
