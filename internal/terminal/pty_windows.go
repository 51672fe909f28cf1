//go:build windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

// conptyHandle adapts a Windows pseudo-console to PtyHandle.
type conptyHandle struct {
	pc *conpty.ConPty
}

func (h *conptyHandle) Read(b []byte) (int, error)  { return h.pc.Read(b) }
func (h *conptyHandle) Write(b []byte) (int, error) { return h.pc.Write(b) }
func (h *conptyHandle) Close() error                { return h.pc.Close() }

func (h *conptyHandle) Resize(cols, rows uint16) error {
	return h.pc.Resize(int(cols), int(rows))
}

// startPTYWithSize launches the command inside a ConPTY at the given
// dimensions. ConPTY owns process creation, so the exec.Cmd is flattened
// into a single command line first; cmd.Process is populated afterwards so
// the exit watcher can wait on and signal the child.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	cmdLine := windowsCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeWindowsArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	pc, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(int(pc.Pid()))
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("locate conpty child %d: %w", pc.Pid(), err)
	}
	cmd.Process = proc

	return &conptyHandle{pc: pc}, nil
}
