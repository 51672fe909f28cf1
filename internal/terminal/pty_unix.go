//go:build !windows

package terminal

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// unixPTY is the master side of a Unix pseudo-terminal. Read, Write and
// Close come straight from the embedded file.
type unixPTY struct {
	*os.File
}

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.File, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTYWithSize spawns the command on a fresh PTY opened at the given
// dimensions. pty.StartWithSize runs cmd.Start itself, so cmd.Process is
// valid once this returns.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}
	return &unixPTY{File: master}, nil
}
