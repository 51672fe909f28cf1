package terminal

import "io"

// PtyHandle is the platform PTY attached to one session: creack/pty on
// Unix, ConPTY on Windows. Reads deliver child output, writes feed child
// stdin, Close tears the console down after the child exits.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
