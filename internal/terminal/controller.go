// Package terminal implements the terminal session engine: PTY process
// lifecycles, adaptive output flow control, and the surface handshake.
//
// PtyProcessController owns the shell processes behind live sessions.

package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
)

// SpawnRequest carries everything needed to launch a session's shell.
// An empty Command means the platform login shell.
type SpawnRequest struct {
	SessionID int
	Cwd       string
	Command   []string
	Env       []string
	Cols      uint16
	Rows      uint16
}

// ptyProcess tracks one running shell process.
type ptyProcess struct {
	sessionID int

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     PtyHandle // Unix: creack/pty, Windows: ConPTY
	lastCols uint16
	lastRows uint16

	// ready is closed on the first PTY output, resolving Spawn.
	readyOnce sync.Once
	ready     chan struct{}

	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{} // closed when wait() returns (cmd.Wait completed)
}

// PtyProcessController spawns shell processes into PTYs, pumps their output
// into the flow controller, and manages termination. It holds only session
// ids; session records live in the registry.
type PtyProcessController struct {
	log  *logger.Logger
	cfg  config.TerminalConfig
	flow *FlowController

	cbMu           sync.RWMutex
	outputObserver func(sessionID int, data []byte)
	surfaceCheck   func() bool
	exitCallback   func(sessionID int, exitCode int, signalName string)

	mu        sync.RWMutex
	processes map[int]*ptyProcess
}

// NewPtyProcessController creates a controller with no running processes.
func NewPtyProcessController(cfg config.TerminalConfig, flow *FlowController, log *logger.Logger) *PtyProcessController {
	return &PtyProcessController{
		log:       log,
		cfg:       cfg,
		flow:      flow,
		processes: make(map[int]*ptyProcess),
	}
}

// SetOutputObserver registers a callback that sees every raw PTY output
// chunk before flow control. The scrollback mirror hangs off this.
func (c *PtyProcessController) SetOutputObserver(fn func(sessionID int, data []byte)) {
	c.cbMu.Lock()
	c.outputObserver = fn
	c.cbMu.Unlock()
}

// SetSurfaceCheck registers the probe for whether a display surface is
// attached. Without one the controller answers terminal queries itself.
func (c *PtyProcessController) SetSurfaceCheck(fn func() bool) {
	c.cbMu.Lock()
	c.surfaceCheck = fn
	c.cbMu.Unlock()
}

// SetExitCallback registers the callback invoked after a session's process
// has exited and been reaped.
func (c *PtyProcessController) SetExitCallback(fn func(sessionID int, exitCode int, signalName string)) {
	c.cbMu.Lock()
	c.exitCallback = fn
	c.cbMu.Unlock()
}

// Spawn launches the session's shell in a fresh PTY at the requested
// dimensions and begins streaming its output. It returns once the shell
// produced its first output or the spawn window elapsed, so callers observe
// a prompt-ready session. Spawn failures are reported once and not retried.
func (c *PtyProcessController) Spawn(ctx context.Context, req SpawnRequest) error {
	command := req.Command
	if len(command) == 0 {
		command = defaultShellCommand(c.cfg.Shell)
		command = append(command, c.cfg.ShellArgs...)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = buildSessionEnv(req.Cwd, req.Env)

	// The PTY session manages the process group; Setpgid must stay unset.
	ptmx, err := startPTYWithSize(cmd, int(req.Cols), int(req.Rows))
	if err != nil {
		return &SpawnError{Command: command, Err: err}
	}

	proc := &ptyProcess{
		sessionID:  req.SessionID,
		cmd:        cmd,
		ptmx:       ptmx,
		lastCols:   req.Cols,
		lastRows:   req.Rows,
		ready:      make(chan struct{}),
		stopSignal: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.processes[req.SessionID]; exists {
		c.mu.Unlock()
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("session %d already has a running process", req.SessionID)
	}
	c.processes[req.SessionID] = proc
	c.mu.Unlock()

	c.log.Info("Session process started",
		zap.Int("session_id", req.SessionID),
		zap.Strings("command", command),
		zap.String("cwd", req.Cwd),
		zap.Int("pid", cmd.Process.Pid),
		zap.Uint16("cols", req.Cols),
		zap.Uint16("rows", req.Rows))

	go c.readLoop(proc)
	go c.wait(proc)

	// A shell that never prints is still considered live after the window;
	// early exits surface through the exit callback instead.
	select {
	case <-proc.ready:
	case <-proc.waitDone:
	case <-time.After(c.cfg.SpawnTimeoutDuration()):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Write forwards raw input to the shell. Input is never buffered; it must
// reach the process immediately for interactive correctness.
func (c *PtyProcessController) Write(sessionID int, data []byte) error {
	proc, ok := c.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	proc.mu.Lock()
	ptyInstance := proc.ptmx
	proc.mu.Unlock()
	if ptyInstance == nil {
		return fmt.Errorf("session %d stdin not available", sessionID)
	}

	if _, err := ptyInstance.Write(data); err != nil {
		return fmt.Errorf("failed to write to session %d: %w", sessionID, err)
	}
	return nil
}

// Resize applies a new PTY geometry. Repeating the current geometry is
// skipped, so resize storms from the surface stay cheap.
func (c *PtyProcessController) Resize(sessionID int, cols, rows uint16) error {
	proc, ok := c.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	proc.mu.Lock()
	if proc.lastCols == cols && proc.lastRows == rows {
		proc.mu.Unlock()
		return nil
	}
	ptyInstance := proc.ptmx
	proc.mu.Unlock()

	if ptyInstance == nil {
		return fmt.Errorf("session %d pty not available", sessionID)
	}
	if err := ptyInstance.Resize(cols, rows); err != nil {
		return fmt.Errorf("failed to resize session %d: %w", sessionID, err)
	}

	proc.mu.Lock()
	proc.lastCols = cols
	proc.lastRows = rows
	proc.mu.Unlock()

	c.log.Debug("Resized PTY",
		zap.Int("session_id", sessionID),
		zap.Uint16("cols", cols),
		zap.Uint16("rows", rows))
	return nil
}

// Terminate stops the session's process: close the PTY, send the graceful
// signal, and force-kill when the grace period runs out. Always returns
// with the process on its way out; reaping happens in wait().
func (c *PtyProcessController) Terminate(ctx context.Context, sessionID int) {
	proc, ok := c.get(sessionID)
	if !ok {
		return
	}

	proc.stopOnce.Do(func() {
		close(proc.stopSignal)
	})

	proc.mu.Lock()
	if proc.ptmx != nil {
		_ = proc.ptmx.Close()
	}
	cmd := proc.cmd
	proc.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = terminateProcess(cmd.Process)

	select {
	case <-proc.waitDone:
	case <-time.After(c.cfg.TerminateGraceDuration()):
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
}

// Running reports whether the session's process is started and alive.
func (c *PtyProcessController) Running(sessionID int) bool {
	proc, ok := c.get(sessionID)
	if !ok {
		return false
	}
	select {
	case <-proc.waitDone:
		return false
	default:
		return true
	}
}

func (c *PtyProcessController) get(sessionID int) (*ptyProcess, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	proc, ok := c.processes[sessionID]
	return proc, ok
}

// readLoop pumps PTY output into the flow controller until the process
// stops. The backpressure gate is honored between reads.
func (c *PtyProcessController) readLoop(proc *ptyProcess) {
	buf := make([]byte, 32768) // 32KB buffer for better throughput

	for {
		select {
		case <-proc.stopSignal:
			return
		default:
		}

		proc.mu.Lock()
		ptyInstance := proc.ptmx
		proc.mu.Unlock()
		if ptyInstance == nil {
			return
		}

		n, err := ptyInstance.Read(buf)
		if n > 0 {
			c.handleOutput(proc, ptyInstance, buf[:n])
		}
		if err != nil {
			c.log.Debug("PTY read ended",
				zap.Int("session_id", proc.sessionID),
				zap.Error(err))
			return
		}

		c.flow.WaitProducer(proc.sessionID)
	}
}

// handleOutput routes one raw output chunk: resolve spawn readiness, answer
// terminal queries when no surface can, feed the mirror, then hand the
// chunk to flow control.
func (c *PtyProcessController) handleOutput(proc *ptyProcess, ptyInstance PtyHandle, data []byte) {
	proc.readyOnce.Do(func() {
		close(proc.ready)
	})

	c.cbMu.RLock()
	observe := c.outputObserver
	surfaceCheck := c.surfaceCheck
	c.cbMu.RUnlock()

	if surfaceCheck == nil || !surfaceCheck() {
		c.respondToTerminalQueries(proc, ptyInstance, data)
	}

	if observe != nil {
		observe(proc.sessionID, data)
	}

	c.flow.Submit(proc.sessionID, data)
}

// respondToTerminalQueries sends synthetic replies for cursor position
// (DSR) and device attribute (DA1) queries. Some CLI tools query the
// terminal on startup and hang without an answer.
func (c *PtyProcessController) respondToTerminalQueries(proc *ptyProcess, ptyInstance PtyHandle, data []byte) {
	dsr, da1 := terminalQueries(data)
	if dsr {
		if _, err := ptyInstance.Write([]byte("\x1b[1;1R")); err != nil {
			c.log.Debug("Failed to answer cursor position query",
				zap.Int("session_id", proc.sessionID),
				zap.Error(err))
		}
	}
	if da1 {
		if _, err := ptyInstance.Write([]byte("\x1b[?1;2c")); err != nil {
			c.log.Debug("Failed to answer device attributes query",
				zap.Int("session_id", proc.sessionID),
				zap.Error(err))
		}
	}
}

// wait blocks until the process exits, then reaps it and reports the exit.
// cmd.Wait is intentionally unbounded: it must run to prevent zombies, and
// stuck processes are killed through Terminate.
func (c *PtyProcessController) wait(proc *ptyProcess) {
	defer close(proc.waitDone)

	proc.mu.Lock()
	ptyHandle := proc.ptmx
	proc.mu.Unlock()

	exitCode, signalName, err := waitPtyProcess(proc.cmd, ptyHandle)

	c.log.Info("Session process exited",
		zap.Int("session_id", proc.sessionID),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName),
		zap.Error(err))

	proc.mu.Lock()
	if proc.ptmx != nil {
		_ = proc.ptmx.Close()
		proc.ptmx = nil
	}
	proc.mu.Unlock()

	c.mu.Lock()
	delete(c.processes, proc.sessionID)
	c.mu.Unlock()

	c.cbMu.RLock()
	exitCb := c.exitCallback
	c.cbMu.RUnlock()
	if exitCb != nil {
		exitCb(proc.sessionID, exitCode, signalName)
	}
}
