// Package events provides event types and utilities for the termd event system.
package events

// Event types for terminal sessions
const (
	SessionCreated  = "terminal.session.created"
	SessionRunning  = "terminal.session.running"
	SessionExited   = "terminal.session.exited"
	SessionDisposed = "terminal.session.disposed"
)

// Event types for the display surface connection
const (
	SurfaceConnected    = "terminal.surface.connected"
	SurfaceDisconnected = "terminal.surface.disconnected"
)

// Event types for output flow control
const (
	FlowBackpressure = "terminal.flow.backpressure" // Output buffer crossed the high watermark
)

// Event types for scrollback persistence
const (
	ScrollbackPersisted = "terminal.scrollback.persisted"
	ScrollbackRestored  = "terminal.scrollback.restored"
)
