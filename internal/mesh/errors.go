package mesh

import "errors"

// Domain-specific errors for the mesh coordinator.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNoDialer is returned by New when no bus dialer was supplied.
	// The coordinator refuses construction rather than failing later
	// mid-connect.
	ErrNoDialer = errors.New("mesh: bus dialer not configured")

	// ErrAlreadyConnected is returned by Connect when a session is
	// already established.
	ErrAlreadyConnected = errors.New("mesh: already connected")

	// ErrConnectFailed is returned when the bus session cannot be
	// established or the fixed subscriptions cannot be registered.
	ErrConnectFailed = errors.New("mesh: connect failed")

	// ErrNotConnected is returned by command operations while no bus
	// session is available.
	ErrNotConnected = errors.New("mesh: not connected")
)
