package device

import "context"

// DiscoveryEvent reports a device appearing or disappearing during
// driver enumeration.
type DiscoveryEvent struct {
	Handle  Handle
	Removed bool
}

// Driver is the capability seam between the session state machine and
// the hardware. A simulated driver and a real hardware-backed driver
// are interchangeable without touching session logic; tests script a
// sequence of results and assert on session behavior.
type Driver interface {
	// Discover enumerates devices until ctx is done, invoking event for
	// each appearance or removal. It returns once enumeration stops.
	Discover(ctx context.Context, event func(DiscoveryEvent)) error

	// Connect acquires the device and returns its capability descriptor.
	// The session bounds each attempt with its own timeout.
	Connect(ctx context.Context, h Handle) (Capabilities, error)

	// Disconnect releases the device handle.
	Disconnect(h Handle) error

	// Alive reports whether the driver session for h is still open.
	Alive(h Handle) bool

	// Scan executes one scan with the given settings, delivering each
	// page through onPage as it arrives, and returns when the device
	// signals overall completion. Cancelling ctx aborts the scan.
	Scan(ctx context.Context, h Handle, s Settings, onPage func(Page)) error
}
