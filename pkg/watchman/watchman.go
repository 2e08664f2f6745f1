// Package watchman establishes sessions with the watchman file-watching
// daemon for incremental builds: it discovers the daemon's unix-socket
// endpoint, negotiates protocol capabilities, registers project roots, and
// fetches an initial clock token per root. Establishment fails closed: any
// error or deadline overrun yields the shared Null descriptor, and the build
// runs without file-watch acceleration.
package watchman

// Watchman describes one fully established daemon session. It is assembled
// once per Build call and never mutated afterwards.
type Watchman struct {
	// SockPath is the daemon's unix-socket endpoint.
	SockPath string
	// Version is the daemon's reported version string.
	Version string
	// Capabilities is the set resolved during negotiation.
	Capabilities CapabilitySet
	// ClockIDs maps each registered root to its initial clock token. Roots
	// whose clock query returned no token are absent, not present-with-empty.
	ClockIDs map[string]string
}

// Null is the process-wide sentinel meaning no usable session could be
// established. It is distinct, by identity, from any real descriptor —
// including one with an empty capability set or empty clock mapping.
var Null = &Watchman{}

// Available reports whether w describes a usable session.
func (w *Watchman) Available() bool {
	return w != Null
}
