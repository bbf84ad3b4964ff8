package tracker

// Endpoint is one live tunnel session: an established channel to a remote
// target together with exclusive ownership of its underlying connection
// resource. Concrete variants live with the code that creates them; the
// tracker depends only on this contract.
type Endpoint interface {
	// Close releases the underlying connection resource. Implementations
	// must tolerate repeated calls. Callers treat close as best-effort
	// cleanup and never propagate its error.
	Close() error

	// Description identifies the endpoint in events and diagnostics. It
	// must be stable and side-effect free.
	Description() string
}
