package eventbuilder

import "errors"

// Fatal reassembly errors. These indicate unrecoverable divergence
// between the configured pool sizes/timeout and the observed input
// rate; the engine returns them rather than aborting so that the
// caller can log diagnostics before terminating the process.
var (
	// ErrPoolExhausted is returned when no free Epoch or Event slot is
	// available. It means eventTimeout is too long relative to the
	// input rate and configured pool depth (epochs/entries).
	ErrPoolExhausted = errors.New("eventbuilder: pool exhausted")

	// ErrLUTCollision is returned when a lookup-table slot already holds
	// a live entry for a different key. It means the configured
	// epoch/entry counts let the pulse-ID key space wrap around faster
	// than events are being flushed.
	ErrLUTCollision = errors.New("eventbuilder: lookup-table collision")
)
