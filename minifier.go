package minimux

import (
	"context"

	"github.com/raskyld/minimux/pkg/wire"
)

type (
	// Request asks for the minification of a piece of code, identified by
	// its content hash.
	Request = wire.Request
	// Result answers a Request. A failed minification is data: Err is set
	// and forwarded untouched.
	Result = wire.Result
)

// Callback receives the Result of a Request. It is called exactly once per
// call to Minify, possibly from another goroutine, and must not block for
// long since results of other hashes wait for it.
type Callback func(Result)

// Minifier is the capability offered to the build pipeline.
//
// Backends differ in where the worker lives (see `NewInProcess`, `Spawn`
// and `Dial`) but they share the same coordination semantics.
type Minifier interface {
	// Minify submits req and returns without waiting. Requests sharing a
	// hash are dispatched once while in flight and every callback receives
	// the same Result, in submission order.
	Minify(req Request, cb Callback)

	// Connect performs the handshake and returns the configuration
	// identity of the worker.
	Connect(ctx context.Context) (*Connection, error)
}

var _ Minifier = (*Coordinator)(nil)

// State of a Coordinator.
type State uint8

const (
	StateUnconnected State = iota
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
