package minimux

import "context"

// Connection is the outcome of a successful handshake.
type Connection struct {
	// ConfigHash identifies the minification settings of the worker.
	// Build caches keyed on minified output must include it.
	ConfigHash string

	c *Coordinator
}

// Disconnect ends the connection. Callbacks still waiting receive a
// *ClosedError unwrapping to ErrDisconnected, the flow is closed and no
// result is delivered afterwards.
//
// Disconnect does not wait for requests in flight. It waits for the router
// to stop, unless ctx is done first or the router is running callbacks:
// Disconnect may be called from one of them. Either way, no callback
// receives a result of the worker once Disconnect returned. It is safe to
// call more than once, from any callback.
func (conn *Connection) Disconnect(ctx context.Context) error {
	return conn.c.Close(ctx)
}

// Done is closed when the connection ended, whichever party ended it.
func (conn *Connection) Done() <-chan struct{} {
	return conn.c.done()
}

// Err returns a *ClosedError describing why the connection ended, or nil
// while it is alive.
func (conn *Connection) Err() error {
	return conn.c.err()
}
