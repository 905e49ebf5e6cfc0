package worker

import (
	"context"

	"github.com/raskyld/minimux/pkg/wire"
)

// Output of a successful minification.
type Output struct {
	Code string
	// Map is the source map, nil when none was produced.
	Map map[string]interface{}
}

// Handler minifies code. Minify is called concurrently.
type Handler interface {
	// ConfigHash identifies the settings of the handler. It is sent to
	// coordinators during the handshake.
	ConfigHash() string

	// Minify returns the output for req, or an error which is reported to
	// every caller waiting for req.Hash. Returning a *wire.WorkerError
	// allows to forward a stack trace.
	Minify(ctx context.Context, req wire.Request) (Output, error)
}

type handlerFunc struct {
	configHash string
	fn         func(context.Context, wire.Request) (Output, error)
}

// NewHandler builds a Handler from a function.
func NewHandler(configHash string, fn func(context.Context, wire.Request) (Output, error)) Handler {
	return handlerFunc{configHash: configHash, fn: fn}
}

func (h handlerFunc) ConfigHash() string {
	return h.configHash
}

func (h handlerFunc) Minify(ctx context.Context, req wire.Request) (Output, error) {
	return h.fn(ctx, req)
}
