package minimux

import (
	"context"
	"fmt"

	"github.com/raskyld/minimux/internal/telemetry"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/worker"
)

// NewInProcess returns a Coordinator whose worker runs handler in a
// goroutine of the current process. Messages are passed over Go channels
// without being serialised.
func NewInProcess(handler worker.Handler, opts ...Option) (*Coordinator, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	client, server := flow.Pipe(cfg.sendBuffer)
	workerOpts := append([]worker.Option{
		worker.WithLog(cfg.logHandler),
		worker.WithMetricSink(cfg.msink),
		worker.WithMetricLabels(cfg.metricLabels),
	}, cfg.workerOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := worker.Serve(ctx, server, handler, workerOpts...); err != nil {
			cfg.logger().Error("in-process worker failed", telemetry.LabelError.L(err))
		}
	}()

	client.Conn = &inProcessWorker{cancel: cancel, served: served}
	return newCoordinator(client, cfg), nil
}

type inProcessWorker struct {
	cancel context.CancelFunc
	// served is closed once the handlers in flight returned.
	served chan struct{}
}

// Close stops the worker without waiting for the handlers in flight,
// their results are dropped.
func (w *inProcessWorker) Close() error {
	w.cancel()
	return nil
}

// Spawn starts a worker process speaking the protocol on its standard
// streams and returns a Coordinator talking to it. The process is
// interrupted when ctx is cancelled, and stopped on disconnect.
func Spawn(ctx context.Context, name string, args []string, opts ...Option) (*Coordinator, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}

	raw, err := flow.StartProcess(ctx, name, args, cfg.procCfg)
	if err != nil {
		return nil, err
	}
	return newCoordinator(raw, cfg), nil
}

// Dial connects to a remote worker listening on addr over QUIC and returns
// a Coordinator talking to it. `WithQUICConfig` is mandatory.
func Dial(ctx context.Context, addr string, opts ...Option) (*Coordinator, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.quicCfg.TLSConfig == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, flow.ErrNoTLSConfig)
	}

	raw, err := flow.DialQUIC(ctx, addr, cfg.quicCfg)
	if err != nil {
		return nil, err
	}
	return newCoordinator(raw, cfg), nil
}
