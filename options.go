package minimux

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/worker"
	"google.golang.org/protobuf/types/known/structpb"
)

type config struct {
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
	codec            flow.Codec
	sendBuffer       uint
	recvBuffer       uint
	handshakeTimeout time.Duration

	// backends.
	procCfg    flow.ProcessConfig
	quicCfg    flow.QUICConfig
	workerOpts []worker.Option
}

// Option to pass to `New` and the backend constructors.
type Option func(*config) error

func defaultOptions() []Option {
	return []Option{
		WithMetricSink(nil),
		WithCodec(nil),
		WithSendBuffer(0),
		WithRecvBuffer(0),
		WithHandshakeTimeout(0),
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.procCfg.LogHandler = handler
		c.quicCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the coordinator. Default to the global `metrics.Default()`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = metrics.Default()
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// coordinator.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCodec controls how messages are serialised on the transport.
// Default to binary protobuf, use `flow.NewProtoJSONCodec` for workers
// without a protobuf runtime. The codec must match the worker's.
func WithCodec(codec flow.Codec) Option {
	return func(c *config) error {
		if codec == nil {
			codec = flow.NewProtoCodec[*structpb.Value](false)
		}
		c.codec = codec
		return nil
	}
}

// WithSendBuffer controls how many requests can be queued before Minify
// waits for the transport. Default to 1024.
func WithSendBuffer(size uint) Option {
	return func(c *config) error {
		if size == 0 {
			size = 1024
		}
		c.sendBuffer = size
		return nil
	}
}

// WithRecvBuffer controls how many results are read ahead of their
// delivery. Default to 64.
func WithRecvBuffer(size uint) Option {
	return func(c *config) error {
		if size == 0 {
			size = 64
		}
		c.recvBuffer = size
		return nil
	}
}

// WithHandshakeTimeout bounds Connect when its context has no deadline.
// Default to 30s.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("handshake timeout must be positive")
		}
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithProcessConfig tunes the worker process started by `Spawn`.
func WithProcessConfig(cfg flow.ProcessConfig) Option {
	return func(c *config) error {
		if cfg.LogHandler == nil {
			cfg.LogHandler = c.logHandler
		}
		c.procCfg = cfg
		return nil
	}
}

// WithQUICConfig tunes the connection opened by `Dial`.
// The TLS configuration is mandatory.
func WithQUICConfig(cfg flow.QUICConfig) Option {
	return func(c *config) error {
		if cfg.TLSConfig == nil {
			return flow.ErrNoTLSConfig
		}
		if cfg.LogHandler == nil {
			cfg.LogHandler = c.logHandler
		}
		c.quicCfg = cfg
		return nil
	}
}

// WithWorkerOptions configures the worker run by `NewInProcess`.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(c *config) error {
		c.workerOpts = append(c.workerOpts, opts...)
		return nil
	}
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func buildConfig(opts []Option) (*config, error) {
	cfg := &config{}
	for _, opt := range append(defaultOptions(), opts...) {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return cfg, nil
}
