package worker

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/minimux/pkg/flow"
	"google.golang.org/protobuf/types/known/structpb"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	codec        flow.Codec
	concurrency  int
	heartbeat    time.Duration
	bufferSize   uint
}

// Option to pass to `Serve` and `ListenAndServe`.
type Option func(*config) error

func buildConfig(opts []Option) (*config, error) {
	cfg := &config{}
	defaults := []Option{
		WithMetricSink(nil),
		WithCodec(nil),
		WithConcurrency(0),
		WithHeartbeat(0),
		WithBufferSize(0),
	}
	for _, opt := range append(defaults, opts...) {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the worker. Default to the global `metrics.Default()`.
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
// worker.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCodec must match the codec of the coordinator. Default to binary
// protobuf.
func WithCodec(codec flow.Codec) Option {
	return func(c *config) error {
		if codec == nil {
			codec = flow.NewProtoCodec[*structpb.Value](false)
		}
		c.codec = codec
		return nil
	}
}

// WithConcurrency bounds how many requests are minified at once.
// Default to the number of CPUs.
func WithConcurrency(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("concurrency must be positive, got %d", n)
		}
		if n == 0 {
			n = runtime.NumCPU()
		}
		c.concurrency = n
		return nil
	}
}

// WithHeartbeat controls how often the number of requests in flight is
// reported to the coordinator. Default to 5s, a negative period disables
// heartbeats.
func WithHeartbeat(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 5 * time.Second
		}
		c.heartbeat = period
		return nil
	}
}

// WithBufferSize controls how many messages are buffered in each
// direction. Default to 64.
func WithBufferSize(size uint) Option {
	return func(c *config) error {
		if size == 0 {
			size = 64
		}
		c.bufferSize = size
		return nil
	}
}
