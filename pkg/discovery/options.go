package discovery

import (
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type config struct {
	mlCfg        *memberlist.Config
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	advertise    *Advertisement
	syncTimeout  time.Duration
}

// Option to pass to `Create`.
type Option func(*config) error

// WithListenOn specifies which interface the gossip protocol uses, on both
// UDP and TCP. A zero port picks a free one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithNodeName specifies the name exposed to other nodes. For a
// well-behaving cluster, the name MUST be unique. Default to the hostname.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithNeighbours controls which nodes are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithAdvertise makes the node announce a worker from the start.
func WithAdvertise(ad Advertisement) Option {
	return func(c *config) error {
		if _, err := encodeMeta(ad); err != nil {
			return err
		}
		c.advertise = &ad
		return nil
	}
}

// WithLocalNetwork tunes gossip timings for nodes on the same host or
// a fast local network, typically tests.
func WithLocalNetwork() Option {
	return func(c *config) error {
		local := memberlist.DefaultLocalConfig()
		c.mlCfg.ProbeInterval = local.ProbeInterval
		c.mlCfg.ProbeTimeout = local.ProbeTimeout
		c.mlCfg.GossipInterval = local.GossipInterval
		c.mlCfg.PushPullInterval = local.PushPullInterval
		c.mlCfg.TCPTimeout = local.TCPTimeout
		c.mlCfg.SuspicionMult = local.SuspicionMult
		c.mlCfg.IndirectChecks = local.IndirectChecks
		c.mlCfg.RetransmitMult = local.RetransmitMult
		return nil
	}
}

// WithSyncTimeout bounds how long Advertise and Shutdown wait for the
// cluster to acknowledge them. Default to 5s.
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("sync timeout must be positive, got %s", timeout)
		}
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.syncTimeout = timeout
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the directory. Default to the global `metrics.Default()`.
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
// directory and by memberlist.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still reports through the armon fork.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}
