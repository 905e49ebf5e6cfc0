// Package discovery lets coordinators find remote workers through a
// gossip cluster.
//
// Workers advertise the address of their QUIC listener and their
// configuration hash in their node metadata. Coordinators join the
// same cluster without advertising anything and pick a worker with
// [Directory.Pick].
package discovery

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/minimux/internal/telemetry"
)

var (
	ErrInvalidCfg  = errors.New("discovery: invalid config")
	ErrJoinCluster = errors.New("discovery: could not join any neighbour")
	ErrNoWorker    = errors.New("discovery: no worker available")
	ErrUnknownNode = errors.New("discovery: unknown worker")
	ErrShutdown    = errors.New("discovery: directory is shut down")
)

// Directory is the local view of the workers in the cluster.
type Directory struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	ml     *memberlist.Memberlist

	lk        sync.RWMutex
	workers   map[string]Worker
	localMeta []byte
	shutdown  bool
}

// Create starts the gossip protocol on the configured interface.
// Use `Join` to contact the neighbours.
func Create(opts ...Option) (*Directory, error) {
	cfg := &config{
		mlCfg: memberlist.DefaultLANConfig(),
	}

	defaults := []Option{
		WithMetricSink(nil),
		WithSyncTimeout(0),
	}

	for _, opt := range append(defaults, opts...) {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	logger := slog.New(cfg.logHandler).With(telemetry.LabelPeerName.L(cfg.mlCfg.Name))

	dir := &Directory{
		cfg:     cfg,
		logger:  logger,
		msink:   cfg.msink,
		workers: make(map[string]Worker),
	}

	if cfg.advertise != nil {
		dir.localMeta, _ = encodeMeta(*cfg.advertise)
	}

	cfg.mlCfg.Logger = slog.NewLogLogger(cfg.logHandler.WithGroup("memberlist"), slog.LevelDebug)
	cfg.mlCfg.Delegate = &meta{dir}
	cfg.mlCfg.Events = &gossip{dir}

	ml, err := memberlist.Create(cfg.mlCfg)
	if err != nil {
		return nil, err
	}
	dir.ml = ml

	logger.Info("gossip started", slog.String("gossip_addr", dir.GossipAddr()))
	return dir, nil
}

// Join contacts the configured neighbours. A directory without
// neighbours forms its own cluster and returns immediately.
func (d *Directory) Join() error {
	if len(d.cfg.neighbours) == 0 {
		return nil
	}

	joined, err := d.ml.Join(d.cfg.neighbours)
	if joined == 0 {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	if err != nil {
		d.logger.Warn("some neighbours could not be contacted", telemetry.LabelError.L(err))
	}
	d.logger.Info("joined cluster", slog.Int("contacted", joined))
	return nil
}

// LocalName is the name of this node in the cluster.
func (d *Directory) LocalName() string {
	return d.ml.LocalNode().Name
}

// GossipAddr is the address other nodes can use as a neighbour.
func (d *Directory) GossipAddr() string {
	return d.ml.LocalNode().Address()
}

// Advertise announces a worker listening on addr to the cluster.
// Calling it again replaces the previous advertisement.
func (d *Directory) Advertise(addr, configHash string) error {
	meta, err := encodeMeta(Advertisement{Addr: addr, ConfigHash: configHash})
	if err != nil {
		return err
	}

	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return ErrShutdown
	}
	d.localMeta = meta
	d.lk.Unlock()

	return d.ml.UpdateNode(d.cfg.syncTimeout)
}

// Workers returns the known workers sorted by name.
func (d *Directory) Workers() []Worker {
	d.lk.RLock()
	workers := make([]Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.lk.RUnlock()

	slices.SortFunc(workers, func(a, b Worker) int {
		return strings.Compare(a.Name, b.Name)
	})
	return workers
}

// Lookup returns the worker advertised by the node called name.
func (d *Directory) Lookup(name string) (Worker, error) {
	d.lk.RLock()
	defer d.lk.RUnlock()
	w, ok := d.workers[name]
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return w, nil
}

// Pick chooses a worker for key using rendezvous hashing, so the same key
// lands on the same worker as long as it is alive. An empty configHash
// accepts any worker.
func (d *Directory) Pick(key, configHash string) (Worker, error) {
	var (
		best      Worker
		bestScore uint64
		found     bool
	)

	for _, w := range d.Workers() {
		if configHash != "" && w.ConfigHash != configHash {
			continue
		}
		score := rendezvous(key, w.Name)
		if !found || score > bestScore {
			best, bestScore, found = w, score, true
		}
	}

	if !found {
		return Worker{}, ErrNoWorker
	}
	return best, nil
}

func rendezvous(key, node string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(node))
	return h.Sum64()
}

// Shutdown leaves the cluster gracefully then stops gossiping.
func (d *Directory) Shutdown() error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return nil
	}
	d.shutdown = true
	d.lk.Unlock()

	err := d.ml.Leave(d.cfg.syncTimeout)
	if err != nil {
		d.logger.Warn("could not leave the cluster gracefully", telemetry.LabelError.L(err))
	}
	return errors.Join(err, d.ml.Shutdown())
}
