package discovery

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/minimux/internal/telemetry"
)

var (
	MetricWorkersJoined  = []string{"minimux", "discovery", "workers", "joined", "count"}
	MetricWorkersLeft    = []string{"minimux", "discovery", "workers", "left", "count"}
	MetricWorkersUpdated = []string{"minimux", "discovery", "workers", "updated", "count"}
	MetricInvalidMeta    = []string{"minimux", "discovery", "meta", "invalid", "count"}
	MetricWorkersKnown   = []string{"minimux", "discovery", "workers", "known"}
)

// gossip keeps the directory in sync with the cluster membership.
// memberlist calls it synchronously, it must not block.
type gossip struct {
	dir *Directory
}

var _ memberlist.EventDelegate = (*gossip)(nil)

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	logger := withLogNode(g.dir.logger, node)
	logger.Debug("node joined cluster")
	g.upsert(logger, node, MetricWorkersJoined)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	logger := withLogNode(g.dir.logger, node)
	logger.Debug("node updated")
	g.upsert(logger, node, MetricWorkersUpdated)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.dir.logger, node)
	logger.Debug("node left cluster")

	dir := g.dir
	dir.lk.Lock()
	_, known := dir.workers[node.Name]
	delete(dir.workers, node.Name)
	count := len(dir.workers)
	dir.lk.Unlock()

	if known {
		logger.Info("worker left")
		dir.msink.IncrCounterWithLabels(MetricWorkersLeft, 1, dir.cfg.metricLabels)
		dir.msink.SetGaugeWithLabels(MetricWorkersKnown, float32(count), dir.cfg.metricLabels)
	}
}

func (g *gossip) upsert(logger *slog.Logger, node *memberlist.Node, metric []string) {
	dir := g.dir
	w, isWorker, err := decodeMeta(node)
	if err != nil {
		logger.Warn("ignoring node with invalid metadata", telemetry.LabelError.L(err))
		dir.msink.IncrCounterWithLabels(MetricInvalidMeta, 1, dir.cfg.metricLabels)
	}

	dir.lk.Lock()
	_, wasWorker := dir.workers[node.Name]
	if isWorker {
		dir.workers[node.Name] = w
	} else {
		// a worker may stop advertising.
		delete(dir.workers, node.Name)
	}
	count := len(dir.workers)
	dir.lk.Unlock()

	switch {
	case isWorker:
		logger.Info("worker available", slog.Any("worker", w))
		dir.msink.IncrCounterWithLabels(metric, 1, dir.cfg.metricLabels)
	case wasWorker:
		logger.Info("worker withdrawn")
		dir.msink.IncrCounterWithLabels(MetricWorkersLeft, 1, dir.cfg.metricLabels)
	default:
		return
	}
	dir.msink.SetGaugeWithLabels(MetricWorkersKnown, float32(count), dir.cfg.metricLabels)
}

// meta serves the local advertisement to memberlist.
type meta struct {
	dir *Directory
}

var _ memberlist.Delegate = (*meta)(nil)

func (m *meta) NodeMeta(limit int) []byte {
	m.dir.lk.RLock()
	defer m.dir.lk.RUnlock()
	if len(m.dir.localMeta) > limit {
		return nil
	}
	return m.dir.localMeta
}

func (m *meta) NotifyMsg([]byte) {}
func (m *meta) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *meta) LocalState(join bool) []byte { return nil }
func (m *meta) MergeRemoteState(buf []byte, join bool) {}
