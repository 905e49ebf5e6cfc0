package minimux

var (
	// MetricRequests counts calls to Minify.
	MetricRequests = []string{"minimux", "requests", "count"}
	// MetricDispatched counts requests actually sent to the worker.
	MetricDispatched = []string{"minimux", "requests", "dispatched", "count"}
	// MetricDeduplicated counts requests answered by a result already
	// in flight.
	MetricDeduplicated  = []string{"minimux", "requests", "deduplicated", "count"}
	MetricRejected      = []string{"minimux", "requests", "rejected", "count"}
	MetricDispatchError = []string{"minimux", "requests", "dispatch", "error", "count"}
	MetricResults       = []string{"minimux", "results", "count"}
	MetricWorkerErrors  = []string{"minimux", "results", "worker", "error", "count"}
	// MetricAbandoned counts callbacks failed because the connection
	// ended before their result arrived.
	MetricAbandoned          = []string{"minimux", "callbacks", "abandoned", "count"}
	MetricProtocolViolations = []string{"minimux", "protocol", "violations", "count"}
	MetricPendingHashes      = []string{"minimux", "pending", "hashes"}
	MetricWorkerQueueDepth   = []string{"minimux", "worker", "queue", "depth"}
	// MetricLatency is the time between the dispatch of a hash and the
	// delivery of its result, in milliseconds.
	MetricLatency           = []string{"minimux", "results", "latency", "ms"}
	MetricHandshakeDuration = []string{"minimux", "handshake", "duration", "ms"}
	MetricConnectionsClosed = []string{"minimux", "connections", "closed", "count"}
)
