package worker

var (
	MetricSessions       = []string{"minimux", "worker", "sessions", "count"}
	MetricRequests       = []string{"minimux", "worker", "requests", "count"}
	MetricRequestErrors  = []string{"minimux", "worker", "requests", "error", "count"}
	MetricRequestPanics  = []string{"minimux", "worker", "requests", "panic", "count"}
	MetricInFlight       = []string{"minimux", "worker", "requests", "in_flight"}
	MetricMinifyDuration = []string{"minimux", "worker", "minify", "duration", "ms"}
)
