// Package telemetry holds the label vocabulary shared by the metrics and
// structured logs of every minimux package.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelHash       TelemetryLabel = "hash"
	LabelConfigHash TelemetryLabel = "config_hash"
	LabelCause      TelemetryLabel = "cause"
	LabelWaiters    TelemetryLabel = "waiters"
	LabelPending    TelemetryLabel = "pending"
	LabelDuration   TelemetryLabel = "duration"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelTransport  TelemetryLabel = "transport"
	LabelKind       TelemetryLabel = "kind"
	LabelPID        TelemetryLabel = "pid"
	LabelCommand    TelemetryLabel = "cmd"
	LabelStream     TelemetryLabel = "stream"
	LabelStreamID   TelemetryLabel = "stream_id"
	LabelPanic      TelemetryLabel = "panic"
)

// M builds a metric label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L builds a structured log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns a copy of base extended by extra, never aliasing base.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
