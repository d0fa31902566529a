// Package internaltelemetry holds the metric instrument bundles recorded by
// gojowal components.
package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PartitionMetrics is shared by every partition on a server; each recording
// carries the partition id as an attribute.
type PartitionMetrics struct {
	Submitted          metric.Int64Counter
	Committed          metric.Int64Counter
	Conflicts          metric.Int64Counter
	StaleObservations  metric.Int64Counter
	Timeouts           metric.Int64Counter
	HighWaterMark      metric.Int64Gauge
	CommitLatency      metric.Float64Histogram
	ReplicaAppendError metric.Int64Counter
	ReplicaFlagged     metric.Int64Counter
	Recoveries         metric.Int64Counter
}

// NewPartitionMetrics registers the partition instruments on meter.
func NewPartitionMetrics(meter metric.Meter) (*PartitionMetrics, error) {
	var (
		m   PartitionMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Submitted, "gojowal.partition.submitted_total", "Transactions received by the partition leader."},
		{&m.Committed, "gojowal.partition.committed_total", "Transactions that reached a quorum."},
		{&m.Conflicts, "gojowal.partition.conflicts_total", "Transactions rejected by the conflict detector."},
		{&m.StaleObservations, "gojowal.partition.stale_observations_total", "Transactions whose observed high-water-mark fell below the conflict window."},
		{&m.Timeouts, "gojowal.partition.timeouts_total", "Submissions that timed out waiting for a quorum."},
		{&m.ReplicaAppendError, "gojowal.replica.append_errors_total", "Failed appends to a storage replica."},
		{&m.ReplicaFlagged, "gojowal.replica.flagged_total", "Replicas flagged after sustained failure."},
		{&m.Recoveries, "gojowal.partition.recoveries_total", "Completed partition recoveries."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1")); err != nil {
			return nil, err
		}
	}
	if m.HighWaterMark, err = meter.Int64Gauge("gojowal.partition.high_water_mark",
		metric.WithDescription("Last transaction id durable on a quorum.")); err != nil {
		return nil, err
	}
	if m.CommitLatency, err = meter.Float64Histogram("gojowal.partition.commit_latency",
		metric.WithDescription("Time from id assignment to quorum commit."), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NoopPartitionMetrics returns instruments that record nothing.
func NoopPartitionMetrics() *PartitionMetrics {
	m, _ := NewPartitionMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// Attrs is the attribute option for a partition.
func Attrs(partitionID int32) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("partition", int(partitionID)))
}

// ReplicaAttrs is the attribute option for a replica of a partition.
func ReplicaAttrs(partitionID int32, replica string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("partition", int(partitionID)), attribute.String("replica", replica))
}

// RecordHighWaterMark sets the gauge for a partition.
func (m *PartitionMetrics) RecordHighWaterMark(ctx context.Context, partitionID int32, hwm uint64) {
	m.HighWaterMark.Record(ctx, int64(hwm), Attrs(partitionID))
}
