package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// StoreMetrics represents all metrics related to the Store
type StoreMetrics struct {
	transactionDurationMicro metric.Int64Histogram
	transactionDurationMs    metric.Int64Histogram
	counterAdjustments       metric.Int64Counter
	ctx                      context.Context
}

// NewStoreMetrics creates an instance of StoreMetrics
func NewStoreMetrics(ctx context.Context, meter metric.Meter) (*StoreMetrics, error) {
	transactionDurationMicro, err := meter.Int64Histogram("sshfleet.store.transaction.duration.micro",
		metric.WithUnit("microseconds"))
	if err != nil {
		return nil, err
	}

	transactionDurationMs, err := meter.Int64Histogram("sshfleet.store.transaction.duration.ms")
	if err != nil {
		return nil, err
	}

	counterAdjustments, err := meter.Int64Counter("sshfleet.store.server.counter.adjustments")
	if err != nil {
		return nil, err
	}

	return &StoreMetrics{
		transactionDurationMicro: transactionDurationMicro,
		transactionDurationMs:    transactionDurationMs,
		counterAdjustments:       counterAdjustments,
		ctx:                      ctx,
	}, nil
}

// CountTransactionDuration counts the duration of a store transaction
func (metrics *StoreMetrics) CountTransactionDuration(duration time.Duration) {
	metrics.transactionDurationMicro.Record(metrics.ctx, duration.Microseconds())
	metrics.transactionDurationMs.Record(metrics.ctx, duration.Milliseconds())
}

// CountCounterAdjustment counts an atomic change of a server's active account counter
func (metrics *StoreMetrics) CountCounterAdjustment() {
	metrics.counterAdjustments.Add(metrics.ctx, 1)
}
