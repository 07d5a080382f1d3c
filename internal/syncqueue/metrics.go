// internal/syncqueue/metrics.go
package syncqueue

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes queue depth as observable gauges on meter.
func RegisterMetrics(meter metric.Meter, q Service) (metric.Registration, error) {
	pending, err := meter.Int64ObservableGauge("firetrack.sync.pending",
		metric.WithDescription("Operations waiting for delivery"))
	if err != nil {
		return nil, err
	}
	dead, err := meter.Int64ObservableGauge("firetrack.sync.dead_letters",
		metric.WithDescription("Operations rejected by the backend"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		st := q.Status()
		o.ObserveInt64(pending, int64(st.Pending))
		o.ObserveInt64(dead, int64(st.DeadLetters))
		return nil
	}, pending, dead)
}
