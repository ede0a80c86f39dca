package telemetry

import (
	"context"
	"log/slog"

	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/otel"
)

// MetricsBridge turns lifecycle bus events into OTel metric increments.
// It subscribes to every topic; components stay metrics-agnostic and the
// bridge owns the topic-to-instrument mapping.
type MetricsBridge struct {
	metrics *otel.Metrics
	bus     *bus.Bus
	logger  *slog.Logger
}

func NewMetricsBridge(metrics *otel.Metrics, eventBus *bus.Bus, logger *slog.Logger) *MetricsBridge {
	return &MetricsBridge{
		metrics: metrics,
		bus:     eventBus,
		logger:  logger.With("component", "metrics"),
	}
}

// Run consumes bus events until the context is cancelled. Meant to be
// launched as a goroutine.
func (b *MetricsBridge) Run(ctx context.Context) {
	sub := b.bus.Subscribe("")
	defer b.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			b.record(ctx, ev)
		}
	}
}

func (b *MetricsBridge) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicLeaseAcquired, bus.TopicLeaseRenewed:
		b.metrics.LeaseAcquires.Add(ctx, 1)
	case bus.TopicLeaseContended:
		b.metrics.LeaseContention.Add(ctx, 1)
	case bus.TopicLeaseReclaimed:
		b.metrics.LeaseReclaims.Add(ctx, 1)
	case bus.TopicPlanRecovered:
		b.metrics.RecoverySweeps.Add(ctx, 1)
		if rec, ok := ev.Payload.(bus.RecoveryEvent); ok {
			b.metrics.StepsRecovered.Add(ctx, int64(rec.StepsReset))
		}
	case bus.TopicSessionDeployed:
		b.metrics.SessionsDeployed.Add(ctx, 1)
	case bus.TopicGateResolved:
		if gate, ok := ev.Payload.(bus.GateEvent); ok {
			b.metrics.GateRoundTrips.Add(ctx, int64(gate.Rounds))
		} else {
			b.metrics.GateRoundTrips.Add(ctx, 1)
		}
	}
}
