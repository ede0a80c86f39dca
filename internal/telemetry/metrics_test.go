package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/otel"
)

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsBridge_RecordsLifecycleEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eventBus := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bridge := NewMetricsBridge(metrics, eventBus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for eventBus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	eventBus.Publish(bus.TopicLeaseAcquired, bus.LeaseEvent{RunID: "r1"})
	eventBus.Publish(bus.TopicLeaseContended, bus.LeaseEvent{RunID: "r2"})
	eventBus.Publish(bus.TopicLeaseReclaimed, bus.LeaseEvent{RunID: "r3"})
	eventBus.Publish(bus.TopicPlanRecovered, bus.RecoveryEvent{StepsReset: 2})
	eventBus.Publish(bus.TopicSessionDeployed, bus.SessionEvent{SessionID: "s1"})
	eventBus.Publish(bus.TopicGateResolved, bus.GateEvent{Rounds: 3})

	for time.Now().Before(deadline) {
		if counterValue(t, reader, "planhub.gate.roundtrips") == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	checks := map[string]int64{
		"planhub.lease.acquires":    1,
		"planhub.lease.contention":  1,
		"planhub.lease.reclaims":    1,
		"planhub.recovery.sweeps":   1,
		"planhub.recovery.steps":    2,
		"planhub.sessions.deployed": 1,
		"planhub.gate.roundtrips":   3,
	}
	for name, want := range checks {
		if got := counterValue(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}
