package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all planhub metric instruments.
type Metrics struct {
	LeaseAcquires     metric.Int64Counter
	LeaseContention   metric.Int64Counter
	LeaseReclaims     metric.Int64Counter
	RecoverySweeps    metric.Int64Counter
	StepsRecovered    metric.Int64Counter
	SessionsDeployed  metric.Int64Counter
	GateRoundTrips    metric.Int64Counter
	GateDuration      metric.Float64Histogram
	WebhookDeliveries metric.Int64Counter
	WebhookFailures   metric.Int64Counter
	WebhookDuration   metric.Float64Histogram
	QueueDepth        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LeaseAcquires, err = meter.Int64Counter("planhub.lease.acquires",
		metric.WithDescription("Successful lease acquisitions"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseContention, err = meter.Int64Counter("planhub.lease.contention",
		metric.WithDescription("Acquire attempts rejected because a live run holds the lease"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReclaims, err = meter.Int64Counter("planhub.lease.reclaims",
		metric.WithDescription("Stale leases forcibly reclaimed"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoverySweeps, err = meter.Int64Counter("planhub.recovery.sweeps",
		metric.WithDescription("Stale-run recovery sweeps that found work"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsRecovered, err = meter.Int64Counter("planhub.recovery.steps",
		metric.WithDescription("Plan steps reset by recovery"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsDeployed, err = meter.Int64Counter("planhub.sessions.deployed",
		metric.WithDescription("Agent instruction files materialized"),
	)
	if err != nil {
		return nil, err
	}

	m.GateRoundTrips, err = meter.Int64Counter("planhub.gate.roundtrips",
		metric.WithDescription("GUI decision-gate round trips including refinements"),
	)
	if err != nil {
		return nil, err
	}

	m.GateDuration, err = meter.Float64Histogram("planhub.gate.duration",
		metric.WithDescription("Decision-gate resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDeliveries, err = meter.Int64Counter("planhub.webhook.deliveries",
		metric.WithDescription("Webhook events delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookFailures, err = meter.Int64Counter("planhub.webhook.failures",
		metric.WithDescription("Webhook events that exhausted delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram("planhub.webhook.duration",
		metric.WithDescription("Webhook delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("planhub.webhook.queue_depth",
		metric.WithDescription("Events waiting in the webhook queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
