package trust

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "polis.trust"

var (
	metricsOnce    sync.Once
	metricsInitErr error
	trustMetrics   *metricsCollector
)

type metricsCollector struct {
	policyChanges  metric.Int64Counter
	policyFailures metric.Int64Counter
	pinnedExpiry   metric.Float64Gauge
}

func getMetrics() (*metricsCollector, error) {
	metricsOnce.Do(func() {
		trustMetrics, metricsInitErr = newMetricsCollector()
	})
	return trustMetrics, metricsInitErr
}

// ResetMetricsForTest drops the cached instruments so they are recreated
// against the current global MeterProvider. Test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	trustMetrics = nil
}

func newMetricsCollector() (*metricsCollector, error) {
	meter := otel.GetMeterProvider().Meter(meterName)
	c := &metricsCollector{}

	var err error
	c.policyChanges, err = meter.Int64Counter(
		"trust_policy_changes_total",
		metric.WithDescription("Total number of published trust policy changes"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	c.policyFailures, err = meter.Int64Counter(
		"trust_policy_failures_total",
		metric.WithDescription("Total number of trust policy changes that failed before publication"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	c.pinnedExpiry, err = meter.Float64Gauge(
		"trust_pinned_certificate_expiry_seconds",
		metric.WithDescription("Seconds until the pinned certificate expires"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func recordPolicyChange(ctx context.Context, p Policy) {
	c, err := getMetrics()
	if err != nil || c == nil {
		return
	}
	c.policyChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", p.Kind.String())))
	if p.Certificate != nil {
		c.pinnedExpiry.Record(ctx, time.Until(p.Certificate.NotAfter()).Seconds(),
			metric.WithAttributes(attribute.String("identity", p.Certificate.Identity())))
	}
}

func recordPolicyFailure(ctx context.Context, kind Kind, err error) {
	c, mErr := getMetrics()
	if mErr != nil || c == nil {
		return
	}
	c.policyFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", kind.String()),
		attribute.String("kind", string(KindOf(err))),
	))
}
