package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics owns the Prometheus registry the process exposes and the otel
// meter provider feeding it.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	configReloads *prometheus.CounterVec
}

// SetupMetrics installs a global meter provider exporting to a fresh
// Prometheus registry. Instruments created through otel.Meter, including the
// trust package's, are served by Handler.
func SetupMetrics(ctx context.Context, cfg Config) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		registry: registry,
		provider: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_trust_config_reloads_total",
				Help: "Total number of configuration reloads by result",
			},
			[]string{"result"},
		),
	}
	registry.MustRegister(m.configReloads)

	otel.SetMeterProvider(m.provider)
	return m, nil
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordConfigReload counts a configuration reload attempt.
func (m *Metrics) RecordConfigReload(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if err := m.provider.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return err
	}
	return nil
}
