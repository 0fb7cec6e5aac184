// Package telemetry wires OpenTelemetry exporters and meters for polis-trust.
//
// Traces are exported over OTLP/gRPC, authenticated with the TLS policy of a
// trust.ConnectionFactory so the collector connection obeys the same trust
// decision as every other outbound connection. Metrics recorded through the
// otel API are exposed on a Prometheus registry.
package telemetry
