// Package telemetry owns metric export and the instruments shared across
// the decision path. Instrument registration failures are non-fatal; a nil
// instrument is never returned, callers record unconditionally.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

const meterName = "ddos-protection"

// Metrics holds the instruments recorded on the hot decision path.
type Metrics struct {
	Verdicts      metric.Int64Counter
	EvalLatency   metric.Float64Histogram
	Degraded      metric.Int64Counter
	QueueDropped  metric.Int64Counter
	SyncRetries   metric.Int64Counter
	SyncFailures  metric.Int64Counter
	CacheHits     metric.Int64Counter
	Transitions   metric.Int64Counter
	OverrideReads metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a
// shutdown function; on exporter failure the no-op provider stays in place
// so instruments still work locally.
func InitMetrics(ctx context.Context, service string) (func(context.Context) error, Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, NewMetrics()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, NewMetrics()
}

// NewMetrics creates the shared instruments against the current global
// meter provider.
func NewMetrics() Metrics {
	meter := otel.Meter(meterName)
	verdicts, _ := meter.Int64Counter("ddos_verdicts_total")
	evalLatency, _ := meter.Float64Histogram("ddos_decision_eval_seconds")
	degraded, _ := meter.Int64Counter("ddos_store_degraded_total")
	queueDropped, _ := meter.Int64Counter("ddos_queue_dropped_total")
	syncRetries, _ := meter.Int64Counter("ddos_mitigation_sync_retries_total")
	syncFailures, _ := meter.Int64Counter("ddos_mitigation_sync_failures_total")
	cacheHits, _ := meter.Int64Counter("ddos_verdict_cache_hits_total")
	transitions, _ := meter.Int64Counter("ddos_state_transitions_total")
	overrideReads, _ := meter.Int64Counter("ddos_override_short_circuits_total")
	return Metrics{
		Verdicts:      verdicts,
		EvalLatency:   evalLatency,
		Degraded:      degraded,
		QueueDropped:  queueDropped,
		SyncRetries:   syncRetries,
		SyncFailures:  syncFailures,
		CacheHits:     cacheHits,
		Transitions:   transitions,
		OverrideReads: overrideReads,
	}
}

// Flush drains the exporter with a bounded deadline during shutdown.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
