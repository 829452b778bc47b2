package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	DepositTransitions metric.Int64Counter
	DepositOutcomes    metric.Int64Counter
	Approvals          metric.Int64Counter
	ConfirmationWait   metric.Float64Histogram
	LedgerWrites       metric.Int64Counter
	AccrualSessions    metric.Int64UpDownCounter
}

// Setup registers the meter provider with a Prometheus exporter and returns
// the scrape handler.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.HTTPRequests, err = meter.Int64Counter(
		"lq_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.HTTPDuration, err = meter.Float64Histogram(
		"lq_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter(
		"lq_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter(
		"lq_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	); err != nil {
		return nil, err
	}
	if m.ActiveConnections, err = meter.Int64UpDownCounter(
		"lq_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	); err != nil {
		return nil, err
	}
	if m.DepositTransitions, err = meter.Int64Counter(
		"lq_deposit_transitions_total",
		metric.WithDescription("Deposit state machine transitions"),
	); err != nil {
		return nil, err
	}
	if m.DepositOutcomes, err = meter.Int64Counter(
		"lq_deposit_outcomes_total",
		metric.WithDescription("Terminal deposit outcomes by kind"),
	); err != nil {
		return nil, err
	}
	if m.Approvals, err = meter.Int64Counter(
		"lq_approvals_total",
		metric.WithDescription("Token approval attempts by result"),
	); err != nil {
		return nil, err
	}
	if m.ConfirmationWait, err = meter.Float64Histogram(
		"lq_confirmation_wait_seconds",
		metric.WithDescription("Time spent waiting for transaction confirmation"),
	); err != nil {
		return nil, err
	}
	if m.LedgerWrites, err = meter.Int64Counter(
		"lq_ledger_writes_total",
		metric.WithDescription("Ledger reconciliation writes by result"),
	); err != nil {
		return nil, err
	}
	if m.AccrualSessions, err = meter.Int64UpDownCounter(
		"lq_accrual_sessions",
		metric.WithDescription("Number of running accrual simulations"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", keyFamily(key))))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", keyFamily(key))))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.DepositTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordOutcome counts a terminal deposit state. kind is empty on success.
func (m *Metrics) RecordOutcome(ctx context.Context, state, kind string) {
	m.DepositOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordApproval(ctx context.Context, result string) {
	m.Approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordConfirmationWait(ctx context.Context, kind string, d time.Duration) {
	m.ConfirmationWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordLedgerWrite(ctx context.Context, result string) {
	m.LedgerWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) AccrualStarted(ctx context.Context) {
	m.AccrualSessions.Add(ctx, 1)
}

func (m *Metrics) AccrualStopped(ctx context.Context) {
	m.AccrualSessions.Add(ctx, -1)
}

// keyFamily trims a cache key to its first two segments so per-user keys
// don't explode label cardinality.
func keyFamily(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return key
	}
	return parts[0] + ":" + parts[1]
}
