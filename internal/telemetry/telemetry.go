// Package telemetry owns the OpenTelemetry instruments recorded around
// authorization decisions and policy reloads.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"github.com/samijaber1/aegis-authz/internal/policy"
)

const instrumentationName = "github.com/samijaber1/aegis-authz"

// Metrics records decision and reload instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions    metric.Int64Counter
	evalErrors   metric.Int64Counter
	evalDuration metric.Float64Histogram
	reloads      metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.decisions, err = meter.Int64Counter("authz.decisions",
		metric.WithDescription("Authorization decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.evalErrors, err = meter.Int64Counter("authz.evaluation_errors",
		metric.WithDescription("Policy conditions that failed to evaluate"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation error counter: %w", err)
	}

	m.evalDuration, err = meter.Float64Histogram("authz.evaluate.duration",
		metric.WithDescription("Time spent evaluating a request"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.reloads, err = meter.Int64Counter("authz.reloads",
		metric.WithDescription("Policy reload attempts by status"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reload counter: %w", err)
	}

	return m, nil
}

// RecordDecision counts a decision and its evaluation errors
func (m *Metrics) RecordDecision(ctx context.Context, transport string, d policy.AuthorizationDecision, elapsed time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("decision", string(d.Decision)),
		attribute.String("transport", transport),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.evalDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)

	for _, e := range d.Errors {
		m.evalErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("policy", e.Policy),
			attribute.String("effect", string(e.Effect)),
		))
	}
}

// RecordReload counts a reload attempt; status is "success", "failure" or "unchanged"
func (m *Metrics) RecordReload(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Tracer returns the tracer used for authorization spans
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Provider is an in-process meter provider read on demand
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
	metrics       *Metrics
}

// NewProvider creates a meter provider backed by a manual reader and
// registers it globally
func NewProvider() (*Provider, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := NewMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	otel.SetMeterProvider(mp)

	return &Provider{meterProvider: mp, reader: reader, metrics: metrics}, nil
}

// Metrics returns the instruments bound to this provider
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Snapshot collects the current value of every sum instrument, keyed by
// instrument name and then by a rendering of the data point attributes
func (p *Provider) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points := make(map[string]int64, len(data.DataPoints))
				for _, dp := range data.DataPoints {
					points[attributeKey(dp.Attributes)] += dp.Value
				}
				out[m.Name] = points
			case metricdata.Histogram[float64]:
				points := make(map[string]int64, len(data.DataPoints))
				for _, dp := range data.DataPoints {
					points[attributeKey(dp.Attributes)] += int64(dp.Count)
				}
				out[m.Name] = points
			}
		}
	}

	return out, nil
}

func attributeKey(set attribute.Set) string {
	if set.Len() == 0 {
		return "total"
	}
	return set.Encoded(attribute.DefaultEncoder())
}

// Shutdown flushes and stops the meter provider
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}
