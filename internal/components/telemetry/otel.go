package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OtelAPI forwards every report to an inner API and mirrors it as otel metrics:
// broken/warning reports increment a counter keyed by id, counts are recorded on a gauge.
type OtelAPI struct {
	inner   API
	reports metric.Int64Counter
	counts  metric.Int64Gauge
}

// NewOtelAPI creates an OtelAPI using the global meter provider.
func NewOtelAPI(meterName string, inner API) (OtelAPI, error) {
	meter := otel.Meter(meterName)
	reports, err := meter.Int64Counter(
		"reports",
		metric.WithDescription("number of broken and warning reports by component id"),
	)
	if err != nil {
		return OtelAPI{}, err
	}
	counts, err := meter.Int64Gauge(
		"counts",
		metric.WithDescription("point-in-time counts reported by components"),
	)
	if err != nil {
		return OtelAPI{}, err
	}
	return OtelAPI{inner: inner, reports: reports, counts: counts}, nil
}

func (o OtelAPI) ReportBroken(id string, params ...any) {
	o.reports.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", "broken"),
		attribute.String("id", id),
	))
	o.inner.ReportBroken(id, params...)
}

func (o OtelAPI) ReportWarning(id string, params ...any) {
	o.reports.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", "warning"),
		attribute.String("id", id),
	))
	o.inner.ReportWarning(id, params...)
}

func (o OtelAPI) ReportDebug(msg string, params ...any) {
	o.inner.ReportDebug(msg, params...)
}

func (o OtelAPI) ReportCount(id string, count int64) {
	o.counts.Record(context.Background(), count, metric.WithAttributes(
		attribute.String("id", id),
	))
	o.inner.ReportCount(id, count)
}
