// Package otel records coordinator operations as OpenTelemetry metrics and
// spans.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/centralseq/coordinator"
)

// CoordinatorObserver translates coordinator observations into OpenTelemetry
// counters, histograms and one span per operation.
type CoordinatorObserver struct {
	tracer trace.Tracer

	operations    metric.Int64Counter
	duration      metric.Float64Histogram
	syncFailures  metric.Int64Counter
	resyncRecords metric.Int64Counter
}

// NewCoordinatorObserver creates an observer bound to the provided meter and
// tracer. tracer may be nil to record metrics only.
func NewCoordinatorObserver(meter metric.Meter, tracer trace.Tracer) (*CoordinatorObserver, error) {
	operations, err := meter.Int64Counter("centralseq.operations",
		metric.WithDescription("Number of sequence operations by outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("centralseq.operation.duration",
		metric.WithDescription("Duration of sequence operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	syncFailures, err := meter.Int64Counter("centralseq.sync.failures",
		metric.WithDescription("Number of operations whose index synchronization failed"),
	)
	if err != nil {
		return nil, err
	}
	resyncRecords, err := meter.Int64Counter("centralseq.resync.records",
		metric.WithDescription("Number of records re-mirrored by resync runs"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorObserver{
		tracer:        tracer,
		operations:    operations,
		duration:      duration,
		syncFailures:  syncFailures,
		resyncRecords: resyncRecords,
	}, nil
}

// ObserveOperation records one coordinator operation.
func (o *CoordinatorObserver) ObserveOperation(ctx context.Context, obs coordinator.OperationObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", obs.Operation),
		attribute.String("element_type", obs.ElementType),
		attribute.String("outcome", obs.Outcome),
	}
	options := metric.WithAttributes(attrs...)
	mctx := context.WithoutCancel(ctx)
	o.operations.Add(mctx, 1, options)
	o.duration.Record(mctx, obs.Duration.Seconds(), options)
	if obs.Degraded {
		o.syncFailures.Add(mctx, 1, metric.WithAttributes(
			attribute.String("operation", obs.Operation),
			attribute.String("element_type", obs.ElementType),
		))
	}
	if obs.Operation == coordinator.OpResync && obs.Records > 0 {
		o.resyncRecords.Add(mctx, int64(obs.Records), metric.WithAttributes(
			attribute.Bool("degraded", obs.Degraded),
		))
	}

	o.recordSpan(ctx, obs, attrs)
}

func (o *CoordinatorObserver) recordSpan(ctx context.Context, obs coordinator.OperationObservation, attrs []attribute.KeyValue) {
	if o.tracer == nil {
		return
	}
	spanAttrs := append(attrs,
		attribute.Int("records", obs.Records),
		attribute.Int("sync.attempts", obs.SyncAttempts),
		attribute.Bool("sync.degraded", obs.Degraded),
	)
	if obs.Key != "" {
		spanAttrs = append(spanAttrs, attribute.String("key", obs.Key))
	}
	if obs.Unconfirmed > 0 {
		spanAttrs = append(spanAttrs, attribute.Int("sync.unconfirmed", obs.Unconfirmed))
	}

	_, span := o.tracer.Start(ctx, "centralseq."+obs.Operation,
		trace.WithTimestamp(obs.Started),
		trace.WithAttributes(spanAttrs...),
	)
	switch {
	case obs.Err != nil:
		span.RecordError(obs.Err)
		span.SetStatus(codes.Error, obs.Outcome)
	case obs.Degraded:
		span.SetStatus(codes.Error, coordinator.OutcomeDegraded)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(obs.Started.Add(obs.Duration)))
}

var _ coordinator.Observer = (*CoordinatorObserver)(nil)
