// Package metrics instruments the sync engine with OpenTelemetry counters
// and histograms (§5/§9's observability notes). Every instrument is
// created against whatever otel.GetMeterProvider() currently returns, so a
// caller that never registers a real MeterProvider gets otel's built-in
// no-op implementation for free — the engine runs identically whether or
// not metrics are actually exported anywhere.
//
// Grounded on the attribute-tagged span/metric conventions used across the
// pack's own oriys-nova executor (attribute.String/attribute.Int key-value
// tagging), adapted here from tracing spans to metric instrument labels
// since this module's ambient stack calls for counters and histograms
// rather than distributed tracing.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "docsync/syncengine"

// Recorder holds every instrument the sync engine emits into during a
// reconciliation pass.
type Recorder struct {
	passesTotal      metric.Int64Counter
	passDuration     metric.Float64Histogram
	conflictsTotal   metric.Int64Counter
	documentsPulled  metric.Int64Counter
	documentsPushed  metric.Int64Counter
	documentsPaused  metric.Int64Counter
	documentsDesynced metric.Int64Counter
}

// New creates a Recorder backed by the globally registered MeterProvider.
// Instrument-creation errors are treated as non-fatal: an instrument that
// fails to be created is left nil and the matching Record method becomes a
// no-op, since metrics are an ambient concern that must never block
// synchronization.
func New() *Recorder {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	r := &Recorder{}
	r.passesTotal, _ = meter.Int64Counter("docsync.sync.passes_total",
		metric.WithDescription("Number of reconciliation passes run, by namespace and direction."))
	r.passDuration, _ = meter.Float64Histogram("docsync.sync.pass_duration_seconds",
		metric.WithDescription("Wall-clock duration of a single reconciliation pass."))
	r.conflictsTotal, _ = meter.Int64Counter("docsync.sync.conflicts_total",
		metric.WithDescription("Number of write/write conflicts routed to the resolver."))
	r.documentsPulled, _ = meter.Int64Counter("docsync.sync.documents_pulled_total",
		metric.WithDescription("Number of documents applied from the remote side to the local store."))
	r.documentsPushed, _ = meter.Int64Counter("docsync.sync.documents_pushed_total",
		metric.WithDescription("Number of documents pushed from the local store to the remote side."))
	r.documentsPaused, _ = meter.Int64Counter("docsync.sync.documents_paused_total",
		metric.WithDescription("Number of documents paused after an unrecoverable error."))
	r.documentsDesynced, _ = meter.Int64Counter("docsync.sync.documents_desynced_total",
		metric.WithDescription("Number of documents whose configuration was dropped entirely."))
	return r
}

func (r *Recorder) nsAttr(namespace string) attribute.KeyValue {
	return attribute.String("namespace", namespace)
}

// RecordPass records one completed reconciliation pass for namespace,
// tagging its direction ("r2l", "l2r", or "full" for a whole pass, which is
// what client.Client records) and wall-clock duration.
func (r *Recorder) RecordPass(ctx context.Context, namespace, direction string, durationSeconds float64) {
	attrs := metric.WithAttributes(r.nsAttr(namespace), attribute.String("direction", direction))
	if r.passesTotal != nil {
		r.passesTotal.Add(ctx, 1, attrs)
	}
	if r.passDuration != nil {
		r.passDuration.Record(ctx, durationSeconds, attrs)
	}
}

// RecordConflict records one document routed to the conflict resolver.
func (r *Recorder) RecordConflict(ctx context.Context, namespace string) {
	if r.conflictsTotal != nil {
		r.conflictsTotal.Add(ctx, 1, metric.WithAttributes(r.nsAttr(namespace)))
	}
}

// RecordPulled records one document applied from the remote side.
func (r *Recorder) RecordPulled(ctx context.Context, namespace string) {
	if r.documentsPulled != nil {
		r.documentsPulled.Add(ctx, 1, metric.WithAttributes(r.nsAttr(namespace)))
	}
}

// RecordPushed records one document pushed to the remote side.
func (r *Recorder) RecordPushed(ctx context.Context, namespace string) {
	if r.documentsPushed != nil {
		r.documentsPushed.Add(ctx, 1, metric.WithAttributes(r.nsAttr(namespace)))
	}
}

// RecordPaused records one document paused after an unrecoverable error.
func (r *Recorder) RecordPaused(ctx context.Context, namespace string) {
	if r.documentsPaused != nil {
		r.documentsPaused.Add(ctx, 1, metric.WithAttributes(r.nsAttr(namespace)))
	}
}

// RecordDesynced records one document whose configuration was dropped.
func (r *Recorder) RecordDesynced(ctx context.Context, namespace string) {
	if r.documentsDesynced != nil {
		r.documentsDesynced.Add(ctx, 1, metric.WithAttributes(r.nsAttr(namespace)))
	}
}
