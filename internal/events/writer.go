// Package events emits the structured log lines and metrics that accompany
// every governance decision.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"aimdrag/internal/domain"
)

// Event types.
const (
	TypeAdmitted = "admission.admitted"
	TypeRejected = "admission.rejected"
	TypeRecorded = "outcome.recorded"
	TypeIncident = "audit.incident"
	TypeLanguage = "language.detected"
)

type Payload map[string]any

type Writer struct {
	Logger *slog.Logger

	requests   metric.Int64Counter
	failures   metric.Int64Counter
	entries    metric.Int64Counter
	detections metric.Int64Counter
	incidents  metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewWriter registers instruments on meter, or on the global meter provider
// when meter is nil.
func NewWriter(logger *slog.Logger, meter metric.Meter) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter("aimdrag")
	}
	w := &Writer{Logger: logger}
	var err error
	if w.requests, err = meter.Int64Counter("aimdrag.requests.total",
		metric.WithDescription("Governed requests by mode and outcome"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("requests counter: %w", err)
	}
	if w.failures, err = meter.Int64Counter("aimdrag.validation_failures.total",
		metric.WithDescription("Rejections by reason"),
		metric.WithUnit("{rejection}")); err != nil {
		return nil, fmt.Errorf("failures counter: %w", err)
	}
	if w.entries, err = meter.Int64Counter("aimdrag.audit_entries.total",
		metric.WithDescription("Audit records appended by outcome"),
		metric.WithUnit("{record}")); err != nil {
		return nil, fmt.Errorf("entries counter: %w", err)
	}
	if w.detections, err = meter.Int64Counter("aimdrag.prescriptive_language.total",
		metric.WithDescription("Forbidden phrase occurrences by category"),
		metric.WithUnit("{phrase}")); err != nil {
		return nil, fmt.Errorf("detections counter: %w", err)
	}
	if w.incidents, err = meter.Int64Counter("aimdrag.audit_incidents.total",
		metric.WithDescription("Audit sink failures and integrity incidents"),
		metric.WithUnit("{incident}")); err != nil {
		return nil, fmt.Errorf("incidents counter: %w", err)
	}
	if w.duration, err = meter.Float64Histogram("aimdrag.workflow.duration",
		metric.WithDescription("Reported workflow duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300)); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	return w, nil
}

// Append logs one committed audit record and updates the counters for it.
// reason is the rejection reason, empty otherwise.
func (w *Writer) Append(ctx context.Context, evtType string, rec domain.AuditRecord, reason string) {
	mode := attribute.String("mode", string(rec.Mode))
	outcome := attribute.String("outcome", string(rec.Outcome))
	w.requests.Add(ctx, 1, metric.WithAttributes(mode, outcome))
	w.entries.Add(ctx, 1, metric.WithAttributes(outcome))

	attrs := []any{
		slog.String("event", evtType),
		slog.String("trace_id", rec.TraceID),
		slog.String("actor", rec.Declaration.Actor.Name),
		slog.String("drag_mode", string(rec.Mode)),
		slog.String("workflow_name", rec.WorkflowName),
		slog.String("outcome", string(rec.Outcome)),
		slog.Uint64("sequence", rec.Sequence),
	}
	if rec.Caller != "" {
		attrs = append(attrs, slog.String("caller", rec.Caller))
	}
	if d, ok := rec.Duration(); ok {
		attrs = append(attrs, slog.Int64("duration_ms", d.Milliseconds()))
		w.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("workflow", rec.WorkflowName)))
	}
	level := slog.LevelInfo
	if rec.Outcome == domain.OutcomeRejected || rec.Outcome == domain.OutcomeFailure {
		level = slog.LevelWarn
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
		w.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", evtType)))
	}
	if len(rec.Violations) > 0 {
		attrs = append(attrs, slog.Any("violations", rec.Violations))
	}
	w.Logger.Log(ctx, level, "governance decision", attrs...)
}

// Detected counts forbidden phrases found in one output.
func (w *Writer) Detected(ctx context.Context, traceID, category string, count int) {
	w.detections.Add(ctx, int64(count), metric.WithAttributes(attribute.String("category", category)))
	w.Logger.LogAttrs(ctx, slog.LevelWarn, "prescriptive language detected",
		slog.String("event", TypeLanguage),
		slog.String("trace_id", traceID),
		slog.String("category", category),
		slog.Int("count", count))
}

// Incident reports an audit failure that operators must look at.
func (w *Writer) Incident(ctx context.Context, kind, traceID string, err error, payload Payload) {
	w.incidents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	attrs := []any{
		slog.String("event", TypeIncident),
		slog.String("kind", kind),
		slog.String("trace_id", traceID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	for k, v := range payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	w.Logger.Log(ctx, slog.LevelError, "audit incident", attrs...)
}
