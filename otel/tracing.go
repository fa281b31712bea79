// Package otel provides OpenTelemetry integration for Pulse broker events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/pulse/event"
)

// TracingHandler translates job lifecycle events into OpenTelemetry spans.
// Each job gets one span opened on job.created and closed on job.finished or
// job.cancelled; step completions and progress are recorded as span events.
//
// Handle is non-blocking and safe to register as a bus publish handler; span
// export happens asynchronously in the SDK's batch processor.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	jobSpans map[string]trace.Span // jobID -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from broker events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		jobSpans: make(map[string]trace.Span),
	}
}

// Handle processes a broker event and creates, annotates, or ends spans
// accordingly.
func (h *TracingHandler) Handle(e event.Event) {
	switch e.Kind {
	case event.KindJobCreated:
		h.handleJobCreated(e)
	case event.KindJobStepFinished, event.KindJobProgress:
		h.handleJobAnnotation(e)
	case event.KindJobFinished, event.KindJobCancelled:
		h.handleJobEnded(e)
	}
}

// handleJobCreated creates a root span for the job.
func (h *TracingHandler) handleJobCreated(e event.Event) {
	if e.JobID == "" {
		return
	}

	_, span := h.tracer.Start(context.Background(), "job:"+e.Topic,
		trace.WithAttributes(
			attribute.String("pulse.job_id", e.JobID),
			attribute.String("pulse.topic", e.Topic),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.jobSpans[e.JobID] = span
	h.mu.Unlock()
}

// handleJobAnnotation records step completions and progress as span events.
func (h *TracingHandler) handleJobAnnotation(e event.Event) {
	h.mu.RLock()
	span, ok := h.jobSpans[e.JobID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pulse.event_kind", string(e.Kind)),
	}
	if step, found := e.Payload["step"]; found {
		if s, ok := step.(string); ok {
			attrs = append(attrs, attribute.String("pulse.step", s))
		}
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleJobEnded ends the job span with the terminal status.
func (h *TracingHandler) handleJobEnded(e event.Event) {
	h.mu.Lock()
	span, ok := h.jobSpans[e.JobID]
	if ok {
		delete(h.jobSpans, e.JobID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status := "cancelled"
	if e.Kind == event.KindJobFinished {
		status = ""
		if s, found := e.Payload["status"]; found {
			if str, ok := s.(string); ok {
				status = str
			}
		}
	}
	span.SetAttributes(attribute.String("pulse.status", status))

	if status == "failed" {
		errMsg := "job failed"
		if msg, found := e.Payload["error"]; found {
			if s, ok := msg.(string); ok && s != "" {
				errMsg = s
			}
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(e.Time))
}

// ActiveJobSpanContext returns the SpanContext for the active job span.
// Returns an empty SpanContext if the job has no open span.
func (h *TracingHandler) ActiveJobSpanContext(jobID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.jobSpans[jobID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
