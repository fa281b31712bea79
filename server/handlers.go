package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/pulse/event"
	"github.com/petal-labs/pulse/gateway"
	"github.com/petal-labs/pulse/jobs"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 120 * time.Second
)

// eventJSON is the wire representation of an event.
type eventJSON struct {
	Topic   string         `json:"topic"`
	Seq     uint64         `json:"seq"`
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id,omitempty"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toEventJSON(e event.Event) eventJSON {
	return eventJSON{
		Topic:   e.Topic,
		Seq:     e.Seq,
		Kind:    string(e.Kind),
		JobID:   e.JobID,
		Time:    e.Time,
		Payload: e.Payload,
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitEvent accepts a producer event for a topic.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	var req gateway.EventRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}

	published, err := s.gateway.SubmitEvent(r.Context(), topic, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRejected(topic, rejectionReason(err))
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toEventJSON(published))
}

// handleListEvents serves cursor-based polling over a topic's buffered
// history.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if err := gateway.ValidateTopic(topic); err != nil {
		writeDomainError(w, err)
		return
	}

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid after parameter")
			return
		}
		after = parsed
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid limit parameter")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	events, err := s.bus.List(topic, after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, toEventJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     out,
		"latest_seq": s.bus.LatestSeq(topic),
	})
}

// handleCreateJob registers a new job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req gateway.JobRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}

	job, err := s.gateway.SubmitJob(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs lists jobs, optionally filtered by topic.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	list, err := s.registry.List(r.Context(), topic)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleGetJob returns a job snapshot.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Get(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWaitJob long-polls until the job transitions or the timeout fires.
// On timeout the current snapshot is returned with 200.
func (s *Server) handleWaitJob(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid timeout parameter")
			return
		}
		timeout = min(parsed, maxWaitTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	job, err := s.registry.Wait(ctx, r.PathValue("job_id"), time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// advanceRequest is the body for the advance operation.
type advanceRequest struct {
	Step   string         `json:"step"`
	Output map[string]any `json:"output,omitempty"`
	Failed bool           `json:"failed,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// handleAdvanceJob reports completion of the job's current step.
func (s *Server) handleAdvanceJob(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if req.Step == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "step is required")
		return
	}

	job, err := s.registry.Advance(r.Context(), r.PathValue("job_id"), req.Step, jobs.StepOutcome{
		Output: req.Output,
		Failed: req.Failed,
		Error:  req.Error,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a job. Cancelling an already-terminal job is a
// no-op returning the current snapshot.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Cancel(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// decodeBody decodes a JSON request body, writing the error response itself
// when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return err
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return err
	}
	return nil
}

func rejectionReason(err error) string {
	var rateErr *gateway.RateLimitError
	if errors.As(err, &rateErr) {
		return "rate_limit"
	}
	return "validation"
}
