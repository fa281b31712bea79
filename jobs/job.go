// Package jobs tracks the lifecycle of asynchronous multi-step jobs. A job
// belongs to one topic, advances through an ordered list of named steps under
// a single-writer discipline, and ends in exactly one terminal status. Live
// observers see transitions as events on the job's topic; polling clients
// read snapshots from the registry.
package jobs

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is registered but no step has completed.
	StatusPending Status = "pending"

	// StatusRunning means at least one step has completed.
	StatusRunning Status = "running"

	// StatusSucceeded means all steps completed successfully. Terminal.
	StatusSucceeded Status = "succeeded"

	// StatusFailed means a step reported failure. Terminal.
	StatusFailed Status = "failed"

	// StatusCancelled means the job was cancelled before finishing. Terminal.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether the status is final. A terminal job is immutable
// except for being read.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a durable record of a multi-step asynchronous pipeline.
type Job struct {
	ID             string         `json:"id"`
	Topic          string         `json:"topic"`
	Steps          []string       `json:"steps"`
	CurrentStep    int            `json:"current_step"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NextStep returns the name of the next expected step, or "" when all steps
// have completed.
func (j Job) NextStep() string {
	if j.CurrentStep >= len(j.Steps) {
		return ""
	}
	return j.Steps[j.CurrentStep]
}

// Clone returns a deep copy so callers never share mutable state with the
// registry's record.
func (j Job) Clone() Job {
	out := j
	out.Steps = append([]string(nil), j.Steps...)
	if j.Result != nil {
		out.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	return out
}

// StepOutcome describes the result of one completed step.
type StepOutcome struct {
	// Output is recorded on the job when the final step completes.
	Output map[string]any

	// Failed marks the step (and therefore the job) as failed.
	Failed bool

	// Error is the failure description when Failed is set.
	Error string
}
