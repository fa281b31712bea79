package jobs

import "fmt"

// NotFoundError reports an unknown job id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("jobs: job %q not found", e.ID)
}

// DuplicateJobError reports an idempotency key collision. Callers should
// treat it as success and fetch the existing job.
type DuplicateJobError struct {
	Key        string
	ExistingID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("jobs: idempotency key %q already used by job %q", e.Key, e.ExistingID)
}

// OutOfOrderStepError reports an advance call whose step name does not match
// the job's next expected step. The job's state is left unchanged; under
// concurrent advance attempts only one wins and the other fails loudly.
type OutOfOrderStepError struct {
	JobID    string
	Expected string
	Got      string
}

func (e *OutOfOrderStepError) Error() string {
	return fmt.Sprintf("jobs: job %q expects step %q next, got %q", e.JobID, e.Expected, e.Got)
}

// JobTerminalError reports an advance attempt on a job that already reached
// a terminal status.
type JobTerminalError struct {
	JobID  string
	Status Status
}

func (e *JobTerminalError) Error() string {
	return fmt.Sprintf("jobs: job %q is already %s", e.JobID, e.Status)
}
