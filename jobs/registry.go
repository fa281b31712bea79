package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/pulse/event"
)

// EventPublisher publishes job transition events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the registry to
// distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(e event.Event) event.Event
}

// RegistryConfig configures a Registry instance.
type RegistryConfig struct {
	// Store persists job records (default: in-memory).
	Store Store

	// Publisher receives job transition events (optional).
	Publisher EventPublisher

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Registry tracks the lifecycle state of asynchronous multi-step jobs. All
// mutations go through the registry's lock, enforcing the single-writer-per-
// job discipline; reads return snapshot copies so polling clients always see
// a well-formed record.
type Registry struct {
	store  Store
	pub    EventPublisher
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	changed map[string]chan struct{} // job id -> closed on next transition
}

// NewRegistry creates a new job registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	store := cfg.Store
	if store == nil {
		store = NewMemStore()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		pub:     cfg.Publisher,
		now:     now,
		logger:  logger,
		changed: make(map[string]chan struct{}),
	}
}

// Create registers a job in Pending status and returns it. Producers may
// supply an idempotency key to make retried submissions safe: a key collision
// fails with *DuplicateJobError carrying the existing job's id.
func (r *Registry) Create(ctx context.Context, topic string, steps []string, idempotencyKey string) (Job, error) {
	if topic == "" {
		return Job{}, errors.New("jobs: topic is required")
	}
	if len(steps) == 0 {
		return Job{}, errors.New("jobs: at least one step is required")
	}
	for i, step := range steps {
		if step == "" {
			return Job{}, fmt.Errorf("jobs: step %d has an empty name", i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idempotencyKey != "" {
		existing, ok, err := r.store.GetByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return Job{}, fmt.Errorf("jobs: idempotency lookup: %w", err)
		}
		if ok {
			return Job{}, &DuplicateJobError{Key: idempotencyKey, ExistingID: existing.ID}
		}
	}

	now := r.now()
	job := Job{
		ID:             uuid.NewString(),
		Topic:          topic,
		Steps:          append([]string(nil), steps...),
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Put(ctx, job); err != nil {
		return Job{}, fmt.Errorf("jobs: store job: %w", err)
	}

	r.publish(event.New(topic, event.KindJobCreated).
		WithJob(job.ID).
		WithPayload("steps", job.Steps))

	return job.Clone(), nil
}

// Advance is the sole mutation entry point for running jobs. It validates
// that stepName matches the job's next expected step, records the outcome,
// and publishes the transition on the job's topic. A terminal outcome
// (failure, or success of the final step) freezes the record.
func (r *Registry) Advance(ctx context.Context, jobID, stepName string, outcome StepOutcome) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok, err := r.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: load job: %w", err)
	}
	if !ok {
		return Job{}, &NotFoundError{ID: jobID}
	}
	if job.Status.Terminal() {
		return Job{}, &JobTerminalError{JobID: jobID, Status: job.Status}
	}
	if expected := job.NextStep(); stepName != expected {
		return Job{}, &OutOfOrderStepError{JobID: jobID, Expected: expected, Got: stepName}
	}

	job.CurrentStep++
	job.UpdatedAt = r.now()

	switch {
	case outcome.Failed:
		job.Status = StatusFailed
		job.Error = outcome.Error
	case job.CurrentStep == len(job.Steps):
		job.Status = StatusSucceeded
		job.Result = outcome.Output
	default:
		job.Status = StatusRunning
	}

	if err := r.store.Put(ctx, job); err != nil {
		return Job{}, fmt.Errorf("jobs: store job: %w", err)
	}

	r.publish(event.New(job.Topic, event.KindJobStepFinished).
		WithJob(job.ID).
		WithPayload("step", stepName).
		WithPayload("index", job.CurrentStep-1).
		WithPayload("failed", outcome.Failed))

	if job.Status.Terminal() {
		finished := event.New(job.Topic, event.KindJobFinished).
			WithJob(job.ID).
			WithPayload("status", job.Status.String())
		if job.Error != "" {
			finished = finished.WithPayload("error", job.Error)
		}
		r.publish(finished)
	}

	r.notifyLocked(jobID)
	return job.Clone(), nil
}

// Get returns a read-only snapshot of a job.
func (r *Registry) Get(ctx context.Context, jobID string) (Job, error) {
	job, ok, err := r.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: load job: %w", err)
	}
	if !ok {
		return Job{}, &NotFoundError{ID: jobID}
	}
	return job, nil
}

// List returns jobs for a topic, newest first. An empty topic lists all.
func (r *Registry) List(ctx context.Context, topic string) ([]Job, error) {
	jobs, err := r.store.List(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("jobs: list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel transitions a job to Cancelled unless it is already terminal, in
// which case it is a no-op. Cancellation is idempotent and never errors on
// a repeated call. In-flight workers discover the cancellation when their
// next Advance fails with *JobTerminalError.
func (r *Registry) Cancel(ctx context.Context, jobID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok, err := r.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: load job: %w", err)
	}
	if !ok {
		return Job{}, &NotFoundError{ID: jobID}
	}
	if job.Status.Terminal() {
		return job, nil
	}

	job.Status = StatusCancelled
	job.UpdatedAt = r.now()
	if err := r.store.Put(ctx, job); err != nil {
		return Job{}, fmt.Errorf("jobs: store job: %w", err)
	}

	r.publish(event.New(job.Topic, event.KindJobCancelled).WithJob(job.ID))
	r.notifyLocked(jobID)
	return job.Clone(), nil
}

// Wait blocks until the job changes after the given point in time, the job is
// terminal, or the context is done, and returns the current snapshot. It is
// the long-poll primitive behind GET /api/jobs/{id}/wait.
func (r *Registry) Wait(ctx context.Context, jobID string, since time.Time) (Job, error) {
	for {
		ch := r.changeChan(jobID)

		job, err := r.Get(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Status.Terminal() || job.UpdatedAt.After(since) {
			return job, nil
		}

		select {
		case <-ch:
			// Re-read the snapshot.
		case <-ctx.Done():
			return job, nil
		}
	}
}

func (r *Registry) changeChan(jobID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.changed[jobID]
	if !ok {
		ch = make(chan struct{})
		r.changed[jobID] = ch
	}
	return ch
}

// notifyLocked wakes all waiters for a job. Callers must hold r.mu.
func (r *Registry) notifyLocked(jobID string) {
	if ch, ok := r.changed[jobID]; ok {
		close(ch)
		delete(r.changed, jobID)
	}
}

func (r *Registry) publish(e event.Event) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(e)
}
