package jobs

import "context"

// Store persists job records. Implementations only need to be safe for
// concurrent reads; the registry serializes all writes.
type Store interface {
	// Put inserts or replaces a job record.
	Put(ctx context.Context, job Job) error

	// Get returns a job by id. The boolean reports presence.
	Get(ctx context.Context, id string) (Job, bool, error)

	// GetByIdempotencyKey returns the job created with the given key, if any.
	GetByIdempotencyKey(ctx context.Context, key string) (Job, bool, error)

	// List returns jobs for a topic, newest first. An empty topic lists all.
	List(ctx context.Context, topic string) ([]Job, error)
}
