package jobs

import (
	"context"
	"sort"
	"sync"
)

// MemStore is a thread-safe in-memory job store.
type MemStore struct {
	mu    sync.RWMutex
	jobs  map[string]Job // id -> record
	byKey map[string]string
}

// NewMemStore creates a new in-memory job store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:  make(map[string]Job),
		byKey: make(map[string]string),
	}
}

func (s *MemStore) Put(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	if job.IdempotencyKey != "" {
		s.byKey[job.IdempotencyKey] = job.ID
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false, nil
	}
	return job.Clone(), true, nil
}

func (s *MemStore) GetByIdempotencyKey(_ context.Context, key string) (Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return Job{}, false, nil
	}
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false, nil
	}
	return job.Clone(), true, nil
}

func (s *MemStore) List(_ context.Context, topic string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Job
	for _, job := range s.jobs {
		if topic != "" && job.Topic != topic {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
