package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mihaimyh/shoplingo/pkg/jobs"
)

// JobStore implements jobs.Store using in-memory maps.
type JobStore struct {
	mu     sync.Mutex
	byID   map[string]*jobs.Job
	byShop map[string][]*jobs.Job // creation order
}

var _ jobs.Store = (*JobStore)(nil)

// NewJobStore creates a new in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		byID:   make(map[string]*jobs.Job),
		byShop: make(map[string][]*jobs.Job),
	}
}

// CreateJob implements jobs.Store. The active-job check and the insert
// happen under the same lock so concurrent submissions admit exactly one
// non-terminal job per shop.
func (s *JobStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.Status.Terminal() {
		for _, existing := range s.byShop[job.Shop] {
			if !existing.Status.Terminal() {
				return jobs.ErrJobAlreadyRunning
			}
		}
	}

	stored := copyJob(job)
	s.byID[job.ID] = stored
	s.byShop[job.Shop] = append(s.byShop[job.Shop], stored)
	return nil
}

// SaveJob implements jobs.Store. The persisted cancelled flag is preserved:
// it may have been set by another instance after the caller's snapshot.
func (s *JobStore) SaveJob(ctx context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[job.ID]
	if !ok {
		return jobs.ErrJobNotFound
	}

	stored := copyJob(job)
	stored.Cancelled = stored.Cancelled || existing.Cancelled
	*existing = *stored
	return nil
}

// GetJob implements jobs.Store.
func (s *JobStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return copyJob(job), nil
}

// ActiveJob implements jobs.Store.
func (s *JobStore) ActiveJob(ctx context.Context, shop string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.byShop[shop] {
		if !job.Status.Terminal() {
			return copyJob(job), nil
		}
	}
	return nil, nil
}

// LatestJob implements jobs.Store.
func (s *JobStore) LatestJob(ctx context.Context, shop string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byShop[shop]
	if len(list) == 0 {
		return nil, nil
	}
	return copyJob(list[len(list)-1]), nil
}

// RequestCancel implements jobs.Store.
func (s *JobStore) RequestCancel(ctx context.Context, shop string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.byShop[shop] {
		if !job.Status.Terminal() {
			job.Cancelled = true
			return true, nil
		}
	}
	return false, nil
}

// Cancelled implements jobs.Store.
func (s *JobStore) Cancelled(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return false, jobs.ErrJobNotFound
	}
	return job.Cancelled, nil
}

// RunningJobs implements jobs.Store.
func (s *JobStore) RunningJobs(ctx context.Context) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*jobs.Job
	for _, job := range s.byID {
		if job.Status == jobs.JobRunning {
			running = append(running, copyJob(job))
		}
	}
	return running, nil
}

// Clear removes all data (useful for testing).
func (s *JobStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*jobs.Job)
	s.byShop = make(map[string][]*jobs.Job)
}

// copyJob deep-copies via the same JSON encoding the durable stores use,
// so in-memory behavior matches them exactly.
func copyJob(job *jobs.Job) *jobs.Job {
	raw, err := json.Marshal(job)
	if err != nil {
		clone := *job
		return &clone
	}
	var out jobs.Job
	if err := json.Unmarshal(raw, &out); err != nil {
		clone := *job
		return &clone
	}
	return &out
}
