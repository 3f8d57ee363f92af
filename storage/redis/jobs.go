package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/shoplingo/pkg/jobs"
)

// JobStore is a Redis-backed jobs.Store.
//
// Jobs are stored as JSON blobs. The cancelled flag additionally lives in its
// own key so that a concurrent SaveJob from the run loop, working from a
// snapshot taken before the cancel, cannot clear it.
type JobStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ jobs.Store = (*JobStore)(nil)

// JobStoreOption configures JobStore.
type JobStoreOption func(*JobStore)

// WithJobKeyPrefix sets the Redis key prefix (default "shoplingo:jobs:").
func WithJobKeyPrefix(prefix string) JobStoreOption {
	return func(s *JobStore) { s.keyPrefix = prefix }
}

// NewJobStore creates a Redis-backed job store.
func NewJobStore(client goredis.Cmdable, opts ...JobStoreOption) *JobStore {
	s := &JobStore{
		client:    client,
		keyPrefix: "shoplingo:jobs:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *JobStore) jobKey(id string) string      { return s.keyPrefix + "job:" + id }
func (s *JobStore) shopKey(shop string) string   { return s.keyPrefix + "shop:" + shop }
func (s *JobStore) cancelKey(id string) string   { return s.keyPrefix + "cancel:" + id }
func (s *JobStore) activeKey(shop string) string { return s.keyPrefix + "active:" + shop }
func (s *JobStore) runningKey() string           { return s.keyPrefix + "running" }

// createJobScript persists a job. For a non-terminal job the shop's active
// claim key is taken in the same script, so concurrent creates from any
// number of instances admit exactly one active job per shop.
// KEYS[1] = active key, KEYS[2] = job key, KEYS[3] = shop list,
// KEYS[4] = running set
// ARGV[1] = job id, ARGV[2] = job JSON, ARGV[3] = "1" when terminal
//
// Returns: 1 created, 0 shop already has an active job.
var createJobScript = goredis.NewScript(`
if ARGV[3] == "0" then
    if redis.call("EXISTS", KEYS[1]) == 1 then
        return 0
    end
    redis.call("SET", KEYS[1], ARGV[1])
    redis.call("SADD", KEYS[4], ARGV[1])
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[1])
return 1
`)

// releaseActiveScript drops the shop's active claim, but only while it still
// belongs to the finishing job.
// KEYS[1] = active key, ARGV[1] = job id
var releaseActiveScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("DEL", KEYS[1])
end
return 1
`)

// CreateJob implements jobs.Store.
func (s *JobStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("shoplingo/redis: marshal job: %w", err)
	}

	terminal := "0"
	if job.Status.Terminal() {
		terminal = "1"
	}

	created, err := createJobScript.Run(ctx, s.client,
		[]string{s.activeKey(job.Shop), s.jobKey(job.ID), s.shopKey(job.Shop), s.runningKey()},
		job.ID, string(data), terminal,
	).Int()
	if err != nil {
		return fmt.Errorf("shoplingo/redis: create job: %w", err)
	}
	if created == 0 {
		return jobs.ErrJobAlreadyRunning
	}
	return nil
}

// SaveJob implements jobs.Store.
func (s *JobStore) SaveJob(ctx context.Context, job *jobs.Job) error {
	exists, err := s.client.Exists(ctx, s.jobKey(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("shoplingo/redis: save job: %w", err)
	}
	if exists == 0 {
		return jobs.ErrJobNotFound
	}

	stored := *job
	cancelled, err := s.Cancelled(ctx, job.ID)
	if err != nil {
		return err
	}
	stored.Cancelled = stored.Cancelled || cancelled

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("shoplingo/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), data, 0)
	if stored.Status.Terminal() {
		pipe.SRem(ctx, s.runningKey(), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("shoplingo/redis: save job: %w", err)
	}

	if stored.Status.Terminal() {
		err := releaseActiveScript.Run(ctx, s.client,
			[]string{s.activeKey(job.Shop)}, job.ID,
		).Err()
		if err != nil {
			return fmt.Errorf("shoplingo/redis: release active claim: %w", err)
		}
	}
	return nil
}

// GetJob implements jobs.Store.
func (s *JobStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("shoplingo/redis: get job: %w", err)
	}

	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("shoplingo/redis: unmarshal job: %w", err)
	}
	if !job.Cancelled {
		cancelled, err := s.Cancelled(ctx, id)
		if err != nil {
			return nil, err
		}
		job.Cancelled = cancelled
	}
	return &job, nil
}

// ActiveJob implements jobs.Store.
func (s *JobStore) ActiveJob(ctx context.Context, shop string) (*jobs.Job, error) {
	ids, err := s.client.LRange(ctx, s.shopKey(shop), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: list jobs: %w", err)
	}
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if err == jobs.ErrJobNotFound {
				continue
			}
			return nil, err
		}
		if !job.Status.Terminal() {
			return job, nil
		}
	}
	return nil, nil
}

// LatestJob implements jobs.Store.
func (s *JobStore) LatestJob(ctx context.Context, shop string) (*jobs.Job, error) {
	ids, err := s.client.LRange(ctx, s.shopKey(shop), -1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	job, err := s.GetJob(ctx, ids[0])
	if err != nil {
		if err == jobs.ErrJobNotFound {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// RequestCancel implements jobs.Store.
func (s *JobStore) RequestCancel(ctx context.Context, shop string) (bool, error) {
	active, err := s.ActiveJob(ctx, shop)
	if err != nil {
		return false, err
	}
	if active == nil {
		return false, nil
	}
	if err := s.client.Set(ctx, s.cancelKey(active.ID), "1", 0).Err(); err != nil {
		return false, fmt.Errorf("shoplingo/redis: request cancel: %w", err)
	}
	return true, nil
}

// Cancelled implements jobs.Store.
func (s *JobStore) Cancelled(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("shoplingo/redis: read cancel flag: %w", err)
	}
	return n > 0, nil
}

// RunningJobs implements jobs.Store.
func (s *JobStore) RunningJobs(ctx context.Context) ([]*jobs.Job, error) {
	ids, err := s.client.SMembers(ctx, s.runningKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("shoplingo/redis: list running jobs: %w", err)
	}

	var running []*jobs.Job
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if err == jobs.ErrJobNotFound {
				continue
			}
			return nil, err
		}
		if job.Status == jobs.JobRunning || job.Status == jobs.JobQueued {
			running = append(running, job)
		}
	}
	return running, nil
}
