package jobs

import "context"

// Store defines job persistence. Progress and cancellation go through the
// store so that status polling and cancellation work across process
// instances and survive crashes.
type Store interface {
	// CreateJob persists a new job. Creating a non-terminal job while the
	// shop already has one fails with ErrJobAlreadyRunning; the check and
	// the create are a single atomic operation, so concurrent submissions
	// from any number of process instances admit exactly one job.
	CreateJob(ctx context.Context, job *Job) error

	// SaveJob persists the job's full current state. Called after every
	// task transition.
	SaveJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by id. Returns ErrJobNotFound if unknown.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ActiveJob returns the tenant's queued or running job, or nil when
	// there is none.
	ActiveJob(ctx context.Context, shop string) (*Job, error)

	// LatestJob returns the tenant's most recently created job, or nil.
	LatestJob(ctx context.Context, shop string) (*Job, error)

	// RequestCancel sets the cancelled flag on the tenant's active job.
	// Returns false when there is no active job.
	RequestCancel(ctx context.Context, shop string) (bool, error)

	// Cancelled reads the persisted cancelled flag for a job.
	Cancelled(ctx context.Context, id string) (bool, error)

	// RunningJobs lists jobs left in the running state, for crash recovery
	// at startup.
	RunningJobs(ctx context.Context) ([]*Job, error)
}
