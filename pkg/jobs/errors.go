package jobs

import "errors"

var (
	// ErrJobAlreadyRunning is returned when a tenant already has an active job.
	ErrJobAlreadyRunning = errors.New("a job is already running for this shop")

	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyBatch is returned when a batch request carries no products.
	ErrEmptyBatch = errors.New("batch contains no products")
)
