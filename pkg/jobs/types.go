package jobs

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is terminal.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TaskState is the lifecycle state of a ProductTask or of one of its
// language units.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskGenerating TaskState = "generating"
	TaskGenerated  TaskState = "generated"
	TaskApplying   TaskState = "applying"
	TaskApplied    TaskState = "applied"
	TaskFailed     TaskState = "failed"
	TaskSkipped    TaskState = "skipped"
)

// Terminal reports whether the state is terminal.
func (s TaskState) Terminal() bool {
	return s == TaskApplied || s == TaskFailed || s == TaskSkipped
}

// Progress is the persisted completion state of a Job, in units of
// (product × language) generations.
type Progress struct {
	Current          int `json:"current"`
	Total            int `json:"total"`
	RemainingSeconds int `json:"remainingSeconds"`
}

// LanguageResult tracks one (product × language) generation unit.
type LanguageResult struct {
	Language   string    `json:"language"`
	State      TaskState `json:"state"`
	Error      string    `json:"error,omitempty"`
	TokensUsed int64     `json:"tokensUsed,omitempty"`
}

// ProductTask is the unit of work for one catalog item across its requested
// languages. Owned exclusively by its parent Job.
type ProductTask struct {
	ProductID         string           `json:"productId"`
	Languages         []string         `json:"languages"`
	ExistingLanguages []string         `json:"existingLanguages"`
	State             TaskState        `json:"state"`
	Error             string           `json:"error,omitempty"`
	Results           []LanguageResult `json:"results"`
}

// UnitsRemaining reports whether any language unit is still non-terminal.
func (t *ProductTask) UnitsRemaining() bool {
	for i := range t.Results {
		if !t.Results[i].State.Terminal() {
			return true
		}
	}
	return false
}

// Job is the persisted per-tenant batch. At most one job per tenant is
// queued or running at a time.
type Job struct {
	ID       string         `json:"jobId"`
	Shop     string         `json:"shop"`
	Model    string         `json:"model"`
	Status   JobStatus      `json:"status"`
	Products []*ProductTask `json:"products"`
	Progress Progress       `json:"progress"`

	// Cancelled is settable from any process instance; the run loop polls
	// it between unit submissions.
	Cancelled bool `json:"cancelled"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BatchProduct is one catalog item in an incoming batch request.
type BatchProduct struct {
	ProductID         string
	Languages         []string
	ExistingLanguages []string
}

// BatchRequest asks the orchestrator to generate and apply content for a
// batch of products.
type BatchRequest struct {
	Shop     string
	Products []BatchProduct
	Model    string
}

// ApplyOptions carries per-call options for the platform apply.
type ApplyOptions struct {
	Model string
}

// ApplyResult is the outcome of a platform apply call.
type ApplyResult struct {
	OK     bool
	Errors []string
}
