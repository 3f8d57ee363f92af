// Package jobs implements the per-tenant background pipeline that drives a
// batch of (product × language) generate-then-apply units to completion.
// Budget is held through a ledger reservation for the whole batch, provider
// calls go through the bulk lane of the shared call queue, and progress and
// cancellation are persisted after every transition so polling and cancel
// requests work from any process instance.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/logging"
	"github.com/mihaimyh/shoplingo/pkg/provider"
	"github.com/mihaimyh/shoplingo/pkg/queue"
)

// Config holds orchestrator configuration.
type Config struct {
	// TokensPerUnit is the estimate reserved per (product × language) unit
	// before the batch starts (default: 1000). Settled against actual
	// provider usage when the batch finishes.
	TokensPerUnit int64

	// MaxInFlight bounds concurrent units per job (default: 4). The shared
	// queue additionally bounds provider calls process-wide.
	MaxInFlight int

	// LanguageLimit resolves the tenant's plan ceiling on total languages
	// per product. Zero or negative means unlimited. Optional.
	LanguageLimit func(shop string) int

	// PromptFunc builds the generation prompt for one unit. Optional.
	PromptFunc func(productID, language, model string) string

	// MaxTokensPerCall caps provider output per call (default: 2048).
	MaxTokensPerCall int

	// Logger is used for structured logging (default: logging.NopLogger).
	Logger logging.Logger
}

// Orchestrator runs batch jobs. One instance serves all tenants of a process.
type Orchestrator struct {
	store    Store
	ledger   *ledger.Manager
	queue    *queue.Queue
	provider provider.Provider
	applier  Applier
	config   Config
}

// New creates an orchestrator. All collaborators are required.
func New(store Store, lm *ledger.Manager, q *queue.Queue, p provider.Provider, a Applier, config Config) (*Orchestrator, error) {
	if store == nil || lm == nil || q == nil || p == nil || a == nil {
		return nil, errors.New("jobs: all collaborators are required")
	}
	if config.TokensPerUnit <= 0 {
		config.TokensPerUnit = 1000
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 4
	}
	if config.MaxTokensPerCall <= 0 {
		config.MaxTokensPerCall = 2048
	}
	if config.PromptFunc == nil {
		config.PromptFunc = defaultPrompt
	}
	if config.Logger == nil {
		config.Logger = &logging.NopLogger{}
	}
	return &Orchestrator{
		store:    store,
		ledger:   lm,
		queue:    q,
		provider: p,
		applier:  a,
		config:   config,
	}, nil
}

// Enqueue accepts a batch, reserves budget for it, persists the job, and
// starts the run in the background. Only job-level setup errors are returned
// here; per-unit failures are recorded on the job instead.
func (o *Orchestrator) Enqueue(ctx context.Context, req BatchRequest) (*Job, error) {
	if req.Shop == "" {
		return nil, errors.New("jobs: shop is required")
	}
	if len(req.Products) == 0 {
		return nil, ErrEmptyBatch
	}

	// Fast-path refusal. The authoritative check is CreateJob, which takes
	// the shop's active slot atomically in the store.
	active, err := o.store.ActiveJob(ctx, req.Shop)
	if err != nil {
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if active != nil {
		return nil, ErrJobAlreadyRunning
	}

	job := o.buildJob(req)
	units := job.Progress.Total

	if units == 0 {
		// Everything skipped or rejected by policy: no provider calls, no
		// ledger interaction. The job still ran to completion.
		job.Status = JobCompleted
		if err := o.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("persist job: %w", err)
		}
		return job, nil
	}

	estimate := int64(units) * o.config.TokensPerUnit
	res, err := o.ledger.Reserve(ctx, req.Shop, estimate, ledger.FeatureBulkGenerate)
	if err != nil {
		// Persist the refusal so a status poll reports it instead of a
		// silently vanished batch.
		job.Status = JobFailed
		job.Error = "token reservation failed: " + err.Error()
		if saveErr := o.store.CreateJob(ctx, job); saveErr != nil {
			o.config.Logger.Error("failed to persist rejected job",
				logging.F("shop", req.Shop), logging.F("error", saveErr))
		}
		return nil, err
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		// Nothing ran yet, so the hold is returned in full. A concurrent
		// submission may have taken the shop's active slot between the
		// fast-path check and here.
		if refundErr := o.ledger.Refund(ctx, res.ID); refundErr != nil {
			o.config.Logger.Error("failed to refund reservation after persist failure",
				logging.F("reservation_id", res.ID), logging.F("error", refundErr))
		}
		if errors.Is(err, ErrJobAlreadyRunning) {
			return nil, ErrJobAlreadyRunning
		}
		return nil, fmt.Errorf("persist job: %w", err)
	}

	o.config.Logger.Info("batch job queued",
		logging.F("shop", req.Shop),
		logging.F("job_id", job.ID),
		logging.F("products", len(job.Products)),
		logging.F("units", units),
		logging.F("reserved", estimate),
	)

	// The HTTP request context dies with the response; the run owns its own
	// lifetime and stops via the persisted cancelled flag.
	go o.run(context.Background(), job, res.ID)

	return job, nil
}

// Status returns the tenant's most recent job, or nil when none exists.
func (o *Orchestrator) Status(ctx context.Context, shop string) (*Job, error) {
	return o.store.LatestJob(ctx, shop)
}

// Cancel requests cooperative cancellation of the tenant's active job.
// Returns false when there is nothing to cancel.
func (o *Orchestrator) Cancel(ctx context.Context, shop string) (bool, error) {
	ok, err := o.store.RequestCancel(ctx, shop)
	if err == nil && ok {
		o.config.Logger.Info("job cancellation requested", logging.F("shop", shop))
	}
	return ok, err
}

// Recover marks jobs left running by a crashed instance as failed so status
// polling reports honestly after a restart. Orphaned ledger reservations are
// refunded separately by the ledger sweeper.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.store.RunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		job.Status = JobFailed
		job.Error = "interrupted by restart"
		job.UpdatedAt = time.Now().UTC()
		if err := o.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("mark job %s failed: %w", job.ID, err)
		}
		o.config.Logger.Warn("marked interrupted job as failed",
			logging.F("shop", job.Shop), logging.F("job_id", job.ID))
	}
	return nil
}

// buildJob turns a batch request into a persisted Job, computing per product
// which languages still need generation and applying the plan ceiling.
func (o *Orchestrator) buildJob(req BatchRequest) *Job {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Shop:      req.Shop,
		Model:     req.Model,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	limit := 0
	if o.config.LanguageLimit != nil {
		limit = o.config.LanguageLimit(req.Shop)
	}

	units := 0
	for _, p := range req.Products {
		task := &ProductTask{
			ProductID:         p.ProductID,
			Languages:         p.Languages,
			ExistingLanguages: p.ExistingLanguages,
			State:             TaskPending,
		}

		toGenerate := subtractLanguages(p.Languages, p.ExistingLanguages)
		switch {
		case len(toGenerate) == 0:
			// Already fully optimized; never regenerate.
			task.State = TaskSkipped
		case limit > 0 && len(p.ExistingLanguages)+len(toGenerate) > limit:
			task.State = TaskFailed
			task.Error = fmt.Sprintf("language limit exceeded: %d existing + %d requested > plan limit %d",
				len(p.ExistingLanguages), len(toGenerate), limit)
		default:
			for _, lang := range toGenerate {
				task.Results = append(task.Results, LanguageResult{
					Language: lang,
					State:    TaskPending,
				})
			}
			units += len(toGenerate)
		}

		job.Products = append(job.Products, task)
	}

	job.Progress = Progress{Current: 0, Total: units}
	return job
}

// jobRun is the mutable state of one running job. All mutation happens under
// mu; persistence is a single write per transition with no suspension inside
// the critical section's bookkeeping.
type jobRun struct {
	mu      sync.Mutex
	job     *Job
	used    int64
	started time.Time
}

func (o *Orchestrator) run(ctx context.Context, job *Job, reservationID string) {
	jr := &jobRun{job: job, started: time.Now()}

	jr.mu.Lock()
	job.Status = JobRunning
	o.persistLocked(ctx, jr)
	jr.mu.Unlock()

	g := &errgroup.Group{}
	g.SetLimit(o.config.MaxInFlight)

	cancelled := false

submission:
	for _, task := range job.Products {
		if task.State != TaskPending {
			continue
		}
		for i := range task.Results {
			// The cancel flag is persisted, so a cancel request from any
			// instance stops submissions here. In-flight units drain.
			if o.cancelRequested(ctx, jr) {
				cancelled = true
				break submission
			}

			task := task
			result := &task.Results[i]
			g.Go(func() error {
				o.runUnit(ctx, jr, task, result)
				return nil
			})
		}
	}

	// Unit funcs never return errors; partial failures are recorded on the
	// job rather than aborting the batch.
	_ = g.Wait()

	jr.mu.Lock()
	o.settleProducts(job)
	if cancelled {
		job.Status = JobCancelled
	} else {
		job.Status = JobCompleted
	}
	used := jr.used
	o.persistLocked(ctx, jr)
	jr.mu.Unlock()

	// The reservation terminates exactly once on every exit path. Work that
	// ran consumed tokens, so a cancelled job still settles actual usage.
	if err := o.ledger.Finalize(ctx, reservationID, used); err != nil {
		o.config.Logger.Error("failed to finalize job reservation",
			logging.F("job_id", job.ID),
			logging.F("reservation_id", reservationID),
			logging.F("error", err),
		)
	}

	o.config.Logger.Info("batch job finished",
		logging.F("shop", job.Shop),
		logging.F("job_id", job.ID),
		logging.F("status", string(job.Status)),
		logging.F("units_done", job.Progress.Current),
		logging.F("tokens_used", used),
	)
}

// runUnit drives one (product × language) unit: generate through the bulk
// lane, then apply. Generation always completes before apply is attempted.
func (o *Orchestrator) runUnit(ctx context.Context, jr *jobRun, task *ProductTask, result *LanguageResult) {
	job := jr.job

	jr.mu.Lock()
	task.State = TaskGenerating
	result.State = TaskGenerating
	o.persistLocked(ctx, jr)
	jr.mu.Unlock()

	prompt := o.config.PromptFunc(task.ProductID, result.Language, job.Model)
	value, err := o.queue.AddBulk(ctx, func(ctx context.Context) (interface{}, error) {
		return o.provider.Generate(ctx, provider.Request{
			Prompt:    prompt,
			Model:     job.Model,
			MaxTokens: o.config.MaxTokensPerCall,
		})
	}, queue.WithMetadata(map[string]string{
		"shop":     job.Shop,
		"product":  task.ProductID,
		"language": result.Language,
	}))
	if err != nil {
		o.failUnit(ctx, jr, result, generationError(err), 0)
		return
	}

	generated := value.(provider.Result)

	jr.mu.Lock()
	result.State = TaskGenerated
	result.TokensUsed = generated.Usage.TotalTokens
	jr.used += generated.Usage.TotalTokens
	task.State = TaskApplying
	result.State = TaskApplying
	o.persistLocked(ctx, jr)
	jr.mu.Unlock()

	applied, err := o.applier.Apply(ctx, task.ProductID, result.Language, generated.Content, ApplyOptions{Model: job.Model})
	if err != nil {
		// The provider call consumed tokens even though the write failed;
		// usage stays counted.
		o.failUnit(ctx, jr, result, "apply failed: "+err.Error(), generated.Usage.TotalTokens)
		return
	}
	if !applied.OK {
		o.failUnit(ctx, jr, result, "apply rejected: "+strings.Join(applied.Errors, "; "), generated.Usage.TotalTokens)
		return
	}

	jr.mu.Lock()
	result.State = TaskApplied
	o.advanceProgressLocked(ctx, jr)
	jr.mu.Unlock()
}

func (o *Orchestrator) failUnit(ctx context.Context, jr *jobRun, result *LanguageResult, msg string, tokens int64) {
	jr.mu.Lock()
	result.State = TaskFailed
	result.Error = msg
	result.TokensUsed = tokens
	o.advanceProgressLocked(ctx, jr)
	jr.mu.Unlock()

	o.config.Logger.Warn("generation unit failed",
		logging.F("shop", jr.job.Shop),
		logging.F("job_id", jr.job.ID),
		logging.F("language", result.Language),
		logging.F("error", msg),
	)
}

// advanceProgressLocked bumps the unit counter, recomputes the remaining-time
// estimate from throughput so far, and persists. Caller holds jr.mu.
func (o *Orchestrator) advanceProgressLocked(ctx context.Context, jr *jobRun) {
	p := &jr.job.Progress
	p.Current++
	if p.Current > 0 && p.Current < p.Total {
		elapsed := time.Since(jr.started).Seconds()
		perUnit := elapsed / float64(p.Current)
		p.RemainingSeconds = int(perUnit * float64(p.Total-p.Current))
	} else {
		p.RemainingSeconds = 0
	}
	o.persistLocked(ctx, jr)
}

// persistLocked writes the job's full state. Persistence failures must not
// kill the run; they are logged and the next transition retries the write.
func (o *Orchestrator) persistLocked(ctx context.Context, jr *jobRun) {
	jr.job.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveJob(ctx, jr.job); err != nil {
		o.config.Logger.Error("failed to persist job progress",
			logging.F("job_id", jr.job.ID),
			logging.F("error", err),
		)
	}
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jr *jobRun) bool {
	cancelled, err := o.store.Cancelled(ctx, jr.job.ID)
	if err != nil {
		o.config.Logger.Error("failed to read cancel flag",
			logging.F("job_id", jr.job.ID), logging.F("error", err))
		return false
	}
	if cancelled {
		jr.mu.Lock()
		jr.job.Cancelled = true
		jr.mu.Unlock()
	}
	return cancelled
}

// settleProducts derives terminal product states from their language units.
// Units never submitted (cancelled job) leave their product non-terminal.
func (o *Orchestrator) settleProducts(job *Job) {
	for _, task := range job.Products {
		if task.State.Terminal() || len(task.Results) == 0 {
			continue
		}
		if task.UnitsRemaining() {
			continue
		}

		failed := 0
		firstErr := ""
		for i := range task.Results {
			if task.Results[i].State == TaskFailed {
				failed++
				if firstErr == "" {
					firstErr = task.Results[i].Error
				}
			}
		}
		if failed == len(task.Results) {
			task.State = TaskFailed
			task.Error = firstErr
		} else {
			// Job-level success means "ran to completion"; a product with
			// at least one applied language counts as applied, with unit
			// errors preserved on its results.
			task.State = TaskApplied
			task.Error = firstErr
		}
	}
}

func generationError(err error) string {
	switch {
	case errors.Is(err, provider.ErrInvalidResponse):
		return "invalid provider response: " + err.Error()
	case errors.Is(err, provider.ErrRateLimited):
		return "provider rate limited: " + err.Error()
	default:
		return "generation failed: " + err.Error()
	}
}

// subtractLanguages returns the requested languages not already optimized,
// preserving request order.
func subtractLanguages(requested, existing []string) []string {
	have := make(map[string]bool, len(existing))
	for _, lang := range existing {
		have[lang] = true
	}
	var out []string
	for _, lang := range requested {
		if !have[lang] {
			out = append(out, lang)
		}
	}
	return out
}

func defaultPrompt(productID, language, model string) string {
	return fmt.Sprintf(
		"Rewrite the catalog metadata for product %s in language %q. "+
			"Return improved title and description only.",
		productID, language,
	)
}
