package jobs_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/shoplingo/pkg/jobs"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/provider"
	"github.com/mihaimyh/shoplingo/pkg/provider/mock"
	"github.com/mihaimyh/shoplingo/pkg/queue"
	"github.com/mihaimyh/shoplingo/storage/memory"
)

const testShop = "test-shop.example.com"

// scriptedApplier fails specific (productID, language) units.
type scriptedApplier struct {
	mu       sync.Mutex
	failures map[string]string // "product/lang" -> error message
	applied  []string
}

func (a *scriptedApplier) Apply(ctx context.Context, productID, language, content string, opts jobs.ApplyOptions) (*jobs.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := productID + "/" + language
	if msg, ok := a.failures[key]; ok {
		return &jobs.ApplyResult{OK: false, Errors: []string{msg}}, nil
	}
	a.applied = append(a.applied, key)
	return &jobs.ApplyResult{OK: true}, nil
}

func (a *scriptedApplier) appliedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

type env struct {
	orch    *jobs.Orchestrator
	ledger  *ledger.Manager
	store   *memory.JobStore
	queue   *queue.Queue
	llm     *mock.Provider
	applier *scriptedApplier
}

func newEnv(t *testing.T, trialTokens int64, llm *mock.Provider, applier *scriptedApplier, cfg jobs.Config) *env {
	t.Helper()

	manager, err := ledger.NewManager(memory.NewLedgerStore(), ledger.Config{TrialTokens: trialTokens})
	require.NoError(t, err)

	q := queue.New(queue.Config{Concurrency: 2})
	t.Cleanup(q.Close)

	if applier == nil {
		applier = &scriptedApplier{}
	}
	store := memory.NewJobStore()

	orch, err := jobs.New(store, manager, q, llm, applier, cfg)
	require.NoError(t, err)

	return &env{orch: orch, ledger: manager, store: store, queue: q, llm: llm, applier: applier}
}

func (e *env) waitForTerminal(t *testing.T, shop string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.LatestJob(context.Background(), shop)
		require.NoError(t, err)
		if job != nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func (e *env) balance(t *testing.T, shop string) int64 {
	t.Helper()
	bal, err := e.ledger.GetOrCreate(context.Background(), shop)
	require.NoError(t, err)
	return bal.Balance
}

func TestBatchCompletesAndSettlesUsage(t *testing.T) {
	llm := mock.New(mock.WithUsage(provider.Usage{TotalTokens: 30}))
	e := newEnv(t, 1000, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	job, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop: testShop,
		Products: []jobs.BatchProduct{
			{ProductID: "p1", Languages: []string{"de", "fr"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Progress.Total)

	done := e.waitForTerminal(t, testShop)
	assert.Equal(t, jobs.JobCompleted, done.Status)
	assert.Equal(t, 2, done.Progress.Current)
	assert.Equal(t, 0, done.Progress.RemainingSeconds)
	assert.Equal(t, jobs.TaskApplied, done.Products[0].State)

	// 1000 - 2×30 actually used; the 200-token hold came back less usage.
	assert.Equal(t, int64(940), e.balance(t, testShop))
	assert.Equal(t, 2, e.applier.appliedCount())
}

// A 3-product × 2-language batch with one failing unit still completes, with
// the failure recorded on its own unit only.
func TestBatchPartialFailureStillCompletes(t *testing.T) {
	llm := mock.New(mock.WithUsage(provider.Usage{TotalTokens: 10}))
	applier := &scriptedApplier{failures: map[string]string{"p2/fr": "platform rejected update"}}
	e := newEnv(t, 10000, llm, applier, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop: testShop,
		Products: []jobs.BatchProduct{
			{ProductID: "p1", Languages: []string{"de", "fr"}},
			{ProductID: "p2", Languages: []string{"de", "fr"}},
			{ProductID: "p3", Languages: []string{"de", "fr"}},
		},
	})
	require.NoError(t, err)

	done := e.waitForTerminal(t, testShop)
	assert.Equal(t, jobs.JobCompleted, done.Status)
	assert.Equal(t, 6, done.Progress.Current)
	assert.Equal(t, 5, e.applier.appliedCount())

	var failed *jobs.LanguageResult
	for _, p := range done.Products {
		for i := range p.Results {
			if p.Results[i].State == jobs.TaskFailed {
				require.Nil(t, failed, "only one unit should fail")
				failed = &p.Results[i]
			}
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "fr", failed.Language)
	assert.True(t, strings.HasPrefix(failed.Error, "apply rejected:"))
	// The failed apply still consumed provider tokens.
	assert.Equal(t, int64(10), failed.TokensUsed)

	// p2 keeps applied state because its other language succeeded.
	assert.Equal(t, jobs.TaskApplied, done.Products[1].State)
	assert.NotEmpty(t, done.Products[1].Error)

	// All 6 units consumed tokens, failures included.
	assert.Equal(t, int64(10000-60), e.balance(t, testShop))
}

// A batch whose languages are all covered finishes without touching the
// provider or the ledger.
func TestFullyCoveredBatchMakesNoProviderCalls(t *testing.T) {
	llm := mock.New()
	e := newEnv(t, 500, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	job, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop: testShop,
		Products: []jobs.BatchProduct{
			{ProductID: "p1", Languages: []string{"de", "fr"}, ExistingLanguages: []string{"fr", "de"}},
			{ProductID: "p2", Languages: []string{"it"}, ExistingLanguages: []string{"it", "es"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, jobs.JobCompleted, job.Status)
	assert.Equal(t, jobs.TaskSkipped, job.Products[0].State)
	assert.Equal(t, jobs.TaskSkipped, job.Products[1].State)
	assert.Equal(t, int64(0), llm.CallCount())
	assert.Equal(t, int64(500), e.balance(t, testShop))
}

func TestPartiallyCoveredProductGeneratesOnlyMissing(t *testing.T) {
	llm := mock.New(mock.WithUsage(provider.Usage{TotalTokens: 10}))
	e := newEnv(t, 1000, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	job, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop: testShop,
		Products: []jobs.BatchProduct{
			{ProductID: "p1", Languages: []string{"de", "fr", "it"}, ExistingLanguages: []string{"fr"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Progress.Total)

	e.waitForTerminal(t, testShop)
	assert.Equal(t, int64(2), llm.CallCount())
}

func TestLanguageLimitPolicyFailsWithoutLedgerTouch(t *testing.T) {
	llm := mock.New()
	e := newEnv(t, 500, llm, nil, jobs.Config{
		TokensPerUnit: 100,
		LanguageLimit: func(string) int { return 3 },
	})
	ctx := context.Background()

	// 2 existing + 2 requested > limit 3: rejected by policy, no generation.
	job, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop: testShop,
		Products: []jobs.BatchProduct{
			{ProductID: "p1", Languages: []string{"de", "fr"}, ExistingLanguages: []string{"en", "es"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, jobs.JobCompleted, job.Status)
	assert.Equal(t, jobs.TaskFailed, job.Products[0].State)
	assert.Contains(t, job.Products[0].Error, "language limit exceeded")
	assert.Equal(t, int64(0), llm.CallCount())
	assert.Equal(t, int64(500), e.balance(t, testShop))
}

func TestEnqueueRejectsConcurrentJob(t *testing.T) {
	block := make(chan struct{})
	llm := mock.New(mock.WithResponseFunc(func(req provider.Request) (provider.Result, error) {
		<-block
		return provider.Result{Content: "ok"}, nil
	}))
	e := newEnv(t, 10000, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     testShop,
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	require.NoError(t, err)

	_, err = e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     testShop,
		Products: []jobs.BatchProduct{{ProductID: "p2", Languages: []string{"de"}}},
	})
	assert.ErrorIs(t, err, jobs.ErrJobAlreadyRunning)

	// A different shop is unaffected.
	_, err = e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     "other-shop.example.com",
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	require.NoError(t, err)

	close(block)
	e.waitForTerminal(t, testShop)
}

// staleReadStore simulates the cross-instance race: the pre-admission
// ActiveJob read misses a job another instance just created, so only the
// store's atomic create stands between two submissions.
type staleReadStore struct {
	jobs.Store
}

func (s *staleReadStore) ActiveJob(ctx context.Context, shop string) (*jobs.Job, error) {
	return nil, nil
}

func TestLostAdmissionRaceRefundsReservation(t *testing.T) {
	manager, err := ledger.NewManager(memory.NewLedgerStore(), ledger.Config{TrialTokens: 1000})
	require.NoError(t, err)

	q := queue.New(queue.Config{Concurrency: 2})
	t.Cleanup(q.Close)

	inner := memory.NewJobStore()
	orch, err := jobs.New(&staleReadStore{Store: inner}, manager, q, mock.New(), &scriptedApplier{}, jobs.Config{TokensPerUnit: 100})
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, inner.CreateJob(ctx, &jobs.Job{
		ID: "winner", Shop: testShop, Status: jobs.JobRunning,
		CreatedAt: now, UpdatedAt: now,
	}))

	_, err = orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     testShop,
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	assert.ErrorIs(t, err, jobs.ErrJobAlreadyRunning)

	// The loser's hold is returned in full.
	bal, err := manager.GetOrCreate(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Balance)
}

func TestInsufficientBalancePersistsFailedJob(t *testing.T) {
	llm := mock.New()
	e := newEnv(t, 50, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     testShop,
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// The refusal is visible to status polling.
	job, err := e.orch.Status(ctx, testShop)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobs.JobFailed, job.Status)
	assert.Contains(t, job.Error, "token reservation failed")
	assert.Equal(t, int64(0), llm.CallCount())
}

func TestCancellationStopsNewSubmissions(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	llm := mock.New(mock.WithResponseFunc(func(req provider.Request) (provider.Result, error) {
		calls.Add(1)
		<-release
		return provider.Result{Content: "ok", Usage: provider.Usage{TotalTokens: 10}}, nil
	}))
	e := newEnv(t, 100000, llm, nil, jobs.Config{TokensPerUnit: 100, MaxInFlight: 1})
	ctx := context.Background()

	products := make([]jobs.BatchProduct, 10)
	for i := range products {
		products[i] = jobs.BatchProduct{ProductID: "p" + string(rune('0'+i)), Languages: []string{"de"}}
	}
	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{Shop: testShop, Products: products})
	require.NoError(t, err)

	// Wait for the first unit to be in flight, then cancel.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Greater(t, calls.Load(), int64(0))

	ok, err := e.orch.Cancel(ctx, testShop)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	done := e.waitForTerminal(t, testShop)

	assert.Equal(t, jobs.JobCancelled, done.Status)
	assert.True(t, done.Cancelled)
	// Far fewer than 10 units ran; drained in-flight work still counted.
	assert.Less(t, calls.Load(), int64(10))

	// Usage of the drained units was finalized; the rest of the hold is back.
	expected := int64(100000) - calls.Load()*10
	assert.Equal(t, expected, e.balance(t, testShop))
}

func TestGenerationFailureCountsNoTokens(t *testing.T) {
	llm := mock.New(mock.WithError(errors.New("upstream exploded")))
	e := newEnv(t, 1000, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     testShop,
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	require.NoError(t, err)

	done := e.waitForTerminal(t, testShop)
	assert.Equal(t, jobs.JobCompleted, done.Status)
	assert.Equal(t, jobs.TaskFailed, done.Products[0].State)
	assert.Contains(t, done.Products[0].Results[0].Error, "generation failed")

	// No usage occurred, so the full hold came back.
	assert.Equal(t, int64(1000), e.balance(t, testShop))
}

func TestRecoverMarksInterruptedJobsFailed(t *testing.T) {
	llm := mock.New()
	e := newEnv(t, 1000, llm, nil, jobs.Config{TokensPerUnit: 100})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, e.store.CreateJob(ctx, &jobs.Job{
		ID:        "job-orphan",
		Shop:      testShop,
		Status:    jobs.JobRunning,
		Products:  []*jobs.ProductTask{},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	require.NoError(t, e.orch.Recover(ctx))

	job, err := e.store.GetJob(ctx, "job-orphan")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobFailed, job.Status)
	assert.Equal(t, "interrupted by restart", job.Error)

	// The shop can submit again.
	_, err = e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop:     testShop,
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	require.NoError(t, err)
	e.waitForTerminal(t, testShop)
}

func TestEnqueueValidation(t *testing.T) {
	llm := mock.New()
	e := newEnv(t, 1000, llm, nil, jobs.Config{})
	ctx := context.Background()

	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{Shop: testShop})
	assert.ErrorIs(t, err, jobs.ErrEmptyBatch)

	_, err = e.orch.Enqueue(ctx, jobs.BatchRequest{
		Products: []jobs.BatchProduct{{ProductID: "p1", Languages: []string{"de"}}},
	})
	assert.Error(t, err)
}

func TestProgressEstimateDecreases(t *testing.T) {
	llm := mock.New(mock.WithUsage(provider.Usage{TotalTokens: 5}), mock.WithLatency(5*time.Millisecond))
	e := newEnv(t, 10000, llm, nil, jobs.Config{TokensPerUnit: 100, MaxInFlight: 1})
	ctx := context.Background()

	_, err := e.orch.Enqueue(ctx, jobs.BatchRequest{
		Shop: testShop,
		Products: []jobs.BatchProduct{
			{ProductID: "p1", Languages: []string{"de", "fr", "it", "es"}},
		},
	})
	require.NoError(t, err)

	done := e.waitForTerminal(t, testShop)
	assert.Equal(t, 4, done.Progress.Current)
	assert.Equal(t, 4, done.Progress.Total)
	assert.Equal(t, 0, done.Progress.RemainingSeconds)
}
