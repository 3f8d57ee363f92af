// Package queue provides the process-wide rate-limited priority queue that
// serializes outbound LLM provider calls. The concurrency budget is shared
// across all tenants because the provider's quota is account-wide.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mihaimyh/shoplingo/pkg/logging"
)

// Priority is the scheduling lane of a task.
type Priority int

const (
	// PriorityHigh is for interactive single-item requests.
	PriorityHigh Priority = iota
	// PriorityNormal is for non-interactive but user-visible requests.
	PriorityNormal
	// PriorityBulk is for batch jobs. Bulk never crowds out the other lanes
	// but always keeps a reserved share of slots so it cannot starve.
	PriorityBulk
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Work is an opaque async unit supplied by the caller. It runs with the
// caller's context and its failure rejects only that caller.
type Work func(ctx context.Context) (interface{}, error)

// ErrClosed is returned for tasks submitted to (or waiting in) a closed queue.
var ErrClosed = errors.New("queue closed")

// Config controls queue behavior.
type Config struct {
	// Concurrency is the process-wide number of in-flight works, calibrated
	// to the provider's published rate limit (default: 2).
	Concurrency int

	// BulkShare is the minimum fraction of slots reserved for the bulk lane
	// so sustained high/normal load cannot starve it (default: 0.25).
	BulkShare float64

	// Logger is used for structured logging (default: logging.NopLogger).
	Logger logging.Logger
}

// Queue schedules Work across three priority lanes under a fixed slot budget.
type Queue struct {
	config Config

	mu          sync.Mutex
	lanes       [3][]*task
	running     int
	runningBulk int
	closed      bool
}

type task struct {
	work       Work
	priority   Priority
	enqueuedAt time.Time
	metadata   map[string]string // diagnostic only, never used for scheduling
	ctx        context.Context
	done       chan settlement
}

type settlement struct {
	value interface{}
	err   error
}

// AddOption configures a submitted task.
type AddOption func(*task)

// WithMetadata attaches diagnostic metadata to a task.
func WithMetadata(md map[string]string) AddOption {
	return func(t *task) { t.metadata = md }
}

// New creates a queue with the given configuration.
func New(config Config) *Queue {
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}
	if config.BulkShare <= 0 || config.BulkShare > 1 {
		config.BulkShare = 0.25
	}
	if config.Logger == nil {
		config.Logger = &logging.NopLogger{}
	}
	return &Queue{config: config}
}

// Add submits work at the given priority and blocks until it settles or ctx
// is cancelled. A task abandoned while still waiting is removed from its lane
// without consuming a slot.
func (q *Queue) Add(ctx context.Context, work Work, priority Priority, opts ...AddOption) (interface{}, error) {
	if priority < PriorityHigh || priority > PriorityBulk {
		return nil, fmt.Errorf("queue: invalid priority %d", priority)
	}

	t := &task{
		work:       work,
		priority:   priority,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		done:       make(chan settlement, 1),
	}
	for _, opt := range opts {
		opt(t)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.lanes[priority] = append(q.lanes[priority], t)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case s := <-t.done:
		return s.value, s.err
	case <-ctx.Done():
		q.abandon(t)
		return nil, ctx.Err()
	}
}

// AddHighPriority submits work on the high lane.
func (q *Queue) AddHighPriority(ctx context.Context, work Work, opts ...AddOption) (interface{}, error) {
	return q.Add(ctx, work, PriorityHigh, opts...)
}

// AddBulk submits work on the bulk lane.
func (q *Queue) AddBulk(ctx context.Context, work Work, opts ...AddOption) (interface{}, error) {
	return q.Add(ctx, work, PriorityBulk, opts...)
}

// Close rejects new submissions and fails tasks still waiting for a slot.
// In-flight work is left to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for lane := range q.lanes {
		for _, t := range q.lanes[lane] {
			t.done <- settlement{err: ErrClosed}
		}
		q.lanes[lane] = nil
	}
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Running     int
	RunningBulk int
	WaitingHigh int
	WaitingNorm int
	WaitingBulk int
}

// Stats returns a snapshot of current occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Running:     q.running,
		RunningBulk: q.runningBulk,
		WaitingHigh: len(q.lanes[PriorityHigh]),
		WaitingNorm: len(q.lanes[PriorityNormal]),
		WaitingBulk: len(q.lanes[PriorityBulk]),
	}
}

// bulkReserve is the minimum number of slots kept available to the bulk lane.
func (q *Queue) bulkReserve() int {
	r := int(math.Ceil(float64(q.config.Concurrency) * q.config.BulkShare))
	if r < 1 {
		r = 1
	}
	return r
}

// dispatchLocked fills free slots. Called with q.mu held, on every submit and
// every completion.
func (q *Queue) dispatchLocked() {
	for q.running < q.config.Concurrency {
		t := q.nextLocked()
		if t == nil {
			return
		}
		q.running++
		if t.priority == PriorityBulk {
			q.runningBulk++
		}
		go q.run(t)
	}
}

// nextLocked picks the next task to run. Bulk takes its reserved share first;
// otherwise strict high > normal > bulk ordering applies.
func (q *Queue) nextLocked() *task {
	if len(q.lanes[PriorityBulk]) > 0 && q.runningBulk < q.bulkReserve() {
		return q.popLocked(PriorityBulk)
	}
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityBulk} {
		if len(q.lanes[p]) > 0 {
			return q.popLocked(p)
		}
	}
	return nil
}

func (q *Queue) popLocked(p Priority) *task {
	t := q.lanes[p][0]
	q.lanes[p] = q.lanes[p][1:]
	return t
}

// run executes one task. The slot is released unconditionally, including on
// panicking work, so a misbehaving task can never strand a slot.
func (q *Queue) run(t *task) {
	defer q.release(t)

	var (
		value interface{}
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("queue: work panicked: %v", r)
				q.config.Logger.Error("queued work panicked",
					logging.F("priority", t.priority.String()),
					logging.F("panic", r),
				)
			}
		}()
		value, err = t.work(t.ctx)
	}()

	// Buffered channel: settles even if the caller already gave up.
	t.done <- settlement{value: value, err: err}
}

func (q *Queue) release(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running--
	if t.priority == PriorityBulk {
		q.runningBulk--
	}
	q.dispatchLocked()
}

// abandon removes a task from its lane after the caller's context ended.
// If the task already holds a slot it is left to settle on its own.
func (q *Queue) abandon(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.lanes[t.priority]
	for i, waiting := range lane {
		if waiting == t {
			q.lanes[t.priority] = append(lane[:i], lane[i+1:]...)
			return
		}
	}
}
