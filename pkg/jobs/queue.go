// Package jobs runs background work off the request path.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job is one unit of queued work.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job. A non-nil error schedules a retry.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Queue is a bounded in-memory job buffer drained by a fixed worker pool.
// Enqueue never blocks; a full buffer is reported to the caller.
type Queue struct {
	name    string
	handler Handler

	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	jobs    chan Job
	pending atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	started   bool
	accepting bool
}

// NewQueue builds a queue; call Start before enqueueing.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 16
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:       name,
		handler:    handler,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With(zap.String("queue", name)),
		jobs:       make(chan Job, cfg.BufferSize),
	}
}

// Start launches the workers. Later calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	// Workers outlive a cancelled parent until Shutdown has drained them.
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started, q.accepting = true, true
	q.logger.Info("queue started", zap.Int("workers", q.workers))
}

// Stop cancels the workers immediately and drops anything still buffered.
func (q *Queue) Stop() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Shutdown(ctx)
}

// Shutdown stops accepting jobs, lets the workers finish the buffer until ctx
// is done, then cancels them. It returns the number of jobs left undelivered.
func (q *Queue) Shutdown(ctx context.Context) int {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return 0
	}
	q.accepting = false
	q.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for q.Pending() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	q.mu.Lock()
	q.started = false
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()

	dropped := len(q.jobs)
	q.logger.Info("queue stopped", zap.Int("dropped", dropped))
	return dropped
}

// Pending counts jobs that are buffered, running or waiting to be retried.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Enqueue buffers job without blocking.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	accepting := q.accepting
	q.mu.Unlock()
	if !accepting {
		return fmt.Errorf("queue %s not accepting jobs", q.name)
	}
	return q.push(job)
}

func (q *Queue) push(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	q.pending.Add(1)
	select {
	case <-q.ctx.Done():
		q.pending.Add(-1)
		return fmt.Errorf("queue %s stopped: %w", q.name, q.ctx.Err())
	case q.jobs <- job:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("queue %s full", q.name)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.handler(q.ctx, job); err != nil {
				q.handleFailure(job, err)
			}
			q.pending.Add(-1)
		}
	}
}

// handleFailure schedules a retry. The job stays pending until the retry is
// buffered or abandoned, so Shutdown waits for it.
func (q *Queue) handleFailure(job Job, err error) {
	job.Attempt++
	fields := []zap.Field{zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempt", job.Attempt), zap.Error(err)}
	if job.Attempt > q.maxRetries {
		q.logger.Error("job exceeded retries", fields...)
		return
	}
	q.logger.Warn("job failed, retrying", fields...)

	q.pending.Add(1)
	q.wg.Add(1)
	go func(j Job) {
		defer q.wg.Done()
		defer q.pending.Add(-1)
		timer := time.NewTimer(q.retryDelay)
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			return
		case <-timer.C:
			if err := q.push(j); err != nil {
				q.logger.Error("failed to requeue job", zap.String("job_id", j.ID), zap.Error(err))
			}
		}
	}(job)
}
