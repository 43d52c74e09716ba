// Package workerpool provides a bounded worker pool with retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when submitting to a stopped pool
var ErrStopped = errors.New("worker pool is stopped")

// Task is a unit of work
type Task struct {
	ID      string
	Payload interface{}
	// Context bounds the task. The pool context is used when nil.
	Context context.Context

	done chan *Result
}

// Result is the outcome of a task
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after a failed one
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for the audit consumer
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// SubmitWait queues a task and waits for its result
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(ctx, task); err != nil {
		return nil, err
	}
	select {
	case r := <-task.done:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes tasks concurrently and returns their results in order
func (p *Pool) Run(ctx context.Context, tasks []*Task) ([]*Result, error) {
	for _, t := range tasks {
		t.done = make(chan *Result, 1)
		if err := p.Submit(ctx, t); err != nil {
			return nil, err
		}
	}

	results := make([]*Result, len(tasks))
	for i, t := range tasks {
		select {
		case results[i] = <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// Stop drains queued tasks and waits for the workers
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out, cancelling tasks")
			p.cancel()
			<-done
		}
		p.cancel()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		result := p.process(id, task)
		if task.done != nil {
			task.done <- result
		}
	}
}

// process runs a task with retries
func (p *Pool) process(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Success: true}
		}
		if result.Success || attempt >= p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Success {
		p.completed.Add(1)
		return result
	}

	p.failed.Add(1)
	if p.config.MaxRetries > 0 && result.Error != nil && ctx.Err() == nil {
		result.Error = fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, result.Error)
	}
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(result.Error))
	return result
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}
