// Package workerpool runs background cluster work (migration streams,
// replica repair) on a fixed number of goroutines bounded by threads_max.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anor-rs/anor-cluster/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is a unit of work
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context

	done chan error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
}

// Pool is a bounded set of goroutines draining a task queue
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	tasks      chan Task
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopCh     chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

func New(c Config) *Pool {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.MaxWorkers * 64
	}

	p := &Pool{
		name:       c.Name,
		maxWorkers: c.MaxWorkers,
		queueSize:  c.QueueSize,
		tasks:      make(chan Task, c.QueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Debug().
		Str("pool", p.name).
		Int("max_workers", p.maxWorkers).
		Int("queue_size", p.queueSize).
		Msg("Worker pool started")
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.tasks:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	defer func() {
		if task.done != nil {
			task.done <- err
		}
	}()

	if err != nil {
		p.failed.Add(1)
		telemetry.WorkerPoolTasksTotal.With(p.name, "failed").Inc()
		log.Warn().
			Err(err).
			Str("pool", p.name).
			Int("worker_id", workerID).
			Str("task_id", task.ID).
			Dur("duration", time.Since(start)).
			Msg("Task failed")
		return
	}
	p.completed.Add(1)
	telemetry.WorkerPoolTasksTotal.With(p.name, "completed").Inc()
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) reject() {
	p.rejected.Add(1)
	telemetry.WorkerPoolTasksTotal.With(p.name, "rejected").Inc()
}

// TrySubmit queues task without blocking
func (p *Pool) TrySubmit(task Task) error {
	if p.stopped() {
		p.reject()
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.reject()
		return ErrQueueFull
	}
}

// Submit blocks until task is queued, ctx is done or the pool stops
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.stopped() {
		p.reject()
		return ErrStopped
	}
	select {
	case <-p.stopCh:
		p.reject()
		return ErrStopped
	case <-ctx.Done():
		p.reject()
		return ctx.Err()
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	}
}

// RunAll runs every task on the pool and waits for all of them. The
// returned error joins every task failure.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) error {
	results := make([]chan error, 0, len(tasks))
	var errs []error

	for _, task := range tasks {
		task.done = make(chan error, 1)
		if task.Context == nil {
			task.Context = ctx
		}
		if err := p.Submit(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		results = append(results, task.done)
	}

	for _, done := range results {
		var err error
		select {
		case err = <-done:
		case <-p.stopCh:
			select {
			case err = <-done:
			default:
				err = ErrStopped
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop closes the pool and waits up to timeout for running tasks
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Debug().Str("pool", p.name).Msg("Worker pool stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.active.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.tasks),
		TotalTasks:     p.submitted.Load(),
		CompletedTasks: p.completed.Load(),
		FailedTasks:    p.failed.Load(),
		RejectedTasks:  p.rejected.Load(),
	}
}
