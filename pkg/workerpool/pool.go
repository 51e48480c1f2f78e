// Package workerpool runs tasks on a fixed number of goroutines behind a
// bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShuttingDown is returned by Submit after Stop.
	ErrShuttingDown = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
)

// Task is one unit of work. Context, when set, is passed to the worker
// function instead of the pool context.
type Task struct {
	ID      string
	Payload any
	Context context.Context
}

// Result is the outcome of a Task.
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    any
}

// WorkerFunc processes one task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool.
type Config struct {
	Workers int
	// QueueSize bounds both pending tasks and unread results
	QueueSize int
	// ShutdownTimeout is how long Stop lets queued tasks drain before
	// cancelling them
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single service process.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool is a fixed set of workers reading from a shared queue. Failed tasks
// are reported, never retried; retry policy belongs to the caller.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	// mu orders Submit against the close of tasks in Stop.
	mu     sync.RWMutex
	closed bool
}

// New creates a pool. Call Start to launch the workers.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		fn:      fn,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		results: make(chan *Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results yields one Result per submitted task, provided the reader keeps
// up with QueueSize.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop refuses new tasks, lets queued ones finish and closes Results. Task
// contexts are cancelled only if ShutdownTimeout expires first.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.cfg.ShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out, cancelling tasks")
			p.cancel()
			<-done
		}
		p.cancel()
		close(p.results)
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		res := p.run(task)
		if !res.Success {
			p.logger.Debug("task failed", zap.String("task_id", task.ID), zap.Error(res.Error))
		}
		select {
		case p.results <- res:
		default:
			p.logger.Warn("result buffer full, dropping result", zap.String("task_id", task.ID))
		}
	}
}

func (p *Pool) run(task *Task) (res *Result) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = &Result{TaskID: task.ID, Error: fmt.Errorf("task panicked: %v", rec)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return &Result{TaskID: task.ID, Error: err}
	}
	res = p.fn(ctx, task)
	if res == nil {
		res = &Result{Error: errors.New("worker returned no result")}
	}
	res.TaskID = task.ID
	return res
}
