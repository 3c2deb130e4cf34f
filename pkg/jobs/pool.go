package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work. Tasks receive the pool context.
type Task func(ctx context.Context) error

// Policy decides what Submit does when the queue is full and no worker can be added.
type Policy int

const (
	// PolicyRunInline runs the task on the submitting goroutine.
	PolicyRunInline Policy = iota
	// PolicyQueue blocks the submitter until a queue slot frees.
	PolicyQueue
	// PolicyReject drops the task and counts it.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyQueue:
		return "queue"
	case PolicyReject:
		return "reject"
	default:
		return "inline"
	}
}

// ParsePolicy maps a configuration value to a Policy. Unknown values select PolicyRunInline.
func ParsePolicy(raw string) Policy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queue", "block":
		return PolicyQueue
	case "reject", "discard":
		return PolicyReject
	default:
		return PolicyRunInline
	}
}

// Observer receives pool saturation signals.
type Observer interface {
	TaskQueued(pool string)
	TaskInline(pool string)
	TaskRejected(pool string)
	TaskFinished(pool string, err error, elapsed time.Duration)
	WorkersChanged(pool string, workers int)
}

type nopObserver struct{}

func (nopObserver) TaskQueued(string)                         {}
func (nopObserver) TaskInline(string)                         {}
func (nopObserver) TaskRejected(string)                       {}
func (nopObserver) TaskFinished(string, error, time.Duration) {}
func (nopObserver) WorkersChanged(string, int)                {}

// PoolConfig configures worker pool sizing and overload behaviour.
type PoolConfig struct {
	CoreWorkers int
	MaxWorkers  int
	QueueSize   int
	KeepAlive   time.Duration
	Policy      Policy
	Logger      *zap.Logger
	Observer    Observer
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers    int
	Queued     int
	InlineRuns int64
	Rejected   int64
	Discarded  int64
	Completed  int64
	Failed     int64
}

// Pool is a bounded goroutine pool. It keeps CoreWorkers alive, grows up to MaxWorkers
// when the queue is full, and retires surge workers after KeepAlive of idleness.
type Pool struct {
	name      string
	core      int
	max       int
	keepAlive time.Duration
	policy    Policy
	logger    *zap.Logger
	observer  Observer

	tasks chan Task
	quit  chan struct{}

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers int
	started bool
	closed  bool
	wg      sync.WaitGroup
	senders sync.WaitGroup

	inline    atomic.Int64
	rejected  atomic.Int64
	discarded atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool builds a pool. Zero values fall back to 3 core workers, 8 max workers,
// a queue of 200 and a 60s keep-alive.
func NewPool(name string, cfg PoolConfig) *Pool {
	if cfg.CoreWorkers <= 0 {
		cfg.CoreWorkers = 3
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 200
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	return &Pool{
		name:      name,
		core:      cfg.CoreWorkers,
		max:       cfg.MaxWorkers,
		keepAlive: cfg.KeepAlive,
		policy:    cfg.Policy,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		tasks:     make(chan Task, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Start launches the core workers. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.core; i++ {
		p.spawnLocked(nil, false)
	}
	p.started = true
	p.logger.Sugar().Infow("pool started",
		"pool", p.name,
		"core_workers", p.core,
		"max_workers", p.max,
		"queue_size", cap(p.tasks),
		"policy", p.policy.String(),
	)
}

// Submit hands a task to the pool. It never returns an error and never panics; tasks
// submitted before Start or after Shutdown are discarded.
func (p *Pool) Submit(task Task) {
	if task == nil {
		return
	}

	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		p.discarded.Add(1)
		p.logger.Warn("pool not accepting tasks, discarding", zap.String("pool", p.name))
		return
	}

	select {
	case p.tasks <- task:
		p.mu.Unlock()
		p.observer.TaskQueued(p.name)
		return
	default:
	}

	if p.workers < p.max {
		p.spawnLocked(task, true)
		p.mu.Unlock()
		return
	}

	if p.policy == PolicyQueue {
		p.senders.Add(1)
	}
	p.mu.Unlock()

	switch p.policy {
	case PolicyQueue:
		defer p.senders.Done()
		p.tasks <- task
		p.observer.TaskQueued(p.name)
	case PolicyReject:
		p.rejected.Add(1)
		p.observer.TaskRejected(p.name)
		p.logger.Warn("pool saturated, task rejected", zap.String("pool", p.name))
	default:
		p.inline.Add(1)
		p.observer.TaskInline(p.name)
		p.run(task)
	}
}

// Shutdown stops intake, lets the workers drain the queue and waits for them.
// When ctx expires first the pool context is cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.senders.Wait()
		close(p.quit)
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Sugar().Infow("pool stopped", "pool", p.name, "completed", p.completed.Load(), "failed", p.failed.Load())
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("pool shutdown timed out",
			zap.String("pool", p.name),
			zap.Int("queued", len(p.tasks)),
		)
		return ctx.Err()
	}
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	return PoolStats{
		Workers:    workers,
		Queued:     len(p.tasks),
		InlineRuns: p.inline.Load(),
		Rejected:   p.rejected.Load(),
		Discarded:  p.discarded.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}

// spawnLocked must be called with p.mu held.
func (p *Pool) spawnLocked(first Task, surge bool) {
	p.workers++
	p.wg.Add(1)
	p.observer.WorkersChanged(p.name, p.workers)
	go p.worker(first, surge)
}

func (p *Pool) worker(first Task, surge bool) {
	defer p.wg.Done()

	if first != nil {
		p.run(first)
	}

	for {
		var (
			timer *time.Timer
			idle  <-chan time.Time
		)
		if surge {
			timer = time.NewTimer(p.keepAlive)
			idle = timer.C
		}

		select {
		case task := <-p.tasks:
			p.run(task)
		case <-idle:
			if p.retire() {
				return
			}
		case <-p.quit:
			if timer != nil {
				timer.Stop()
			}
			p.drain()
			p.exit()
			return
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		default:
			return
		}
	}
}

func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.core {
		return false
	}
	p.workers--
	p.observer.WorkersChanged(p.name, p.workers)
	return true
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	workers := p.workers
	p.mu.Unlock()
	p.observer.WorkersChanged(p.name, workers)
}

func (p *Pool) run(task Task) {
	start := time.Now()
	err := p.safeRun(task)
	elapsed := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("pool task failed", zap.String("pool", p.name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		p.completed.Add(1)
	}
	p.observer.TaskFinished(p.name, err, elapsed)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(p.ctx)
}

// ErrTaskPanicked wraps a recovered task panic.
var ErrTaskPanicked = errors.New("task panicked")
