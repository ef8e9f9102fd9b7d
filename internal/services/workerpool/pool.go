// Package workerpool bounds the fan-out of market data fetches inside a cycle.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/irfndi/tickerpulse/internal/config"
)

var ErrNotRunning = errors.New("pool not running")

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	workers   int
	taskQueue chan queued
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
}

// Task is one unit of work. Execute receives the context passed to Submit.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
}

type queued struct {
	ctx  context.Context
	task Task
}

type Config struct {
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 64,
	}
}

// ConfigFrom derives pool sizing from the cycle config.
func ConfigFrom(cfg config.CycleConfig) Config {
	out := DefaultConfig()
	if cfg.Workers > 0 {
		out.Workers = cfg.Workers
	}
	if cfg.QueueSize > 0 {
		out.QueueSize = cfg.QueueSize
	}
	return out
}

func New(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Pool{
		workers:   cfg.Workers,
		taskQueue: make(chan queued, cfg.QueueSize),
	}
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pool already running")
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.running = true
	return nil
}

// Stop closes the queue and waits for queued tasks to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Submit enqueues task. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}

	select {
	case p.taskQueue <- queued{ctx: ctx, task: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth is the number of submitted tasks not yet picked up by a worker.
func (p *Pool) QueueDepth() int {
	return len(p.taskQueue)
}

func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for item := range p.taskQueue {
		_ = item.task.Execute(item.ctx)
	}
}

// Fetched is the outcome of one key in FetchAll.
type Fetched[V any] struct {
	Value V
	Err   error
}

// FetchAll runs fetch once per distinct key on the pool and waits for all of them.
// A nil or stopped pool runs the fetches inline.
func FetchAll[K comparable, V any](ctx context.Context, p *Pool, keys []K, fetch func(context.Context, K) (V, error)) map[K]Fetched[V] {
	out := make(map[K]Fetched[V], len(keys))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(k K, v V, err error) {
		mu.Lock()
		out[k] = Fetched[V]{Value: v, Err: err}
		mu.Unlock()
	}

	seen := make(map[K]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true

		key := k
		run := func(ctx context.Context) error {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				var zero V
				record(key, zero, err)
				return err
			}
			v, err := fetch(ctx, key)
			record(key, v, err)
			return err
		}

		wg.Add(1)
		if p == nil || !p.IsRunning() {
			_ = run(ctx)
			continue
		}
		if err := p.Submit(ctx, Task{ID: fmt.Sprint(key), Execute: run}); err != nil {
			var zero V
			record(key, zero, err)
			wg.Done()
		}
	}
	wg.Wait()
	return out
}
