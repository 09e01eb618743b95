// Package worker provides a fixed-size task pool with a bounded queue.
// The dispatcher uses it to run store operations off the connection read
// path; a full queue is backpressure, reported per request, never fatal.
package worker

import (
	"log/slog"
	"sync"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 4096
)

// Pool runs submitted tasks on a fixed set of goroutines. It is explicitly
// constructed and owned by its caller; there is no package-level instance.
type Pool struct {
	tasks chan func()
	stop  chan struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// New creates a pool with the given number of workers and queue capacity.
// Non-positive values fall back to defaults.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	p := &Pool{
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.stop:
			return
		}
	}
}

// run executes one task, recovering from panics so a failing task never
// takes a worker down with it.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Worker] Task panicked", "panic", r)
		}
	}()
	task()
}

// Submit queues task for execution. It returns false without blocking when
// the queue is full; the caller must fail only the triggering request.
func (p *Pool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop tells the workers to exit after their current task and waits for
// them. Queued but unstarted tasks are dropped. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

// QueueDepth reports how many tasks are queued but not yet picked up.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}
