package worker

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
)

// Pool runs submitted tasks on n goroutines. A panicking task is logged and
// does not take its worker down.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan func()
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewPool(n, queue int, log *slog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	p := &Pool{jobs: make(chan func(), queue), log: log}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
				p.run(job)
			}
		}()
	}
	return p
}

func (p *Pool) run(job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("worker task panicked", "err", rec, "stack", string(debug.Stack()))
		}
	}()
	job()
}

// TrySubmit queues f only if there is room. It reports false when the
// queue is full or the pool is stopped.
func (p *Pool) TrySubmit(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- f:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		return false
	}
}

// Stop drains queued tasks and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
