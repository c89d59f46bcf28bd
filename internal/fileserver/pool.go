package fileserver

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	ilog "github.com/spiderbutter/spiderbutter/internal/log"
	"github.com/spiderbutter/spiderbutter/internal/task"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 128
	defaultMaxOwned  = 128
	workerTick       = time.Millisecond
)

// Pool is a fixed set of workers. Each worker runs on its own locked OS
// thread and owns the tasks assigned to it until they finish; tasks never
// move between workers.
type Pool struct {
	workers []*worker
	next    int
	wg      sync.WaitGroup
	log     *slog.Logger

	// onResume, when set, runs before every resume. Tests use it to observe
	// ownership.
	onResume func(workerID int, t *task.Task)
}

type worker struct {
	id       int
	in       chan *task.Task
	owned    []*task.Task
	maxOwned int
	closed   bool
	pool     *Pool
}

// NewPool creates n workers, each with an inbound queue of queueSize tasks
// and at most maxOwned tasks in flight. Workers start with Start.
func NewPool(n, queueSize, maxOwned int, logger *slog.Logger) *Pool {
	if n < 1 {
		n = defaultWorkers
	}
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	if maxOwned < 1 {
		maxOwned = defaultMaxOwned
	}
	if logger == nil {
		logger = ilog.Discard()
	}
	p := &Pool{log: logger}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{
			id:       i,
			in:       make(chan *task.Task, queueSize),
			maxOwned: maxOwned,
			pool:     p,
		})
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Submit assigns t to the next worker in round-robin order. It blocks while
// that worker's queue is full. Submit must only be called from one goroutine.
func (p *Pool) Submit(t *task.Task) {
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	w.in <- t
}

// Close stops accepting work and waits up to timeout for owned tasks to
// finish. It reports whether every worker exited in time.
func (p *Pool) Close(timeout time.Duration) bool {
	for _, w := range p.workers {
		close(w.in)
	}
	return waitGroupWait(&p.wg, timeout)
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.pool.log.Debug("worker stopped", "worker", w.id)

	for {
		if len(w.owned) == 0 {
			if w.closed {
				return
			}
			t, ok := <-w.in
			if !ok {
				return
			}
			w.owned = append(w.owned, t)
		}
		w.drain()
		w.pass()
		if len(w.owned) > 0 {
			time.Sleep(workerTick)
		}
	}
}

// drain takes newly assigned tasks without blocking, up to the ownership ceiling.
func (w *worker) drain() {
	for !w.closed && len(w.owned) < w.maxOwned {
		select {
		case t, ok := <-w.in:
			if !ok {
				w.closed = true
				return
			}
			w.owned = append(w.owned, t)
		default:
			return
		}
	}
}

// pass resumes every owned task once and drops the finished ones.
func (w *worker) pass() {
	for i := 0; i < len(w.owned); {
		t := w.owned[i]
		if hook := w.pool.onResume; hook != nil {
			hook(w.id, t)
		}
		if t.Resume() {
			i++
			continue
		}
		last := len(w.owned) - 1
		w.owned[i] = w.owned[last]
		w.owned[last] = nil
		w.owned = w.owned[:last]
	}
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
