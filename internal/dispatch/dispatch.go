// Package dispatch provides fork-join execution of per-device callbacks.
//
// Collective operations run one callback per local device and must not
// return before every callback has finished. A small reusable worker pool
// bounds goroutine churn when collectives are issued at high frequency.
package dispatch

import "sync"

type task struct {
	fn  func(int)
	idx int
	wg  *sync.WaitGroup
}

// Pool is a fixed-size worker pool with a join barrier per Run call.
// It is safe for concurrent use, though collective callers are expected to
// issue one Run at a time.
type Pool struct {
	tasks chan task
	once  sync.Once
}

// NewPool creates a pool with the given number of workers, typically one
// per local device.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{tasks: make(chan task)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.tasks {
		t.fn(t.idx)
		t.wg.Done()
	}
}

// Run executes fn(0) .. fn(n-1) on the pool workers and blocks until all
// callbacks have returned. Callbacks run concurrently and must not share
// mutable state without their own synchronization. A panic inside a
// callback terminates the process; partial completion of the remaining
// callbacks is undefined.
func (p *Pool) Run(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.tasks <- task{fn: fn, idx: i, wg: &wg}
	}
	wg.Wait()
}

// RunSequential executes fn(0) .. fn(n-1) on the calling goroutine in
// index order.
func (p *Pool) RunSequential(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		fn(i)
	}
}

// Close releases the pool workers. The pool must not be used afterwards.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
}
