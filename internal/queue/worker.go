package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hookline/hookline/pkg/schema"
)

// ErrPoolClosed is returned when a job is dispatched to a closed pool.
var ErrPoolClosed = errors.New("job pool is closed")

// PoolStats is a snapshot of a pool's lifetime counters.
type PoolStats struct {
	InFlight  int64 `json:"inFlight"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// JobPool executes queue jobs on a fixed set of worker goroutines. The
// in-memory queue uses it to cap handler concurrency the way the broker's
// prefetch caps the AMQP consumer. Dispatch hands a job directly to an idle
// worker; when all workers are busy the caller blocks, which is the
// backpressure the dispatcher relies on.
type JobPool struct {
	jobs chan dispatchedJob
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

type dispatchedJob struct {
	ctx context.Context
	job schema.Job
	run Handler
}

// NewJobPool starts a pool with the given number of workers.
func NewJobPool(workers int) *JobPool {
	if workers <= 0 {
		workers = 1
	}
	p := &JobPool{
		// Unbuffered on purpose: a send completes only when a worker
		// actually receives, so accepted jobs are never stranded.
		jobs: make(chan dispatchedJob),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *JobPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case d := <-p.jobs:
			p.runJob(d)
		}
	}
}

func (p *JobPool) runJob(d dispatchedJob) {
	p.inFlight.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.inFlight.Add(-1)
	}()

	if err := d.run(d.ctx, d.job); err != nil {
		p.failed.Add(1)
		return
	}
	p.processed.Add(1)
}

// Dispatch hands a job to the pool, blocking until a worker picks it up, the
// context is cancelled, or the pool closes.
func (p *JobPool) Dispatch(ctx context.Context, job schema.Job, run Handler) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.jobs <- dispatchedJob{ctx: ctx, job: job, run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
}

// Close stops the workers and waits for in-flight jobs to finish. Safe to
// call more than once.
func (p *JobPool) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

// Stats returns the pool's current counters.
func (p *JobPool) Stats() PoolStats {
	return PoolStats{
		InFlight:  p.inFlight.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
