package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hookline/hookline/pkg/schema"
)

const memoryQueueDepth = 1024

// MemoryQueue is an in-process Queue for tests and single-process runs
// (scheduler and executor in one binary, no broker configured). Delivery is
// at-least-once in spirit but not durable: jobs are lost on process exit.
type MemoryQueue struct {
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string]chan schema.Job
	pools   []*JobPool
	wg      sync.WaitGroup
	closed  bool
	closing chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		logger:  logger,
		queues:  make(map[string]chan schema.Job),
		closing: make(chan struct{}),
	}
}

func (q *MemoryQueue) channel(queueName string) (chan schema.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, schema.NewError(schema.ErrCodeQueue, "queue is closed")
	}
	ch, ok := q.queues[queueName]
	if !ok {
		ch = make(chan schema.Job, memoryQueueDepth)
		q.queues[queueName] = ch
	}
	return ch, nil
}

// Enqueue publishes a job, blocking on backpressure until the buffer has
// room, the context is cancelled, or the queue closes.
func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, job schema.Job) error {
	ch, err := q.channel(queueName)
	if err != nil {
		return err
	}
	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closing:
		return schema.NewError(schema.ErrCodeQueue, "queue is closed")
	}
}

// Consume starts a dispatcher that feeds dequeued jobs into a bounded worker
// pool of the given concurrency. It returns once the dispatcher is running.
func (q *MemoryQueue) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	ch, err := q.channel(queueName)
	if err != nil {
		return err
	}

	pool := NewJobPool(concurrency)
	q.mu.Lock()
	q.pools = append(q.pools, pool)
	q.mu.Unlock()

	logged := func(ctx context.Context, job schema.Job) error {
		if err := handler(ctx, job); err != nil {
			q.logger.Error("job handler failed",
				slog.String("queue", queueName),
				slog.String("step_id", job.StepID),
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			return err
		}
		return nil
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.closing:
				return
			case job := <-ch:
				if err := pool.Dispatch(ctx, job, logged); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// Depth returns the number of buffered jobs in the named queue.
func (q *MemoryQueue) Depth(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.queues[queueName]; ok {
		return len(ch)
	}
	return 0
}

// Close stops all consumers and waits for in-flight handlers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	pools := q.pools
	q.mu.Unlock()

	q.wg.Wait()
	for _, p := range pools {
		p.Close()
		stats := p.Stats()
		q.logger.Info("consumer stopped",
			slog.Int64("processed", stats.Processed),
			slog.Int64("failed", stats.Failed),
			slog.Int64("panics", stats.Panics),
		)
	}
	return nil
}
