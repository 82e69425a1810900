package queue

import (
	"context"

	"github.com/hookline/hookline/pkg/schema"
)

// QueueName is the step-execution queue shared by the scheduler (producer)
// and the executor (consumer).
const QueueName = "action-execution"

// Handler processes one dequeued job. A nil return acknowledges the message;
// an error signals an infrastructure failure (the message is not acked).
// Business failures of a step are recorded in the execution log and return
// nil — the chain simply stops.
type Handler func(ctx context.Context, job schema.Job) error

// Queue is the sole hand-off between the trigger scheduler and the step
// executor. Implementations provide at-least-once delivery with no ordering
// guarantee across runs. Queues are constructed and injected explicitly so
// tests can substitute the in-memory implementation.
type Queue interface {
	// Enqueue publishes a job to the named queue.
	Enqueue(ctx context.Context, queueName string, job schema.Job) error
	// Consume starts a bounded-concurrency consumer on the named queue and
	// returns once the consumer is running. Consumption stops when ctx is
	// cancelled or the queue is closed.
	Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error
	// Close tears the queue down and waits for in-flight handlers.
	Close() error
}
