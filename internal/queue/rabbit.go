package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"github.com/hookline/hookline/pkg/schema"
)

const (
	dialBaseBackoff = 500 * time.Millisecond
	dialMaxRetries  = 6
)

// RabbitQueue implements Queue on RabbitMQ: a durable direct exchange with
// one durable queue per queue name and persistent JSON messages, so jobs
// survive a broker restart and redelivery gives at-least-once semantics.
type RabbitQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
	wg       sync.WaitGroup
	closed   bool
}

// NewRabbitQueue dials the broker (with fibonacci backoff), declares the
// exchange, and returns a ready queue.
func NewRabbitQueue(ctx context.Context, url, exchange string, logger *slog.Logger) (*RabbitQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var conn *amqp.Connection
	backoff := retry.WithMaxRetries(dialMaxRetries, retry.NewFibonacci(dialBaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialErr error
		conn, dialErr = amqp.Dial(url)
		if dialErr != nil {
			logger.Warn("amqp dial failed, retrying", slog.String("error", dialErr.Error()))
			return retry.RetryableError(dialErr)
		}
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "dial amqp broker: %v", err).WithCause(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, schema.NewError(schema.ErrCodeQueue, "open amqp channel").WithCause(err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "declare exchange %q", exchange).WithCause(err)
	}

	return &RabbitQueue{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger,
		declared: make(map[string]bool),
	}, nil
}

// declareQueue lazily declares and binds a durable queue for the given name.
func (q *RabbitQueue) declareQueue(queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[queueName] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "declare queue %q", queueName).WithCause(err)
	}
	if err := q.ch.QueueBind(queueName, queueName, q.exchange, false, nil); err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "bind queue %q", queueName).WithCause(err)
	}
	q.declared[queueName] = true
	return nil
}

// Enqueue publishes a persistent JSON message routed to the named queue.
func (q *RabbitQueue) Enqueue(ctx context.Context, queueName string, job schema.Job) error {
	if err := q.declareQueue(queueName); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return schema.NewError(schema.ErrCodeQueue, "marshal job").WithCause(err)
	}
	err = q.ch.PublishWithContext(ctx, q.exchange, queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "publish to %q", queueName).WithCause(err)
	}
	return nil
}

// Consume starts `concurrency` workers on a dedicated channel with prefetch
// bounded to the worker count, so the broker never hands the process more
// jobs than it can run.
func (q *RabbitQueue) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.declareQueue(queueName); err != nil {
		return err
	}

	consumeCh, err := q.conn.Channel()
	if err != nil {
		return schema.NewError(schema.ErrCodeQueue, "open consumer channel").WithCause(err)
	}
	if err := consumeCh.Qos(concurrency, 0, false); err != nil {
		_ = consumeCh.Close()
		return schema.NewError(schema.ErrCodeQueue, "set consumer prefetch").WithCause(err)
	}

	deliveries, err := consumeCh.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = consumeCh.Close()
		return schema.NewErrorf(schema.ErrCodeQueue, "consume %q", queueName).WithCause(err)
	}

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for d := range deliveries {
				q.handleDelivery(ctx, queueName, d, handler)
			}
		}()
	}
	return nil
}

func (q *RabbitQueue) handleDelivery(ctx context.Context, queueName string, d amqp.Delivery, handler Handler) {
	var job schema.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Error("dropping malformed queue message",
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, false)
		return
	}

	panicked, err := q.runHandler(ctx, job, handler)
	switch {
	case panicked:
		// A panicking connector must not crash the consumer goroutine. The
		// delivery is dropped rather than requeued so a deterministic panic
		// cannot loop forever.
		q.logger.Error("job handler panicked, dropping delivery",
			slog.String("queue", queueName),
			slog.String("step_id", job.StepID),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, false)
	case err != nil:
		// Infrastructure failure (store unreachable, enqueue failed).
		// Requeue so the job is redelivered instead of lost.
		q.logger.Error("job handler failed, requeueing",
			slog.String("queue", queueName),
			slog.String("step_id", job.StepID),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		_ = d.Nack(false, true)
	default:
		_ = d.Ack(false)
	}
}

func (q *RabbitQueue) runHandler(ctx context.Context, job schema.Job, handler Handler) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return false, handler(ctx, job)
}

// Close shuts down the channel and connection and waits for workers to drain.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	chErr := q.ch.Close()
	connErr := q.conn.Close()
	q.wg.Wait()

	if chErr != nil {
		return fmt.Errorf("close amqp channel: %w", chErr)
	}
	return connErr
}
