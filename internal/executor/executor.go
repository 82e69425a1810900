// Package executor consumes the step queue and runs action steps, chaining
// each completed step to its successor under the same run correlation ID.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/token"
	"github.com/hookline/hookline/pkg/connector"
	"github.com/hookline/hookline/pkg/schema"
)

// DefaultWorkerCount bounds concurrent step executions when none is
// configured.
const DefaultWorkerCount = 5

// Store is the slice of the persistence layer the executor needs.
type Store interface {
	GetStep(ctx context.Context, id string) (*store.Step, error)
	GetStepByIndex(ctx context.Context, workflowID string, index int) (*store.Step, error)
	CreateExecutionLog(ctx context.Context, log *store.ExecutionLog) error
	UpdateExecutionLog(ctx context.Context, id string, update store.ExecutionLogUpdate) error
}

// Executor is the consuming side of the step queue. Steps of distinct runs
// execute concurrently up to the worker bound; within one run the chain is
// strictly sequential because each step enqueues its successor only after
// completing.
type Executor struct {
	store     Store
	registry  *connector.Registry
	queue     queue.Queue
	refresher *token.Refresher
	validator *schema.FieldValidator
	logger    *slog.Logger
	workers   int
}

// New creates an executor. A non-positive worker count falls back to
// DefaultWorkerCount.
func New(s Store, registry *connector.Registry, q queue.Queue, refresher *token.Refresher, logger *slog.Logger, workers int) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	return &Executor{
		store:     s,
		registry:  registry,
		queue:     q,
		refresher: refresher,
		validator: schema.NewFieldValidator(),
		logger:    logger,
		workers:   workers,
	}
}

// Start begins consuming the step queue. It returns once the consumer is
// running; consumption stops when ctx is cancelled or the queue closes.
func (e *Executor) Start(ctx context.Context) error {
	e.logger.Info("executor starting", slog.Int("workers", e.workers))
	return e.queue.Consume(ctx, queue.QueueName, e.workers, e.handle)
}

// handle runs one dequeued step. It returns an error only for
// infrastructure failures (store or queue unavailable), which leaves the
// message unacked for redelivery. Business failures are recorded in the
// execution log and acked: the chain simply stops.
func (e *Executor) handle(ctx context.Context, job schema.Job) error {
	ctx = logging.WithJobID(ctx, job.JobID)

	step, err := e.store.GetStep(ctx, job.StepID)
	if err != nil {
		if schema.IsNotFound(err) {
			// The step was deleted after enqueue. Nothing to execute and
			// nothing to log against; drop the message.
			e.logger.WarnContext(ctx, "dequeued step no longer exists",
				slog.String("step_id", job.StepID))
			return nil
		}
		return err
	}
	ctx = logging.WithIDs(ctx, step.WorkflowID, step.ID, job.JobID)

	logRow := &store.ExecutionLog{
		ID:         uuid.NewString(),
		WorkflowID: step.WorkflowID,
		StepID:     step.ID,
		JobID:      job.JobID,
		Status:     schema.ExecutionRunning,
		Message:    fmt.Sprintf("Action %s execution started", step.App),
	}
	if err := e.store.CreateExecutionLog(ctx, logRow); err != nil {
		return err
	}

	if step.Type != schema.StepTypeAction {
		e.finishLog(ctx, logRow.ID, schema.ExecutionFailed,
			fmt.Sprintf("step %s is not an action", step.ID))
		return nil
	}

	app, action, md, failMsg := e.resolveAction(step)
	if failMsg != "" {
		e.finishLog(ctx, logRow.ID, schema.ExecutionFailed, failMsg)
		e.logger.WarnContext(ctx, "action resolution failed", slog.String("reason", failMsg))
		return nil
	}

	started := time.Now()
	result := e.refresher.RunWithRefresh(ctx, app, step.Connection, func(accessToken string) connector.Result {
		return action.Run(ctx, md.Fields, accessToken)
	})

	if !result.Success {
		e.finishLog(ctx, logRow.ID, schema.ExecutionFailed, result.Message)
		e.logger.InfoContext(ctx, "action failed, chain stopped",
			slog.Int("status_code", result.StatusCode),
			slog.String("message", result.Message))
		return nil
	}

	e.finishLog(ctx, logRow.ID, schema.ExecutionCompleted, result.Message)
	e.logger.InfoContext(ctx, "action completed",
		slog.String("action_id", action.Spec().ID),
		slog.Duration("took", time.Since(started)))

	return e.enqueueNext(ctx, step, job.JobID)
}

// resolveAction maps a step to its registered app, action, and decoded
// metadata. A non-empty failMsg means resolution failed and the run must be
// logged FAILED with that message.
func (e *Executor) resolveAction(step *store.Step) (app *connector.App, action connector.Action, md *schema.ActionMetadata, failMsg string) {
	app, err := e.registry.Find(step.App)
	if err != nil {
		return nil, nil, nil, fmt.Sprintf("app %q is not registered", step.App)
	}
	md, err = schema.DecodeActionMetadata(step.Metadata)
	if err != nil {
		return nil, nil, nil, err.Error()
	}
	action, ok := app.FindAction(md.ActionID)
	if !ok {
		return nil, nil, nil, fmt.Sprintf("action %q not found in app %q", md.ActionID, step.App)
	}
	if err := e.validator.Validate(action.Spec().InputSchema, md.Fields); err != nil {
		return nil, nil, nil, err.Error()
	}
	return app, action, md, ""
}

// enqueueNext hands the successor step to the queue under the same job ID,
// or ends the chain when there is none.
func (e *Executor) enqueueNext(ctx context.Context, step *store.Step, jobID string) error {
	next, err := e.store.GetStepByIndex(ctx, step.WorkflowID, step.Index+1)
	if err != nil {
		if schema.IsNotFound(err) {
			e.logger.InfoContext(ctx, "chain complete",
				slog.Int("steps_executed", step.Index+1))
			return nil
		}
		return err
	}
	if next.Type != schema.StepTypeAction {
		e.logger.WarnContext(ctx, "successor step is not an action, chain stopped",
			slog.String("next_step_id", next.ID))
		return nil
	}

	if err := e.queue.Enqueue(ctx, queue.QueueName, schema.Job{StepID: next.ID, JobID: jobID}); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "next action enqueued", slog.String("next_step_id", next.ID))
	return nil
}

func (e *Executor) finishLog(ctx context.Context, id string, status schema.ExecutionStatus, message string) {
	if err := e.store.UpdateExecutionLog(ctx, id, store.ExecutionLogUpdate{
		Status:  status,
		Message: message,
	}); err != nil {
		e.logger.ErrorContext(ctx, "updating execution log failed",
			slog.String("log_id", id),
			slog.String("error", err.Error()))
	}
}
