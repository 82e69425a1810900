// Package scheduler polls every active workflow's trigger on a global ticker
// and starts a run when the trigger fires, handing the first action to the
// step queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/token"
	"github.com/hookline/hookline/pkg/connector"
	"github.com/hookline/hookline/pkg/schema"
)

// DefaultPollInterval is the tick period when none is configured.
const DefaultPollInterval = 60 * time.Second

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	ListActiveWorkflows(ctx context.Context) ([]*store.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error
	CreateExecutionLog(ctx context.Context, log *store.ExecutionLog) error
	UpdateExecutionLog(ctx context.Context, id string, update store.ExecutionLogUpdate) error
}

// Enqueuer is the producing side of the step queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, job schema.Job) error
}

// Scheduler drives trigger polling. One instance runs per deployment; a tick
// evaluates every active workflow in sequence, so ticks never overlap.
type Scheduler struct {
	store     Store
	registry  *connector.Registry
	queue     Enqueuer
	refresher *token.Refresher
	validator *schema.FieldValidator
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. A non-positive interval falls back to
// DefaultPollInterval.
func New(s Store, registry *connector.Registry, q Enqueuer, refresher *token.Refresher, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:     s,
		registry:  registry,
		queue:     q,
		refresher: refresher,
		validator: schema.NewFieldValidator(),
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// Start launches the polling loop. The first tick runs immediately.
// Returns an error if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", slog.Duration("interval", s.interval))
	go s.loop(ctx)
	return nil
}

// Stop halts the polling loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every active workflow once. Workflows are isolated: a
// failure in one is logged and the loop moves on.
func (s *Scheduler) tick(ctx context.Context) {
	workflows, err := s.store.ListActiveWorkflows(ctx)
	if err != nil {
		s.logger.Error("listing active workflows failed", slog.String("error", err.Error()))
		return
	}

	for _, wf := range workflows {
		if ctx.Err() != nil {
			return
		}
		s.pollWorkflow(ctx, wf)
	}
}

func (s *Scheduler) pollWorkflow(ctx context.Context, wf *store.Workflow) {
	ctx = logging.WithWorkflowID(ctx, wf.ID)

	// Triggers are pluggable; a panic in one workflow's connector must not
	// take down the tick for the rest.
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "workflow poll panicked", slog.Any("panic", r))
		}
	}()

	step := wf.StepAt(0)
	if step == nil {
		s.logger.WarnContext(ctx, "active workflow has no first step")
		return
	}
	if step.Type != schema.StepTypeTrigger {
		s.logger.WarnContext(ctx, "first step is not a trigger",
			slog.String("type", string(step.Type)))
		return
	}
	ctx = logging.WithStepID(ctx, step.ID)

	app, err := s.registry.Find(step.App)
	if err != nil {
		s.logger.WarnContext(ctx, "trigger app not registered", slog.String("app", step.App))
		return
	}
	md, err := schema.DecodeTriggerMetadata(step.Metadata)
	if err != nil {
		s.logger.WarnContext(ctx, "invalid trigger metadata", slog.String("error", err.Error()))
		return
	}
	trigger, ok := app.FindTrigger(md.TriggerID)
	if !ok {
		s.logger.WarnContext(ctx, "trigger not found in app",
			slog.String("app", app.ID),
			slog.String("trigger_id", md.TriggerID))
		return
	}
	if err := s.validator.Validate(trigger.Spec().InputSchema, md.Fields); err != nil {
		s.logger.WarnContext(ctx, "trigger fields do not match schema",
			slog.String("error", err.Error()))
		return
	}

	// Auth precondition. A missing or expired credential means the workflow
	// is skipped this tick; the refresh protocol only runs in response to a
	// 401 from an actual invocation.
	if app.NeedsAuth() {
		conn := step.Connection
		if conn == nil || conn.AccessToken == "" {
			s.logger.InfoContext(ctx, "skipping workflow, no usable connection",
				slog.String("app", app.ID))
			return
		}
		if conn.Expired(s.now()) {
			s.logger.InfoContext(ctx, "skipping workflow, access token expired",
				slog.String("connection_id", conn.ID))
			return
		}
	}

	jobID := uuid.NewString()
	ctx = logging.WithJobID(ctx, jobID)

	logRow := &store.ExecutionLog{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		StepID:     step.ID,
		JobID:      jobID,
		Status:     schema.ExecutionRunning,
		Message:    fmt.Sprintf("Trigger %s execution started", trigger.Spec().Name),
	}
	if err := s.store.CreateExecutionLog(ctx, logRow); err != nil {
		s.logger.ErrorContext(ctx, "creating execution log failed", slog.String("error", err.Error()))
		return
	}

	result := s.refresher.RunWithRefresh(ctx, app, step.Connection, func(accessToken string) connector.Result {
		return trigger.Run(ctx, md.Fields, wf.LastExecutedAt, accessToken)
	})

	if !result.Success {
		s.finishLog(ctx, logRow.ID, schema.ExecutionFailed, result.Message)
		s.logger.InfoContext(ctx, "trigger did not fire",
			slog.Int("status_code", result.StatusCode),
			slog.String("message", result.Message))
		return
	}

	s.finishLog(ctx, logRow.ID, schema.ExecutionCompleted, result.Message)

	// The trigger fired: advance the polling window even if the downstream
	// enqueue fails, so the same items are not re-delivered next tick.
	firedAt := s.now()
	if err := s.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{LastExecutedAt: &firedAt}); err != nil {
		s.logger.ErrorContext(ctx, "updating lastExecutedAt failed", slog.String("error", err.Error()))
	}

	next := wf.StepAt(1)
	if next == nil || next.Type != schema.StepTypeAction {
		s.logger.InfoContext(ctx, "workflow has no action step, run complete")
		return
	}
	if err := s.queue.Enqueue(ctx, queue.QueueName, schema.Job{StepID: next.ID, JobID: jobID}); err != nil {
		s.logger.ErrorContext(ctx, "enqueueing first action failed",
			slog.String("next_step_id", next.ID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "trigger fired, first action enqueued",
		slog.String("next_step_id", next.ID))
}

func (s *Scheduler) finishLog(ctx context.Context, id string, status schema.ExecutionStatus, message string) {
	if err := s.store.UpdateExecutionLog(ctx, id, store.ExecutionLogUpdate{
		Status:  status,
		Message: message,
	}); err != nil {
		s.logger.ErrorContext(ctx, "updating execution log failed",
			slog.String("log_id", id),
			slog.String("error", err.Error()))
	}
}
