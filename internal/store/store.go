package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use; per-row update
// serialization is the storage engine's responsibility.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	// ListActiveWorkflows returns every workflow with is_active = true,
	// with its steps and each step's connection eagerly joined, steps
	// ordered by index. This is the scheduler's one read per tick.
	ListActiveWorkflows(ctx context.Context) ([]*Workflow, error)

	// Steps
	CreateStep(ctx context.Context, step *Step) error
	// GetStep loads one step with its workflow and connection eagerly joined.
	GetStep(ctx context.Context, id string) (*Step, error)
	// GetStepByIndex loads the step at the given chain position, without joins.
	GetStepByIndex(ctx context.Context, workflowID string, index int) (*Step, error)

	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	UpdateConnection(ctx context.Context, id string, update ConnectionUpdate) error

	// Execution log (append, then transition exactly once)
	CreateExecutionLog(ctx context.Context, log *ExecutionLog) error
	UpdateExecutionLog(ctx context.Context, id string, update ExecutionLogUpdate) error
	ListExecutionLogs(ctx context.Context, filter ExecutionLogFilter) ([]*ExecutionLog, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
