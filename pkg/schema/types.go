package schema

// StepType distinguishes the single trigger step from the action steps
// that follow it in a workflow chain.
type StepType string

const (
	StepTypeTrigger StepType = "TRIGGER"
	StepTypeAction  StepType = "ACTION"
)

// ExecutionStatus is the lifecycle state of one execution log row.
// A row is created RUNNING and transitions to COMPLETED or FAILED
// exactly once; it is never revisited.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the status admits no further transition.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ConditionOperator is the comparison applied by a trigger condition.
type ConditionOperator string

const (
	OpEqual    ConditionOperator = "EQUAL"
	OpNotEqual ConditionOperator = "NOT_EQUAL"
	OpContains ConditionOperator = "CONTAINS"
)

// Job is the queue message handed from the scheduler to the executor and
// from one action step to its successor. JobID correlates every execution
// log row belonging to a single trigger-to-completion run.
type Job struct {
	StepID string `json:"stepId"`
	JobID  string `json:"jobId"`
}
