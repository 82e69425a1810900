package store

import (
	"encoding/json"
	"time"

	"github.com/hookline/hookline/pkg/schema"
)

// Workflow is a user-defined chain of one TRIGGER step followed by ACTION
// steps. Steps is populated, ordered by index, by the eager list queries.
// An active workflow has at least 2 steps, the first of type TRIGGER, the
// rest ACTION, with contiguous zero-based indexes.
type Workflow struct {
	ID             string
	Name           string
	OwnerID        string
	IsActive       bool
	LastExecutedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Steps []*Step
}

// StepAt returns the step with the given index, or nil.
func (w *Workflow) StepAt(index int) *Step {
	for _, s := range w.Steps {
		if s.Index == index {
			return s
		}
	}
	return nil
}

// Step is one node in a workflow chain. Index 0 is the trigger; 1..n are
// actions, strictly increasing with no gaps. Metadata is the opaque blob
// decoded against Type by pkg/schema.
type Step struct {
	ID           string
	WorkflowID   string
	Index        int
	Type         schema.StepType
	App          string
	Metadata     json.RawMessage
	ConnectionID string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Workflow   *Workflow
	Connection *Connection
}

// Connection is a stored OAuth credential for one (owner, app) pairing.
// Created by the OAuth callback surface; mutated in place by the
// token-refresh protocol; never deleted by the core.
type Connection struct {
	ID           string
	App          string
	OwnerID      string
	Name         string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the access token's expiry has passed at the given
// instant. A connection with no expiry never counts as expired.
func (c *Connection) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// ExecutionLog is one row of the audit trail: the lifecycle of one step
// invocation within one run. JobID groups all rows of a single run.
type ExecutionLog struct {
	ID         string
	WorkflowID string
	StepID     string
	JobID      string
	Status     schema.ExecutionStatus
	Message    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkflowUpdate carries the mutable workflow fields; nil pointers leave the
// column untouched.
type WorkflowUpdate struct {
	Name           *string
	IsActive       *bool
	LastExecutedAt *time.Time
}

// ConnectionUpdate carries the token fields rewritten by the refresh
// protocol; nil pointers leave the column untouched.
type ConnectionUpdate struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
}

// ExecutionLogUpdate transitions a log row to a terminal status.
type ExecutionLogUpdate struct {
	Status  schema.ExecutionStatus
	Message string
}

// ExecutionLogFilter narrows ListExecutionLogs.
type ExecutionLogFilter struct {
	WorkflowID string
	StepID     string
	JobID      string
	Limit      int
}
