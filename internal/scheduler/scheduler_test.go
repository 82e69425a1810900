package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/token"
	"github.com/hookline/hookline/pkg/connector"
	"github.com/hookline/hookline/pkg/schema"
)

type mockStore struct {
	mu          sync.Mutex
	workflows   []*store.Workflow
	listErr     error
	logs        []*store.ExecutionLog
	logUpdates  map[string]store.ExecutionLogUpdate
	wfUpdates   map[string]store.WorkflowUpdate
	connUpdates []store.ConnectionUpdate
}

func newMockStore(workflows ...*store.Workflow) *mockStore {
	return &mockStore{
		workflows:  workflows,
		logUpdates: make(map[string]store.ExecutionLogUpdate),
		wfUpdates:  make(map[string]store.WorkflowUpdate),
	}
}

func (m *mockStore) ListActiveWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.workflows, nil
}

func (m *mockStore) UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wfUpdates[id] = update
	return nil
}

func (m *mockStore) CreateExecutionLog(ctx context.Context, log *store.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockStore) UpdateExecutionLog(ctx context.Context, id string, update store.ExecutionLogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logUpdates[id] = update
	return nil
}

func (m *mockStore) UpdateConnection(ctx context.Context, id string, update store.ConnectionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connUpdates = append(m.connUpdates, update)
	return nil
}

type mockQueue struct {
	mu        sync.Mutex
	jobs      []schema.Job
	queueName string
	err       error
}

func (m *mockQueue) Enqueue(ctx context.Context, queueName string, job schema.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.queueName = queueName
	m.jobs = append(m.jobs, job)
	return nil
}

type fakeTrigger struct {
	id    string
	calls int
	run   func(lastExecutedAt *time.Time, accessToken string) connector.Result
}

func (f *fakeTrigger) Spec() connector.OperationSpec {
	return connector.OperationSpec{ID: f.id, Name: f.id}
}

func (f *fakeTrigger) Run(ctx context.Context, fields map[string]any, lastExecutedAt *time.Time, accessToken string) connector.Result {
	f.calls++
	return f.run(lastExecutedAt, accessToken)
}

type fakeAuth struct {
	tokens connector.TokenResponse
	err    error
	calls  int
}

func (f *fakeAuth) AuthURL(state string) string { return "https://example.com/auth" }

func (f *fakeAuth) Exchange(ctx context.Context, code string) (connector.TokenResponse, error) {
	return f.tokens, f.err
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (connector.TokenResponse, error) {
	f.calls++
	return f.tokens, f.err
}

func validConnection() *store.Connection {
	expires := time.Now().Add(time.Hour)
	return &store.Connection{
		ID:           "conn-1",
		App:          "mail",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    &expires,
	}
}

func twoStepWorkflow(conn *store.Connection) *store.Workflow {
	wf := &store.Workflow{ID: "wf-1", Name: "notify on mail", IsActive: true}
	wf.Steps = []*store.Step{
		{
			ID:         "step-0",
			WorkflowID: wf.ID,
			Index:      0,
			Type:       schema.StepTypeTrigger,
			App:        "mail",
			Metadata:   json.RawMessage(`{"triggerId":"poll"}`),
			Connection: conn,
		},
		{
			ID:         "step-1",
			WorkflowID: wf.ID,
			Index:      1,
			Type:       schema.StepTypeAction,
			App:        "mail",
			Metadata:   json.RawMessage(`{"actionId":"send"}`),
		},
	}
	return wf
}

func newTestScheduler(t *testing.T, ms *mockStore, trigger *fakeTrigger, auth connector.Auth) (*Scheduler, *mockQueue) {
	t.Helper()
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register(&connector.App{
		ID:       "mail",
		Name:     "Mail",
		Auth:     auth,
		Triggers: []connector.Trigger{trigger},
	}))
	q := &mockQueue{}
	refresher := token.NewRefresher(ms, nil)
	return New(ms, registry, q, refresher, nil, time.Minute), q
}

func TestTickFiresTriggerAndEnqueuesFirstAction(t *testing.T) {
	ms := newMockStore(twoStepWorkflow(validConnection()))
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		assert.Nil(t, last)
		assert.Equal(t, "access", tok)
		return connector.OK("2 new items", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	require.Len(t, ms.logs, 1)
	logRow := ms.logs[0]
	assert.Equal(t, schema.ExecutionRunning, logRow.Status)
	assert.Equal(t, "Trigger poll execution started", logRow.Message)
	assert.Equal(t, "wf-1", logRow.WorkflowID)
	assert.Equal(t, "step-0", logRow.StepID)
	assert.NotEmpty(t, logRow.JobID)

	update, ok := ms.logUpdates[logRow.ID]
	require.True(t, ok)
	assert.Equal(t, schema.ExecutionCompleted, update.Status)

	wfUpdate, ok := ms.wfUpdates["wf-1"]
	require.True(t, ok)
	require.NotNil(t, wfUpdate.LastExecutedAt)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, queue.QueueName, q.queueName)
	assert.Equal(t, "step-1", q.jobs[0].StepID)
	assert.Equal(t, logRow.JobID, q.jobs[0].JobID)
}

func TestTickTriggerFailureLogsFailedAndStops(t *testing.T) {
	ms := newMockStore(twoStepWorkflow(validConnection()))
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.Fail(500, "upstream unavailable")
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	require.Len(t, ms.logs, 1)
	update := ms.logUpdates[ms.logs[0].ID]
	assert.Equal(t, schema.ExecutionFailed, update.Status)
	assert.Equal(t, "upstream unavailable", update.Message)
	assert.Empty(t, q.jobs)
	assert.Empty(t, ms.wfUpdates)
}

func TestTickSkipsExpiredConnection(t *testing.T) {
	conn := validConnection()
	expired := time.Now().Add(-time.Hour)
	conn.ExpiresAt = &expired

	ms := newMockStore(twoStepWorkflow(conn))
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	// No invocation, no log row, no pre-run refresh.
	assert.Zero(t, trigger.calls)
	assert.Empty(t, ms.logs)
	assert.Empty(t, ms.connUpdates)
	assert.Empty(t, q.jobs)
}

func TestTickSkipsMissingConnection(t *testing.T) {
	ms := newMockStore(twoStepWorkflow(nil))
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, _ := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	assert.Zero(t, trigger.calls)
	assert.Empty(t, ms.logs)
}

func TestTickNoAuthAppNeedsNoConnection(t *testing.T) {
	ms := newMockStore(twoStepWorkflow(nil))
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		assert.Empty(t, tok)
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, nil)

	s.tick(context.Background())

	assert.Equal(t, 1, trigger.calls)
	require.Len(t, q.jobs, 1)
}

func TestTickSkipsWorkflowWithoutTriggerStep(t *testing.T) {
	wf := twoStepWorkflow(validConnection())
	wf.Steps[0].Type = schema.StepTypeAction

	ms := newMockStore(wf)
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, _ := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	assert.Zero(t, trigger.calls)
	assert.Empty(t, ms.logs)
}

func TestTickSingleStepWorkflowCompletesWithoutEnqueue(t *testing.T) {
	wf := twoStepWorkflow(validConnection())
	wf.Steps = wf.Steps[:1]

	ms := newMockStore(wf)
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	require.Len(t, ms.logs, 1)
	assert.Equal(t, schema.ExecutionCompleted, ms.logUpdates[ms.logs[0].ID].Status)
	assert.NotNil(t, ms.wfUpdates["wf-1"].LastExecutedAt)
	assert.Empty(t, q.jobs)
}

func TestTickAdvancesWindowEvenWhenEnqueueFails(t *testing.T) {
	ms := newMockStore(twoStepWorkflow(validConnection()))
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})
	q.err = errors.New("broker down")

	s.tick(context.Background())

	assert.NotNil(t, ms.wfUpdates["wf-1"].LastExecutedAt)
	assert.Equal(t, schema.ExecutionCompleted, ms.logUpdates[ms.logs[0].ID].Status)
}

func TestTickRefreshesTokenOn401(t *testing.T) {
	ms := newMockStore(twoStepWorkflow(validConnection()))
	auth := &fakeAuth{tokens: connector.TokenResponse{AccessToken: "fresh", ExpiresIn: 3600}}
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		if tok == "access" {
			return connector.Fail(401, "token expired")
		}
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, auth)

	s.tick(context.Background())

	assert.Equal(t, 2, trigger.calls)
	assert.Equal(t, 1, auth.calls)
	require.Len(t, ms.connUpdates, 1)
	assert.Equal(t, "fresh", *ms.connUpdates[0].AccessToken)
	assert.Equal(t, schema.ExecutionCompleted, ms.logUpdates[ms.logs[0].ID].Status)
	require.Len(t, q.jobs, 1)
}

func TestTickIsolatesWorkflowFailures(t *testing.T) {
	broken := twoStepWorkflow(validConnection())
	broken.ID = "wf-broken"
	broken.Steps[0].App = "unregistered"

	healthy := twoStepWorkflow(validConnection())

	ms := newMockStore(broken, healthy)
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})

	s.tick(context.Background())

	// The broken workflow is skipped; the healthy one still runs.
	assert.Equal(t, 1, trigger.calls)
	require.Len(t, q.jobs, 1)
}

func TestTickSurvivesPanickingTrigger(t *testing.T) {
	panicking := twoStepWorkflow(validConnection())
	panicking.ID = "wf-panics"
	panicking.Steps[0].App = "boom"

	healthy := twoStepWorkflow(validConnection())

	ms := newMockStore(panicking, healthy)
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, q := newTestScheduler(t, ms, trigger, &fakeAuth{})
	require.NoError(t, s.registry.Register(&connector.App{
		ID:   "boom",
		Name: "Boom",
		Auth: &fakeAuth{},
		Triggers: []connector.Trigger{&fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
			panic("connector exploded")
		}}},
	}))

	s.tick(context.Background())

	// The panic is contained to its workflow; the healthy one still runs.
	assert.Equal(t, 1, trigger.calls)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "step-1", q.jobs[0].StepID)
}

func TestStartStopLifecycle(t *testing.T) {
	ms := newMockStore()
	trigger := &fakeTrigger{id: "poll", run: func(last *time.Time, tok string) connector.Result {
		return connector.OK("fired", nil)
	}}
	s, _ := newTestScheduler(t, ms, trigger, &fakeAuth{})

	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	require.Error(t, err)

	var herr *schema.HooklineError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, schema.ErrCodeConflict, herr.Code)

	s.Stop()
	s.Stop() // idempotent

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
