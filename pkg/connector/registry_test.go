package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/pkg/schema"
)

type fakeTrigger struct{ id string }

func (f *fakeTrigger) Spec() OperationSpec { return OperationSpec{ID: f.id, Name: f.id} }
func (f *fakeTrigger) Run(_ context.Context, _ map[string]any, _ *time.Time, _ string) Result {
	return OK("fired", nil)
}

type fakeAction struct{ id string }

func (f *fakeAction) Spec() OperationSpec { return OperationSpec{ID: f.id, Name: f.id} }
func (f *fakeAction) Run(_ context.Context, _ map[string]any, _ string) Result {
	return OK("done", nil)
}

func TestRegisterAndFind(t *testing.T) {
	r := NewRegistry()
	app := &App{
		ID:       "gmail",
		Name:     "Gmail",
		Triggers: []Trigger{&fakeTrigger{id: "new-email"}},
		Actions:  []Action{&fakeAction{id: "send-email"}},
	}
	require.NoError(t, r.Register(app))

	got, err := r.Find("gmail")
	require.NoError(t, err)
	assert.Equal(t, "Gmail", got.Name)

	trg, ok := got.FindTrigger("new-email")
	require.True(t, ok)
	assert.Equal(t, "new-email", trg.Spec().ID)

	_, ok = got.FindTrigger("nope")
	assert.False(t, ok)

	act, ok := got.FindAction("send-email")
	require.True(t, ok)
	assert.Equal(t, "send-email", act.Spec().ID)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&App{ID: "slack"}))

	err := r.Register(&App{ID: "slack"})
	require.Error(t, err)
	he, ok := err.(*schema.HooklineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, he.Code)
}

func TestRegisterInvalid(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(&App{}))
}

func TestFindUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Find("missing")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&App{ID: "system", Name: "System"}))
	require.NoError(t, r.Register(&App{ID: "gmail", Name: "Gmail", Actions: []Action{&fakeAction{id: "send-email"}}}))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "gmail", infos[0].ID)
	assert.Equal(t, 1, infos[0].Actions)
	assert.Equal(t, "system", infos[1].ID)
	assert.Equal(t, 2, r.Count())
}

func TestResultHelpers(t *testing.T) {
	assert.True(t, OK("m", nil).Success)
	assert.Equal(t, 200, OK("m", nil).StatusCode)
	assert.True(t, Fail(401, "expired").Unauthorized())
	assert.False(t, Fail(500, "boom").Unauthorized())
	assert.False(t, OK("m", nil).Unauthorized())
}
