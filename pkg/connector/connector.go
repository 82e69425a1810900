package connector

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the uniform outcome of one trigger or action invocation. It is
// the sole integration point between the execution core and a connector:
// connectors fold their own failures into it, and no caller may depend on
// connector-internal behavior.
//
// StatusCode carries the HTTP-style status of the underlying integration
// call: 200 means success, 401 specifically signals an expired or invalid
// credential, and any other non-2xx is a normal failure.
type Result struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// OK returns a 200 success result.
func OK(message string, data json.RawMessage) Result {
	return Result{Success: true, StatusCode: 200, Message: message, Data: data}
}

// Fail returns a failure result with the given status.
func Fail(statusCode int, message string) Result {
	return Result{Success: false, StatusCode: statusCode, Message: message}
}

// Unauthorized reports whether the result signals an expired or invalid
// credential, the precondition for the token-refresh protocol.
func (r Result) Unauthorized() bool {
	return !r.Success && r.StatusCode == 401
}

// TokenResponse is what an app's auth endpoint returns on code exchange or
// token refresh. RefreshToken is empty when the provider does not rotate it.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OperationSpec describes one trigger or action: its identifier, display
// metadata, the JSON schema its metadata fields are validated against, and
// the OAuth scopes it requires.
type OperationSpec struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
}

// Trigger is a connector capability polled to decide whether a workflow run
// should start. lastExecutedAt bounds the polling window; nil means the
// workflow has never fired.
type Trigger interface {
	Spec() OperationSpec
	Run(ctx context.Context, fields map[string]any, lastExecutedAt *time.Time, accessToken string) Result
}

// Action is a connector capability invoked as one step of a run.
type Action interface {
	Spec() OperationSpec
	Run(ctx context.Context, fields map[string]any, accessToken string) Result
}

// Auth is the OAuth surface of an app. Apps without auth (system triggers)
// leave App.Auth nil.
type Auth interface {
	// AuthURL builds the provider authorization URL for the redirect flow.
	AuthURL(state string) string
	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code string) (TokenResponse, error)
	// Refresh trades a refresh token for a new access token. Providers that
	// rotate refresh tokens return the new one; otherwise RefreshToken is
	// empty and the caller keeps the old value.
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)
}

// App is one pluggable integration: an identifier plus its triggers and
// actions, and optionally an OAuth surface.
type App struct {
	ID          string
	Name        string
	Description string
	Auth        Auth
	Triggers    []Trigger
	Actions     []Action
}

// FindTrigger looks up a trigger by its operation id.
func (a *App) FindTrigger(id string) (Trigger, bool) {
	for _, t := range a.Triggers {
		if t.Spec().ID == id {
			return t, true
		}
	}
	return nil, false
}

// FindAction looks up an action by its operation id.
func (a *App) FindAction(id string) (Action, bool) {
	for _, act := range a.Actions {
		if act.Spec().ID == id {
			return act, true
		}
	}
	return nil, false
}

// NeedsAuth reports whether steps of this app require a stored connection.
func (a *App) NeedsAuth() bool {
	return a.Auth != nil
}
