// Package token implements the one-shot token-refresh protocol: when a
// connector run fails with a 401, the stored credential is refreshed, the
// new tokens are persisted, and the run is retried exactly once.
package token

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/pkg/connector"
)

// ConnectionStore is the slice of the store the refresher needs.
type ConnectionStore interface {
	UpdateConnection(ctx context.Context, id string, update store.ConnectionUpdate) error
}

// Refresher wraps connector invocations with the refresh-and-retry protocol.
type Refresher struct {
	store  ConnectionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRefresher creates a refresher backed by the given connection store.
func NewRefresher(s ConnectionStore, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{store: s, logger: logger, now: time.Now}
}

// RunWithRefresh invokes run with the connection's access token. If the
// result is a 401 and the app supports refresh, it refreshes the credential,
// persists the new tokens, and retries the run exactly once. The protocol
// never recurses: a 401 on the retried run is returned as-is.
//
// Apps without auth pass a nil connection; run is then invoked with an empty
// token and the result returned untouched.
func (r *Refresher) RunWithRefresh(ctx context.Context, app *connector.App, conn *store.Connection, run func(accessToken string) connector.Result) connector.Result {
	accessToken := ""
	if conn != nil {
		accessToken = conn.AccessToken
	}

	result := run(accessToken)
	if !result.Unauthorized() {
		return result
	}
	if app.Auth == nil || conn == nil || conn.RefreshToken == "" {
		return result
	}

	r.logger.Info("access token rejected, refreshing",
		slog.String("app", app.ID),
		slog.String("connection_id", conn.ID),
	)

	tokens, err := app.Auth.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		// The stored tokens stay untouched; the owner must reconnect.
		r.logger.Error("token refresh failed",
			slog.String("app", app.ID),
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return result
	}

	// Providers that rotate refresh tokens return a new one; otherwise keep
	// the stored value.
	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}
	var expiresAt *time.Time
	if tokens.ExpiresIn > 0 {
		t := r.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	err = r.store.UpdateConnection(ctx, conn.ID, store.ConnectionUpdate{
		AccessToken:  &tokens.AccessToken,
		RefreshToken: &refreshToken,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		r.logger.Error("persisting refreshed tokens failed",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return result
	}
	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = refreshToken
	if expiresAt != nil {
		conn.ExpiresAt = expiresAt
	}

	r.logger.Info("token refreshed, retrying run",
		slog.String("app", app.ID),
		slog.String("connection_id", conn.ID),
	)
	return run(tokens.AccessToken)
}
