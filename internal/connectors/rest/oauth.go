package rest

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/hookline/hookline/pkg/connector"
	"github.com/hookline/hookline/pkg/schema"
)

// OAuth adapts an oauth2.Config to the connector Auth contract. One instance
// backs each app that authenticates with the authorization-code flow.
type OAuth struct {
	cfg      *oauth2.Config
	authOpts []oauth2.AuthCodeOption
}

// NewOAuth builds an Auth over the given provider endpoint. authOpts are
// appended to the authorization URL (Google needs access_type=offline to
// issue refresh tokens).
func NewOAuth(clientID, clientSecret, redirectURL string, scopes []string, endpoint oauth2.Endpoint, authOpts ...oauth2.AuthCodeOption) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		authOpts: authOpts,
	}
}

// AuthURL builds the provider authorization URL for the redirect flow.
func (o *OAuth) AuthURL(state string) string {
	return o.cfg.AuthCodeURL(state, o.authOpts...)
}

// Exchange trades an authorization code for tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (connector.TokenResponse, error) {
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return connector.TokenResponse{}, schema.NewError(schema.ErrCodeAuth, "authorization code exchange failed").WithCause(err)
	}
	return toTokenResponse(tok), nil
}

// Refresh trades a refresh token for a new access token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (connector.TokenResponse, error) {
	src := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return connector.TokenResponse{}, schema.NewError(schema.ErrCodeAuth, "token refresh failed").WithCause(err)
	}
	resp := toTokenResponse(tok)
	// oauth2 echoes the old refresh token back when the provider does not
	// rotate; suppress it so the caller's keep-the-old fallback applies.
	if resp.RefreshToken == refreshToken {
		resp.RefreshToken = ""
	}
	return resp, nil
}

func toTokenResponse(tok *oauth2.Token) connector.TokenResponse {
	resp := connector.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry) / time.Second)
	}
	return resp
}
