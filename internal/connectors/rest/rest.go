// Package rest is the thin HTTP plumbing shared by the connector apps:
// short-lived clients with per-call timeouts, bounded response reads, and an
// OAuth adapter over golang.org/x/oauth2.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hookline/hookline/pkg/schema"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Response is the status and bounded body of one API call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Success reports whether the status is in the 2xx range.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "malformed API response").WithCause(err)
	}
	return nil
}

// Do performs one HTTP call with a fresh client, a call-scoped timeout, and
// a capped body read. Transport errors come back as errors; any HTTP status
// comes back as a Response for the caller to map.
func Do(ctx context.Context, method, url, bearer string, headers map[string]string, body []byte) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, schema.NewError(schema.ErrCodeExecution, "building API request").WithCause(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return Response{}, schema.NewError(schema.ErrCodeExecution, "calling API").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, schema.NewError(schema.ErrCodeExecution, "reading API response").WithCause(err)
	}
	return Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// GetJSON performs a bearer-authenticated GET.
func GetJSON(ctx context.Context, url, bearer string) (Response, error) {
	return Do(ctx, http.MethodGet, url, bearer, nil, nil)
}

// PostJSON performs a bearer-authenticated POST with a JSON payload.
func PostJSON(ctx context.Context, url, bearer string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, schema.NewError(schema.ErrCodeExecution, "encoding API request").WithCause(err)
	}
	return Do(ctx, http.MethodPost, url, bearer, map[string]string{
		"Content-Type": "application/json",
	}, body)
}
