// Package client talks to the sync server over HTTP. It implements
// replica.Remote so a Coordinator can sync through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polravi/mapmyactivities/internal/ai"
	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/schema"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnauthorized is returned when the server rejects the token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when a daily quota is spent.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server returned %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package and delta sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case delta.ErrValidation:
		return e.StatusCode == http.StatusBadRequest
	case delta.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case delta.ErrConflict:
		return e.StatusCode == http.StatusConflict && e.Retryable
	}
	return false
}

// Client is an HTTP client of the sync API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the server at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Pull implements replica.Remote.
func (c *Client) Pull(ctx context.Context, req *delta.PullRequest) (*delta.PullResponse, error) {
	var res delta.PullResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/pull", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Push implements replica.Remote.
func (c *Client) Push(ctx context.Context, req *delta.PushRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/sync/push", req, nil)
}

// RestoreTask moves a discarded task back to todo on the server.
func (c *Client) RestoreTask(ctx context.Context, id string) (*schema.Task, error) {
	var task schema.Task
	body := delta.RestoreRequest{Status: schema.StatusTodo}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/restore", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Suggestion is a quadrant suggestion as the server returns it.
type Suggestion struct {
	ai.Suggestion
	HighConfidence bool `json:"highConfidence"`
}

// SuggestQuadrant asks the server which quadrant a task belongs in.
func (c *Client) SuggestQuadrant(ctx context.Context, req *ai.SuggestRequest) (*Suggestion, error) {
	var s Suggestion
	if err := c.do(ctx, http.MethodPost, "/v1/ai/suggest-quadrant", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InitAccount seeds the account's starter records and returns how many were
// created. Calling it again creates nothing.
func (c *Client) InitAccount(ctx context.Context) (int, error) {
	var res struct {
		Created int `json:"created"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/account/init", nil, &res); err != nil {
		return 0, err
	}
	return res.Created, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error     string `json:"error"`
		Field     string `json:"field"`
		Retryable bool   `json:"retryable"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Field = body.Field
		apiErr.Retryable = body.Retryable
	}
	return apiErr
}
