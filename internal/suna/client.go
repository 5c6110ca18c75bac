package suna

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nidhogg/teamexec/internal/engine"
	"go.uber.org/zap"
)

// Config configures the Suna Core client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// APIError is a failed call to Suna Core. StatusCode is zero when no
// response was received.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("suna %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("suna %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Temporary reports transport failures, throttling and server errors.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return e.Err != nil && !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// Client talks to Suna Core over HTTP. It implements engine.Backend.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

var _ engine.Backend = (*Client)(nil)

// New creates a client. Retries are left to the engine.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: c, logger: logger}
}

type startResponse struct {
	RunID string `json:"run_id"`
}

// ExecuteAgent starts an agent run and returns its run id.
func (c *Client) ExecuteAgent(ctx context.Context, req *engine.RunRequest) (string, error) {
	var out startResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/agents/" + url.PathEscape(req.AgentID) + "/runs")
	if err := check("execute agent", resp, err); err != nil {
		return "", err
	}
	if out.RunID == "" {
		return "", &APIError{Op: "execute agent", StatusCode: resp.StatusCode(), Body: "missing run_id"}
	}
	c.logger.Debug("agent run started",
		zap.String("execution", req.Context.ExecutionID),
		zap.String("agent", req.AgentID),
		zap.String("run", out.RunID))
	return out.RunID, nil
}

// GetRunStatus polls a run.
func (c *Client) GetRunStatus(ctx context.Context, handle string) (*engine.RunState, error) {
	var out engine.RunState
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/runs/" + url.PathEscape(handle))
	if err := check("get run status", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRunResult fetches the output and usage of a finished run.
func (c *Client) GetRunResult(ctx context.Context, handle string) (*engine.RunResult, error) {
	var out engine.RunResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/runs/" + url.PathEscape(handle) + "/result")
	if err := check("get run result", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopRun asks Suna Core to stop a run. Stopping an unknown or finished run
// is not an error.
func (c *Client) StopRun(ctx context.Context, handle string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/runs/" + url.PathEscape(handle) + "/stop")
	if resp != nil && (resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusConflict) {
		return nil
	}
	return check("stop run", resp, err)
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	if resp.IsError() {
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
