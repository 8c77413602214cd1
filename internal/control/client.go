package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"craftpilot.ai/internal/persistence/indexdb"
	"craftpilot.ai/internal/supervisor"
	"craftpilot.ai/internal/survival"
)

// Client talks to a bot's control server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx reply.
type APIError struct {
	Code    int
	Failure string
	Message string
}

func (e *APIError) Error() string {
	if e.Failure != "" {
		return fmt.Sprintf("control: %d %s: %s", e.Code, e.Failure, e.Message)
	}
	return fmt.Sprintf("control: %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Code: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var body struct {
			Failure string `json:"failure"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(b, &body) == nil && body.Error != "" {
			apiErr.Failure = body.Failure
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(b, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (supervisor.Status, error) {
	var st supervisor.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

func (c *Client) State(ctx context.Context) (supervisor.WorldState, error) {
	var ws supervisor.WorldState
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &ws)
	return ws, err
}

func (c *Client) Craftable(ctx context.Context) ([]string, error) {
	var out struct {
		Craftable []string `json:"craftable"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/recipes/craftable", nil, &out)
	return out.Craftable, err
}

func (c *Client) StartRun(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/run/start", nil, nil)
}

// StopRun reports whether a run was in flight.
func (c *Client) StopRun(ctx context.Context) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/run/stop", nil, &out)
	return out.Stopped, err
}

func (c *Client) Action(ctx context.Context, name string, req ActionRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(name), req, nil)
}

func (c *Client) Runs(ctx context.Context, limit int) ([]indexdb.RunRow, error) {
	var out struct {
		Runs []indexdb.RunRow `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/runs?limit="+strconv.Itoa(limit), nil, &out)
	return out.Runs, err
}

func (c *Client) RunEvents(ctx context.Context, runID string) ([]survival.Event, error) {
	var out struct {
		Events []survival.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", nil, &out)
	return out.Events, err
}
