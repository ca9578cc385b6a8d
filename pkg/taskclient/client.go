// Package taskclient is the HTTP client the Scanner Registry and Resource
// Autoscaler use to ask the task-service (this same binary running in
// -mode=api) for task-load figures they cannot read directly, since in a
// multi-replica deployment the registry/autoscaler replicas and the API
// replica do not share a process.
package taskclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cstcloud/vtscan/internal/platform"
)

// Client talks to the task-service HTTP endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      platform.RetryPolicy
}

// New builds a Client against baseURL, e.g. "http://localhost:4000".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		retry:      platform.DefaultRetryPolicy,
	}
}

// EngineTaskCount is one engine's queued+running task count, as returned by
// /list_engine_tasks_num.
type EngineTaskCount struct {
	ScannerType string `json:"scanner_type"`
	Num         int    `json:"num"`
}

type listEngineTasksNumResponse struct {
	TaskCount []EngineTaskCount `json:"task_count"`
}

// ListEngineTasksNum returns, per engine, the count of tasks in queued or
// running status — the engine-load input to the autoscaler's load-low phase.
func (c *Client) ListEngineTasksNum(ctx context.Context) (map[string]int, error) {
	var resp listEngineTasksNumResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/list_engine_tasks_num", nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("listing engine task counts: %w", err)
	}

	out := make(map[string]int, len(resp.TaskCount))
	for _, c := range resp.TaskCount {
		out[c.ScannerType] = c.Num
	}
	return out, nil
}

type getRunningTaskNumResponse struct {
	RunningTaskNum int `json:"running_task_num"`
}

// GetRunningTaskNum returns the running task count for a single named
// scanner — used by the registry's rule 6 to decide whether a waiting
// scanner has drained.
func (c *Client) GetRunningTaskNum(ctx context.Context, scannerName string) (int, error) {
	var resp getRunningTaskNumResponse
	path := "/get_running_task_num?" + url.Values{"scanner_name": {scannerName}}.Encode()
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return 0, fmt.Errorf("getting running task count for %s: %w", scannerName, err)
	}
	return resp.RunningTaskNum, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("task-service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
