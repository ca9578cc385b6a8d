package hostscan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cstcloud/vtscan/pkg/engine"
)

// client speaks the per-pod network-scan dialect: one scanner pod exposes a
// small HTTP surface for create/status/report/delete/scale_in, fronting
// whatever scan engine (OpenVAS, Nmap, ...) actually runs inside the pod.
type client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func newClient(logger *slog.Logger) *client {
	return &client{httpClient: &http.Client{}, logger: logger}
}

func baseURL(scanner engine.ScannerTarget) string {
	return fmt.Sprintf("http://%s:%d", scanner.IP, scanner.Port)
}

type createTaskRequest struct {
	TaskID string `json:"task_id"`
	Target string `json:"target"`
}

type createTaskResponse struct {
	Ok        bool   `json:"ok"`
	Errmsg    string `json:"errmsg"`
	RunningID string `json:"running_id"`
}

func (c *client) createTask(ctx context.Context, scanner engine.ScannerTarget, taskID, target string) (string, error) {
	var resp createTaskResponse
	err := c.do(ctx, http.MethodPost, baseURL(scanner)+"/create_task", createTaskRequest{
		TaskID: taskID,
		Target: target,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("creating network-scan task: %w", err)
	}
	if !resp.Ok {
		return "", fmt.Errorf("creating network-scan task: scanner pod reported failure: %s", resp.Errmsg)
	}
	return resp.RunningID, nil
}

type getTaskResponse struct {
	Status string `json:"status"`
}

func (c *client) getTask(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.RunningStatus, error) {
	var resp getTaskResponse
	err := c.do(ctx, http.MethodGet, baseURL(scanner)+"/get_task?running_id="+runningID, nil, &resp)
	if err != nil {
		return "", fmt.Errorf("getting network-scan task status: %w", err)
	}
	return mapStatus(resp.Status), nil
}

func mapStatus(status string) engine.RunningStatus {
	switch status {
	case "Done":
		return engine.RunningStatusDone
	case "Stopped", "Interrupted":
		return engine.RunningStatusFailed
	case "Running", "Requested", "Queued":
		return engine.RunningStatusRunning
	default:
		return engine.RunningStatusError
	}
}

type getReportResponse struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

func (c *client) getReport(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.Report, error) {
	var resp getReportResponse
	err := c.do(ctx, http.MethodGet, baseURL(scanner)+"/get_report?running_id="+runningID+"&format="+scanner.ReportFileType, nil, &resp)
	if err != nil {
		return engine.Report{}, fmt.Errorf("getting network-scan report: %w", err)
	}
	return engine.Report{Content: resp.Content, ContentType: resp.ContentType, Filename: resp.Filename}, nil
}

func (c *client) deleteTask(ctx context.Context, scanner engine.ScannerTarget, runningID string, purge bool) error {
	path := "/stop_task"
	if purge {
		path = "/delete_task"
	}
	if err := c.do(ctx, http.MethodPost, baseURL(scanner)+path+"?running_id="+runningID, nil, nil); err != nil {
		return fmt.Errorf("deleting network-scan task: %w", err)
	}
	return nil
}

type scaleInRequest struct {
	Count int `json:"count"`
}

func (c *client) scaleIn(ctx context.Context, scanner engine.ScannerTarget, n int) error {
	if err := c.do(ctx, http.MethodPost, baseURL(scanner)+"/scale_in_with_num", scaleInRequest{Count: n}, nil); err != nil {
		return fmt.Errorf("scaling in network-scan pod: %w", err)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, url string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusBadRequest {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", engine.ErrInvalidTarget, string(respBody))
	}
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w", engine.ErrBusy)
	}
	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: scanner pod returned %d: %s", engine.ErrTransient, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("scanner pod error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
