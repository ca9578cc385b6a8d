package webscan

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cstcloud/vtscan/pkg/engine"
)

// client talks to the ZAP daemon exposed by a web-scan pod, matching the
// subset of the ZAP REST API the crawl state machine needs.
type client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func newClient(logger *slog.Logger) *client {
	return &client{httpClient: &http.Client{}, logger: logger}
}

func baseURL(scanner engine.ScannerTarget) string {
	return fmt.Sprintf("http://%s:%d/JSON", scanner.IP, scanner.Port)
}

func (c *client) newSession(ctx context.Context, scanner engine.ScannerTarget) error {
	_, err := c.get(ctx, scanner, "/core/action/newSession/", url.Values{"overwrite": {"true"}})
	if err != nil {
		return fmt.Errorf("starting new zap session: %w", err)
	}
	return nil
}

func (c *client) spiderScan(ctx context.Context, scanner engine.ScannerTarget, target string, maxDepth, maxDurationMin, threadCount int) error {
	params := url.Values{
		"url":         {target},
		"maxDepth":    {itoa(maxDepth)},
		"maxDuration": {itoa(maxDurationMin)},
		"threadCount": {itoa(threadCount)},
	}
	resp, err := c.get(ctx, scanner, "/spider/action/scan/", params)
	if err != nil {
		return fmt.Errorf("starting spider scan: %w", err)
	}
	if resp["scan"] == nil {
		return fmt.Errorf("spider scan rejected target %s", target)
	}
	return nil
}

func (c *client) spiderStatus(ctx context.Context, scanner engine.ScannerTarget) (int, error) {
	resp, err := c.get(ctx, scanner, "/spider/view/status/", url.Values{"scanId": {"0"}})
	if err != nil {
		return 0, fmt.Errorf("reading spider status: %w", err)
	}
	return toInt(resp["status"]), nil
}

func (c *client) ajaxSpiderConfigure(ctx context.Context, scanner engine.ScannerTarget, maxCrawlDepth, maxDurationMin int, browserID string, numBrowsers int) error {
	steps := []struct {
		action string
		params url.Values
	}{
		{"setOptionMaxCrawlDepth", url.Values{"Integer": {itoa(maxCrawlDepth)}}},
		{"setOptionMaxDuration", url.Values{"Integer": {itoa(maxDurationMin)}}},
		{"setOptionBrowserId", url.Values{"String": {browserID}}},
		{"setOptionNumberOfBrowsers", url.Values{"Integer": {itoa(numBrowsers)}}},
	}
	for _, s := range steps {
		if _, err := c.get(ctx, scanner, "/ajaxSpider/action/"+s.action+"/", s.params); err != nil {
			return fmt.Errorf("configuring ajax spider (%s): %w", s.action, err)
		}
	}
	return nil
}

func (c *client) ajaxSpiderScan(ctx context.Context, scanner engine.ScannerTarget, target string) error {
	if _, err := c.get(ctx, scanner, "/ajaxSpider/action/scan/", url.Values{"url": {target}}); err != nil {
		return fmt.Errorf("starting ajax spider: %w", err)
	}
	return nil
}

func (c *client) ajaxSpiderRunning(ctx context.Context, scanner engine.ScannerTarget) (bool, error) {
	resp, err := c.get(ctx, scanner, "/ajaxSpider/view/status/", nil)
	if err != nil {
		return false, fmt.Errorf("reading ajax spider status: %w", err)
	}
	return toString(resp["status"]) == "running", nil
}

func (c *client) ascanConfigure(ctx context.Context, scanner engine.ScannerTarget, maxDurationMin, maxRuleDurationMin, threadPerHost int) error {
	steps := []struct {
		action string
		params url.Values
	}{
		{"setOptionMaxScanDurationInMins", url.Values{"Integer": {itoa(maxDurationMin)}}},
		{"setOptionMaxRuleDurationInMins", url.Values{"Integer": {itoa(maxRuleDurationMin)}}},
		{"setOptionThreadPerHost", url.Values{"Integer": {itoa(threadPerHost)}}},
		{"setOptionMaxAlertsPerRule", url.Values{"Integer": {"1"}}},
		{"setOptionMaxResultsToList", url.Values{"Integer": {"1"}}},
		{"setOptionMaxChartTimeInMins", url.Values{"Integer": {"0"}}},
	}
	for _, s := range steps {
		if _, err := c.get(ctx, scanner, "/ascan/action/"+s.action+"/", s.params); err != nil {
			return fmt.Errorf("configuring active scan (%s): %w", s.action, err)
		}
	}
	return nil
}

// ascanScan starts the active scan and reports whether the target was
// rejected as invalid (a terminal, non-retriable outcome).
func (c *client) ascanScan(ctx context.Context, scanner engine.ScannerTarget, target string) (failed bool, err error) {
	resp, err := c.get(ctx, scanner, "/ascan/action/scan/", url.Values{"url": {target}})
	if err != nil {
		return false, fmt.Errorf("starting active scan: %w", err)
	}
	if toString(resp["scan"]) == "url_not_found" {
		return true, nil
	}
	return false, nil
}

func (c *client) ascanStatus(ctx context.Context, scanner engine.ScannerTarget) (int, error) {
	resp, err := c.get(ctx, scanner, "/ascan/view/status/", url.Values{"scanId": {"0"}})
	if err != nil {
		return 0, fmt.Errorf("reading active scan status: %w", err)
	}
	return toInt(resp["status"]), nil
}

func (c *client) ascanStopAll(ctx context.Context, scanner engine.ScannerTarget) error {
	if _, err := c.get(ctx, scanner, "/ascan/action/stopAllScans/", nil); err != nil {
		return fmt.Errorf("stopping active scans: %w", err)
	}
	return nil
}

func (c *client) pscanRecordsToScan(ctx context.Context, scanner engine.ScannerTarget) (int, error) {
	resp, err := c.get(ctx, scanner, "/pscan/view/recordsToScan/", nil)
	if err != nil {
		return 0, fmt.Errorf("reading passive scan backlog: %w", err)
	}
	return toInt(resp["recordsToScan"]), nil
}

func (c *client) htmlReport(ctx context.Context, scanner engine.ScannerTarget) ([]byte, error) {
	resp, err := c.get(ctx, scanner, "/core/other/htmlreport/", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching html report: %w", err)
	}
	encoded := toString(resp["report"])
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding html report: %w", err)
	}
	return decoded, nil
}

// stopAll halts spider, ajax spider, and active scan, the same sequence the
// reference scale-in and stop endpoints use.
func (c *client) stopAll(ctx context.Context, scanner engine.ScannerTarget) error {
	if _, err := c.get(ctx, scanner, "/ascan/action/stopAllScans/", nil); err != nil {
		return fmt.Errorf("stopping active scans: %w", err)
	}
	if _, err := c.get(ctx, scanner, "/ajaxSpider/action/stop/", nil); err != nil {
		return fmt.Errorf("stopping ajax spider: %w", err)
	}
	if _, err := c.get(ctx, scanner, "/spider/action/stopAllScans/", nil); err != nil {
		return fmt.Errorf("stopping spider: %w", err)
	}
	return nil
}

func (c *client) get(ctx context.Context, scanner engine.ScannerTarget, path string, params url.Values) (map[string]any, error) {
	u := baseURL(scanner) + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s", engine.ErrInvalidTarget, string(body))
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: zap pod returned %d: %s", engine.ErrTransient, resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("zap pod error (status %d): %s", resp.StatusCode, string(body))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		var n int
		_, _ = fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
