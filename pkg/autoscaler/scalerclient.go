package autoscaler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cstcloud/vtscan/internal/platform"
)

// scalerClient calls an engine's scaler endpoint (the HPA path of headroom
// scale-out): it asks the engine's own scaling sidecar to create a new
// scanner pod pinned to a given node.
type scalerClient struct {
	httpClient *http.Client
	retry      platform.RetryPolicy
}

func newScalerClient() *scalerClient {
	return &scalerClient{
		httpClient: &http.Client{},
		retry:      platform.DefaultRetryPolicy,
	}
}

type scaleOutResponse struct {
	OK     bool   `json:"ok"`
	ErrMsg string `json:"errmsg"`
}

// ScaleOutWithNode asks the engine listening at host:port to create one new
// scanner pod on nodeName.
func (c *scalerClient) ScaleOutWithNode(ctx context.Context, host string, port int, nodeName string) error {
	u := fmt.Sprintf("http://%s:%d/scale_out_with_node?%s", host, port, url.Values{"node_name": {nodeName}}.Encode())

	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("scaler endpoint error (status %d): %s", resp.StatusCode, string(body))
		}
		return nil
	})
}
