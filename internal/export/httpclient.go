package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"tracepoint/internal/config"
)

// HTTPClient sends batches to the backend's /v1/batches endpoint. The
// per-request timeout comes from config at call time, so a refreshed
// configuration applies without rebuilding the client.
type HTTPClient struct {
	client *fasthttp.Client
	url    string
	apiKey string
	cfg    *config.Provider
}

// NewHTTPClient builds the production network client.
func NewHTTPClient(baseURL, apiKey string, cfg *config.Provider) *HTTPClient {
	return &HTTPClient{
		client: &fasthttp.Client{},
		url:    baseURL + "/v1/batches",
		apiKey: apiKey,
		cfg:    cfg,
	}
}

// SendBatch delivers one batch. Success is any 2xx; everything else,
// including timeouts, is a failure the exporter retries on a later cycle.
func (c *HTTPClient) SendBatch(ctx context.Context, batch BatchPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.BatchID, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Batch-Id", batch.BatchID)
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, c.cfg.RequestTimeout()); err != nil {
		return fmt.Errorf("send batch %s: %w", batch.BatchID, err)
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		return fmt.Errorf("batch %s rejected with status %d", batch.BatchID, sc)
	}
	return nil
}
