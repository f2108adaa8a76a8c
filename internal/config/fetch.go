package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPFetcher retrieves configuration snapshots from the backend's
// /v1/config endpoint.
type HTTPFetcher struct {
	client  *fasthttp.Client
	url     string
	apiKey  string
	timeout time.Duration
}

// NewHTTPFetcher builds a fetcher for the given base URL. timeout bounds each
// request independently of the caller's context.
func NewHTTPFetcher(baseURL, apiKey string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client:  &fasthttp.Client{},
		url:     baseURL + "/v1/config",
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// FetchConfig requests a full snapshot. Any non-2xx status or transport error
// is returned as an error; the caller treats fetch failure as best-effort.
func (f *HTTPFetcher) FetchConfig(ctx context.Context) (*RemoteConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	if err := f.client.DoTimeout(req, resp, f.timeout); err != nil {
		return nil, fmt.Errorf("config fetch: %w", err)
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		return nil, fmt.Errorf("config fetch: unexpected status %d", sc)
	}

	var rc RemoteConfig
	if err := json.Unmarshal(resp.Body(), &rc); err != nil {
		return nil, fmt.Errorf("config fetch: decode: %w", err)
	}
	return &rc, nil
}
