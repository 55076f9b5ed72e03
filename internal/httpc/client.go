// Package httpc is the thin HTTP client the gateway uses to reach the OTA
// backend: health probes, JSON uploads, and ranged package downloads.
package httpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zlseong/vmg/internal/vmgerr"
)

const userAgent = "vmg-gateway/2.0"

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client wraps net/http with the backend conventions (user agent, timeout,
// optional TLS verification skip for development servers).
type Client struct {
	base    string
	httpcli *http.Client
}

// NewClient creates a client for the given base URL. Relative request URLs
// are joined to it; absolute URLs pass through untouched.
func NewClient(base string, timeout time.Duration, insecureSkipVerify bool) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: base,
		httpcli: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			},
		},
	}
}

func (c *Client) url(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return c.base + path
	}
	return path
}

// Get performs a GET and reads the whole body.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", vmgerr.ErrIO, err)
	}
	return c.do(req)
}

// GetRange performs a ranged GET for bytes [start, end]. The server may
// answer 206 with the requested slice or 200 with the whole resource.
func (c *Client) GetRange(ctx context.Context, path string, start, end int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", vmgerr.ErrIO, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	return c.do(req)
}

// PostJSON posts a JSON document and reads the whole response body.
func (c *Client) PostJSON(ctx context.Context, path string, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", vmgerr.ErrIO, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpcli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", vmgerr.ErrIO, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", vmgerr.ErrIO, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
