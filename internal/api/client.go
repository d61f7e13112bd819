package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds every request so a stalled backend cannot suspend a caller forever.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	Token   string        // Bearer token, sent when non-empty
	Timeout time.Duration // Per-request timeout, DefaultTimeout when zero
	// RetryCount is the number of transport-level retries for GET requests.
	// Non-idempotent requests are never retried here; callers own that policy.
	RetryCount int
}

// Client represents a SummEval API client
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates a new SummEval API client
func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
	}

	client.http = resty.New().
		SetHeader("User-Agent", "summeval-sync/1.0").
		SetTimeout(timeout).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryIdempotent)

	if opts.Token != "" {
		client.http.SetAuthToken(opts.Token)
	}

	return client
}

// retryIdempotent retries GETs on transport errors, 429 and 502-504.
func retryIdempotent(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || (code >= http.StatusBadGateway && code <= http.StatusGatewayTimeout)
}

// Get performs a GET request to the SummEval API
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.buildURL(endpoint))
}

// PostJSON performs a POST request with a JSON body
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload interface{}) (*resty.Response, error) {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.buildURL(endpoint))
}

// FilePart is a file field of a multipart request.
type FilePart struct {
	Param    string
	FileName string
	Reader   io.Reader
}

// PostMultipart performs a multipart/form-data POST. file may be nil.
func (c *Client) PostMultipart(ctx context.Context, endpoint string, fields map[string]string, file *FilePart) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(fields)
	if file != nil {
		req.SetFileReader(file.Param, file.FileName, file.Reader)
	}
	return req.Post(c.buildURL(endpoint))
}

// Delete performs a DELETE request to the SummEval API
func (c *Client) Delete(ctx context.Context, endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Delete(c.buildURL(endpoint))
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
