package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// maxBodyBytes caps how much of a buffered upstream body is read.
const maxBodyBytes = 32 << 20

// maxErrorBodyBytes caps how much of a failed stream response is read
// while looking for a provider error code.
const maxErrorBodyBytes = 64 << 10

// Client is the Dify API adapter. One Client serves every app; the API
// key travels with each request.
type Client struct {
	baseURL         string // e.g. "https://api.dify.ai/v1"
	client          *http.Client
	blockingTimeout time.Duration
}

// NewClient creates a Client. The http.Client should carry no overall
// Timeout, since a streaming workflow may run for an arbitrarily long
// time; blocking calls get blockingTimeout applied per request instead.
func NewClient(baseURL string, client *http.Client, blockingTimeout time.Duration) *Client {
	return &Client{
		baseURL:         baseURL,
		client:          client,
		blockingTimeout: blockingTimeout,
	}
}

// BaseURL returns the upstream root this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// newRequest builds an authenticated upstream request.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, apiKey, accept string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, NewInternalError("creating upstream request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	return httpReq, nil
}

// OpenStream issues a streaming request and returns the live response
// body. The caller owns the body and must close it on every path.
//
// Connection failures come back as a ConnectError. A non-200 status is
// drained (bounded) and mapped through the same provider error decoding
// the blocking path uses.
func (c *Client) OpenStream(ctx context.Context, req *UpstreamRequest) (io.ReadCloser, error) {
	if req.Mode != ModeStreaming {
		return nil, NewInternalError("OpenStream requires a streaming request", nil)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, req.Path, bytes.NewReader(req.Body), req.APIKey, req.Mode.accept())
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		return nil, statusError(httpResp.StatusCode, body)
	}

	return httpResp.Body, nil
}

// Execute is the Blocking Request Executor: one attempt, bounded by the
// blocking timeout, returning the decoded JSON body.
//
// A 2xx body that still carries an error code is treated as a failure.
// Recognized codes become a ProviderError with that code; anything else
// becomes an InternalError.
func (c *Client) Execute(ctx context.Context, req *UpstreamRequest) (map[string]any, error) {
	if req.Mode != ModeBlocking {
		return nil, NewInternalError("Execute requires a blocking request", nil)
	}
	body, err := c.do(ctx, http.MethodPost, req.Path, bytes.NewReader(req.Body), req.APIKey, req.Mode.accept())
	if err != nil {
		return nil, err
	}
	return decodeObject(body)
}

// do runs one bounded request and returns the raw body of a successful
// response. Every failure is an *Error.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, apiKey, accept string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := c.newRequest(ctx, method, path, body, apiKey, accept)
	if err != nil {
		return nil, err
	}
	return c.send(httpReq)
}

func (c *Client) send(httpReq *http.Request) ([]byte, error) {
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, statusError(httpResp.StatusCode, respBody)
	}
	if code := errorCode(respBody); code != "" {
		return nil, codeError(code, respBody, httpResp.StatusCode)
	}
	return respBody, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.blockingTimeout > 0 {
		return context.WithTimeout(ctx, c.blockingTimeout)
	}
	return context.WithCancel(ctx)
}

// errorCode returns the provider error code in body, if any. Dify puts it
// in "code"; some gateways in front of it use a bare "error" string. Only
// string values count, so a workflow result's nested or null error field
// is never mistaken for one.
func errorCode(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, field := range []string{"code", "error"} {
		v := gjson.GetBytes(body, field)
		if v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// codeError maps a provider error code onto the taxonomy.
func codeError(code string, body []byte, status int) *Error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = code
	}
	if IsProviderCode(code) {
		return NewProviderError(code, msg, status)
	}
	e := NewInternalError(fmt.Sprintf("upstream error %q: %s", code, msg), nil)
	e.Status = status
	return e
}

// statusError maps a non-2xx response.
func statusError(status int, body []byte) *Error {
	if code := errorCode(body); code != "" {
		return codeError(code, body, status)
	}
	e := NewInternalError(fmt.Sprintf("upstream returned status %d", status), nil)
	e.Status = status
	return e
}

// ErrorFromBody maps an upstream error payload onto the taxonomy. Streams
// report failures this way, as an "error" event mid-body.
func ErrorFromBody(body []byte, status int) *Error {
	if code := errorCode(body); code != "" {
		return codeError(code, body, status)
	}
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = "upstream reported an error"
	}
	e := NewInternalError(msg, nil)
	e.Status = status
	return e
}

// transportError separates timeouts from other network failures.
func transportError(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewConnectError(CodeTimeout, err)
	}
	return NewConnectError(CodeUnreachable, err)
}

func decodeObject(body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewInternalError("decoding upstream response", err)
	}
	return out, nil
}
