// Package mcpgateway is a JSON-RPC 2.0 client for an AgentCore MCP gateway.
//
// Every request is signed with SigV4 for the gateway's service name, so the
// caller needs IAM credentials allowed to invoke the gateway. Only the two
// methods the agent needs are implemented: tools/list and tools/call.
package mcpgateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultService = "bedrock-agentcore"

	maxErrorBody    = 4096
	maxResponseBody = 8 << 20
	maxListPages    = 50
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the gateway.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcpgateway: rpc error %d: %s", e.Code, e.Message)
}

// HTTPStatusError captures non-2xx gateway responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("mcpgateway: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ToolError is returned by CallTool when the tool itself reported failure.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcpgateway: tool %s failed: %s", e.Tool, e.Message)
}

// ContentItem is one element of a tools/call result.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ToolResult is the decoded result of tools/call.
type ToolResult struct {
	Content           []ContentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text joins the text content items of the result.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, item := range r.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 && len(r.StructuredContent) > 0 {
		return string(r.StructuredContent)
	}
	return strings.Join(parts, "\n")
}

type listToolsResult struct {
	Tools      []mcp.Tool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type Config struct {
	URL     string
	Region  string
	Service string
	// MaxRetries bounds retries of network errors, 429 and 5xx responses.
	MaxRetries uint64
}

// Client talks to a single gateway endpoint.
type Client struct {
	url     string
	region  string
	service string

	creds      aws.CredentialsProvider
	signer     *v4.Signer
	httpClient *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	nextID atomic.Int64
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBaseDelay sets the first retry delay; later delays grow exponentially.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func NewClient(cfg Config, creds aws.CredentialsProvider, opts ...Option) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("mcpgateway: url must not be empty")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("mcpgateway: region must not be empty")
	}
	if creds == nil {
		return nil, errors.New("mcpgateway: credentials provider must not be nil")
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = DefaultService
	}
	c := &Client{
		url:        url,
		region:     cfg.Region,
		service:    service,
		creds:      creds,
		signer:     v4.NewSigner(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: cfg.MaxRetries,
		baseDelay:  200 * time.Millisecond,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Millisecond
	}
	return c, nil
}

// ListTools returns every tool the gateway exposes, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.call(ctx, string(mcp.MethodToolsList), params)
		if err != nil {
			return nil, err
		}
		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("mcpgateway: decode tools/list result: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("mcpgateway: tools/list exceeded %d pages", maxListPages)
}

// CallTool invokes a gateway tool. A result flagged isError is returned
// together with a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("mcpgateway: tool name must not be empty")
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, string(mcp.MethodToolsCall), callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcpgateway: decode tools/call result: %w", err)
	}
	if res.IsError {
		return &res, &ToolError{Tool: name, Message: res.Text()}
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: marshal %s request: %w", method, err)
	}

	var resp *rpcResponse
	backoff := retry.WithMaxRetries(c.maxRetries, retry.WithJitter(c.baseDelay/2, retry.NewExponential(c.baseDelay)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.post(ctx, body)
		if err != nil {
			if retryable(err) {
				c.logger.Debug("gateway request failed, retrying", "method", method, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: %s: %w", method, err)
	}

	if got := strings.Trim(string(resp.ID), `"`); got != strconv.FormatInt(id, 10) {
		return nil, fmt.Errorf("mcpgateway: %s: response id %s does not match request id %d", method, got, id)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := c.sign(ctx, req, body); err != nil {
		return nil, err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: c.url, Body: string(buf)}
	}

	if strings.Contains(res.Header.Get("Content-Type"), "text/event-stream") {
		return readEventStream(io.LimitReader(res.Body, maxResponseBody))
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var out rpcResponse
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, c.service, c.region, c.now()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// readEventStream returns the first complete JSON-RPC response carried in
// the stream's data lines.
func readEventStream(r io.Reader) (*rpcResponse, error) {
	var out *rpcResponse
	err := scanEvents(r, func(data string) bool {
		var resp rpcResponse
		if json.Unmarshal([]byte(data), &resp) != nil || (resp.Result == nil && resp.Error == nil) {
			return true
		}
		out = &resp
		return false
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("event stream ended without a response")
	}
	return out, nil
}

// scanEvents calls fn with the data of each event in an SSE stream until fn
// returns false. Multiple data lines in one event are joined with "\n".
func scanEvents(r io.Reader, fn func(data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBody)
	var lines []string

	dispatch := func() bool {
		if len(lines) == 0 {
			return true
		}
		data := strings.Join(lines, "\n")
		lines = lines[:0]
		return fn(data)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if !dispatch() {
				return nil
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	dispatch()
	return nil
}

func retryable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport failures surface from http.Client.Do as *url.Error.
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}
