// Package httpclient talks to the billing backend with conditional requests
// and a per-client serial queue.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const apiPrefix = "/v1"

type Origin string

const (
	OriginNetwork Origin = "network"
	OriginCache   Origin = "cache"
)

// Request describes one backend call. Serial requests run one at a time in
// the order they were submitted.
type Request struct {
	Method string
	Path   string
	// Operation names the request in metrics. It defaults to the method.
	Operation    string
	Body         any
	Serial       bool
	ForceRefresh bool
	Headers      map[string]string
}

type Response struct {
	StatusCode int
	Body       json.RawMessage
	Header     http.Header
	Origin     Origin
}

// Completion receives the outcome of a request. For serial requests it runs
// before the next queued request starts.
type Completion func(resp *Response, err error)

type Config struct {
	BaseURL      string
	APIKey       string
	Version      string
	Platform     string
	Timeout      time.Duration
	ObserverMode bool
	Sandbox      bool
	// RateLimit is requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

type Client struct {
	baseURL string
	http    *http.Client
	etags   *ETagManager
	limiter *rate.Limiter
	headers map[string]string
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	queue   []*call
	running bool
}

type call struct {
	ctx        context.Context
	req        Request
	completion Completion
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New builds a client whose validator records live in store.
func New(cfg Config, store ports.KeyValueStore, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid backend url %q", cfg.BaseURL))
	}

	platform := cfg.Platform
	if platform == "" {
		platform = "go"
	}

	c := &Client{
		baseURL: strings.TrimRight(base.String(), "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers: map[string]string{
			"Content-Type":            "application/json",
			"X-Platform":              platform,
			"X-Version":               cfg.Version,
			"X-Observer-Mode-Enabled": strconv.FormatBool(cfg.ObserverMode),
			"X-Is-Sandbox":            strconv.FormatBool(cfg.Sandbox),
		},
		logger: slog.Default(),
	}
	if cfg.APIKey != "" {
		c.headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	c.etags = NewETagManager(store, c.logger)

	return c, nil
}

// Do performs req and waits for its outcome. A cancelled ctx stops the wait
// but not the request, which still completes and updates the validator store.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)

	c.Perform(context.WithoutCancel(ctx), req, func(resp *Response, err error) {
		done <- result{resp: resp, err: err}
	})

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Perform schedules req and returns immediately.
func (c *Client) Perform(ctx context.Context, req Request, completion Completion) {
	if !req.Serial {
		go func() {
			resp, err := c.execute(ctx, req, false)
			completion(resp, err)
		}()
		return
	}

	c.mu.Lock()
	c.queue = append(c.queue, &call{ctx: ctx, req: req, completion: completion})
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.drain()
}

func (c *Client) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		resp, err := c.execute(next.ctx, next.req, false)
		next.completion(resp, err)
	}
}

// ClearCaches removes every stored validator record.
func (c *Client) ClearCaches(ctx context.Context) error {
	return c.etags.Clear(ctx)
}

// execute runs the request. A 304 that cannot be served from the validator
// store is retried once, in place, so a serial request keeps its slot.
func (c *Client) execute(ctx context.Context, req Request, retried bool) (*Response, error) {
	start := time.Now()
	operation := req.Operation
	if operation == "" {
		operation = req.Method
	}

	resp, err := c.roundTrip(ctx, req, retried)
	if err != nil {
		c.metrics.RecordRequest(ctx, req.Method, operation, 0, OriginNetwork, time.Since(start).Seconds())
		return nil, err
	}

	resolved, retry, err := c.etags.Resolve(ctx, c.identity(req), resp, retried)
	if retry {
		c.logger.InfoContext(ctx, "retrying request without validator", "path", req.Path)
		return c.execute(ctx, req, true)
	}

	c.metrics.RecordRequest(ctx, req.Method, operation, statusOf(resolved), originOf(resolved), time.Since(start).Seconds())

	if err != nil {
		return resolved, err
	}
	if resolved.StatusCode >= http.StatusMultipleChoices {
		return resolved, httpError(resolved)
	}
	return resolved, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, retried bool) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.NewTransportError(err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	identity := c.identity(req)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, identity, body)
	if err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("build request: %v", err))
	}

	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	validators, err := c.etags.Headers(ctx, identity, req.ForceRefresh || retried)
	if err != nil {
		return nil, err
	}
	for key, value := range validators {
		httpReq.Header[key] = []string{value}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, domain.NewTransportError(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, domain.NewTransportError(err)
	}

	// Error statuses keep whatever body came back so the status still
	// reaches the caller; proxies answer with HTML.
	raw = bytes.TrimSpace(raw)
	if httpResp.StatusCode < http.StatusMultipleChoices && !isJSONObject(raw) {
		return nil, domain.NewDecodeError(fmt.Errorf("status %d: body is not a JSON object", httpResp.StatusCode))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       raw,
		Header:     httpResp.Header,
		Origin:     OriginNetwork,
	}, nil
}

func isJSONObject(raw []byte) bool {
	return len(raw) == 0 || (raw[0] == '{' && json.Valid(raw))
}

// identity is the absolute URL, which keys the validator store.
func (c *Client) identity(req Request) string {
	return c.baseURL + apiPrefix + req.Path
}

func httpError(resp *Response) error {
	var payload struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	}
	if len(resp.Body) > 0 {
		_ = json.Unmarshal(resp.Body, &payload)
	}
	code, _ := payload.Code.Int64()
	return domain.NewHTTPError(resp.StatusCode, int(code), payload.Message)
}

func statusOf(resp *Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func originOf(resp *Response) Origin {
	if resp == nil {
		return OriginNetwork
	}
	return resp.Origin
}
