// Package statbank is a client for the Statistics Denmark StatBank API
// (https://api.statbank.dk/v1). All operations are read-only POST requests
// with a JSON body.
package statbank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL     = "https://api.statbank.dk/v1"
	DefaultTimeout     = 30 * time.Second
	DefaultDataTimeout = 60 * time.Second

	maxBodySize     = 5 << 20
	maxErrorMessage = 300
)

// Variable selects values of one table variable in a data request.
type Variable struct {
	Code   string   `json:"code"`
	Values []string `json:"values"`
}

type SubjectsRequest struct {
	Subjects      []string `json:"subjects,omitempty"`
	Recursive     bool     `json:"recursive,omitempty"`
	IncludeTables bool     `json:"includeTables,omitempty"`
	Lang          string   `json:"lang,omitempty"`
}

type TablesRequest struct {
	Subjects        []string `json:"subjects,omitempty"`
	PastDays        int      `json:"pastDays,omitempty"`
	IncludeInactive bool     `json:"includeInactive,omitempty"`
	Lang            string   `json:"lang,omitempty"`
}

type TableInfoRequest struct {
	Table string `json:"table"`
	Lang  string `json:"lang,omitempty"`
}

type DataRequest struct {
	Table     string     `json:"table"`
	Format    string     `json:"format"`
	Variables []Variable `json:"variables"`
	Lang      string     `json:"lang,omitempty"`
}

// Response is a successful API response.
type Response struct {
	Body        []byte
	ContentType string
}

// APIError is a non-2xx StatBank response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("statbank %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Transient reports whether the same request may succeed later.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to StatBank. It retries transient failures through
// go-retryablehttp and paces requests with a token-bucket limiter.
type Client struct {
	baseURL     string
	http        *retryablehttp.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	dataTimeout time.Duration
	logger      *slog.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryMax sets how many times a transient failure is retried.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.http.RetryMax = n
		}
	}
}

// WithRetryWait sets the backoff bounds between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

// WithRateLimit caps requests per second. Zero or negative disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
		}
	}
}

// WithTimeouts sets the per-request timeouts for metadata and data requests.
func WithTimeouts(meta, data time.Duration) Option {
	return func(c *Client) {
		if meta > 0 {
			c.timeout = meta
		}
		if data > 0 {
			c.dataTimeout = data
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http.HTTPClient = hc
		}
	}
}

// New returns a Client with defaults: 2 retries, 4 requests per second.
func New(opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := &Client{
		baseURL:     DefaultBaseURL,
		http:        rc,
		limiter:     rate.NewLimiter(rate.Limit(4), 1),
		timeout:     DefaultTimeout,
		dataTimeout: DefaultDataTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	rc.Logger = c.log()
	return c
}

// log returns the Client's logger, falling back to the default slog logger.
func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// Subjects lists subjects, top-level when req.Subjects is empty.
func (c *Client) Subjects(ctx context.Context, req SubjectsRequest) (*Response, error) {
	return c.post(ctx, "subjects", struct {
		SubjectsRequest
		Format string `json:"format"`
	}{req, "JSON"}, c.timeout)
}

// Tables lists tables under the given subjects.
func (c *Client) Tables(ctx context.Context, req TablesRequest) (*Response, error) {
	return c.post(ctx, "tables", struct {
		TablesRequest
		Format string `json:"format"`
	}{req, "JSON"}, c.timeout)
}

// TableInfo describes a table's variables and their values.
func (c *Client) TableInfo(ctx context.Context, req TableInfoRequest) (*Response, error) {
	return c.post(ctx, "tableinfo", struct {
		TableInfoRequest
		Format string `json:"format"`
	}{req, "JSON"}, c.timeout)
}

// Data fetches filtered table data in req.Format.
func (c *Client) Data(ctx context.Context, req DataRequest) (*Response, error) {
	return c.post(ctx, "data", req, c.dataTimeout)
}

func (c *Client) post(ctx context.Context, endpoint string, body any, timeout time.Duration) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("statbank %s marshal: %w", endpoint, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("statbank %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("statbank %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("statbank %s read: %w", endpoint, err)
	}
	c.log().Debug("statbank request", "endpoint", endpoint, "status", resp.StatusCode, "bytes", len(data), "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return &Response{Body: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// errorMessage extracts StatBank's {"message": ...} or falls back to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(body, &envelope) == nil {
		msg = envelope.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage] + "…"
	}
	return msg
}
