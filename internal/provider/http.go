package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize limits the HTTP response body to 10 MB. Larger pages are
// truncated.
var maxResponseSize int64 = 10 * 1024 * 1024

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Page is a fetched document and the URL it was finally served from.
type Page struct {
	Body     []byte
	FinalURL string
}

// Fetcher retrieves a document.
type Fetcher interface {
	Get(ctx context.Context, url string) (*Page, error)
}

// Resolver follows redirects and reports the final URL without reading the body.
type Resolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// FetchError is a non-200 response from a listing site.
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("provider: fetch %s: HTTP %d", e.URL, e.StatusCode)
}

// httpNewRequestFunc is package-level so tests can force request construction
// failures.
var httpNewRequestFunc = http.NewRequestWithContext

// HTTPFetcher implements Fetcher and Resolver using net/http.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPLogger sets a structured logger. If l is nil it is ignored.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(f *HTTPFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewHTTPFetcher creates an HTTPFetcher. Zero values select the defaults.
func NewHTTPFetcher(timeout time.Duration, userAgent string, opts ...HTTPOption) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) log() *slog.Logger {
	if f.logger != nil {
		return f.logger
	}
	return slog.Default()
}

// Get retrieves the content at the given URL, following redirects.
func (f *HTTPFetcher) Get(ctx context.Context, fetchURL string) (*Page, error) {
	resp, err := f.do(ctx, http.MethodGet, fetchURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: fetchURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("provider: read %s: %w", fetchURL, err)
	}
	if int64(len(body)) > maxResponseSize {
		body = body[:maxResponseSize]
		f.log().Warn("page truncated", "url", fetchURL, "limit_bytes", maxResponseSize)
	}
	return &Page{Body: body, FinalURL: resp.Request.URL.String()}, nil
}

// Resolve issues a HEAD request and returns the URL after redirects. Servers
// that reject HEAD are retried with GET.
func (f *HTTPFetcher) Resolve(ctx context.Context, rawURL string) (string, error) {
	resp, err := f.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		if resp, err = f.do(ctx, http.MethodGet, rawURL); err != nil {
			return "", err
		}
		resp.Body.Close()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return "", &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.Request.URL.String(), nil
}

func (f *HTTPFetcher) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := httpNewRequestFunc(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", "da-DK,da;q=0.9,en;q=0.8")
	if method == http.MethodGet {
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s %s: %w", strings.ToLower(method), rawURL, err)
	}
	return resp, nil
}
