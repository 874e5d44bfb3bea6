package netclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/arc-language/pybundle/pkg/core"
)

const userAgent = "pybundle/0.1"

// Client handles HTTP requests to distribution mirrors and package indexes.
// Transient failures are retried; every failure is classified onto the core
// error taxonomy.
type Client struct {
	httpClient *retryablehttp.Client
	userAgent  string
}

// NewClient creates a new HTTP client with default timeout and retry budget
func NewClient() *Client {
	return NewClientWithTimeout(2*time.Minute, 3)
}

// NewClientWithTimeout creates a new HTTP client with custom timeout and retry budget.
// The timeout bounds each attempt, including reading the body.
func NewClientWithTimeout(timeout time.Duration, retryMax int) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil

	return &Client{
		httpClient: rc,
		userAgent:  userAgent,
	}
}

// SetLogger routes retry diagnostics to logger
func (c *Client) SetLogger(logger logr.Logger) {
	c.httpClient.Logger = leveledLogger{logger}
}

// Get performs an HTTP GET request. A nil error guarantees a 200 response.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, classifyTransport(ctx, url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: status %d", core.ErrRemoteNotFound, url, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: unexpected status %d", core.ErrNetworkUnavailable, url, resp.StatusCode)
	}
}

// Download streams the body of url into w
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body := &trackingReader{r: resp.Body}
	n, err := io.Copy(w, body)
	if err != nil {
		if body.err != nil {
			return n, classifyTransport(ctx, url, body.err)
		}
		return n, err
	}
	return n, nil
}

// GetJSON fetches url and decodes the body into v
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

func classifyTransport(ctx context.Context, url string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("GET %s: %w", url, ctx.Err())
	}
	return fmt.Errorf("%w: GET %s: %v", core.ErrNetworkUnavailable, url, err)
}

// trackingReader remembers read-side failures so they can be told apart
// from write failures on the destination.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// leveledLogger adapts logr to retryablehttp.LeveledLogger
type leveledLogger struct {
	logr.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.V(1).Info(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.V(2).Info(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, keysAndValues...)
}
