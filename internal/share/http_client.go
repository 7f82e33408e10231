package share

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	defaultEndpoint    = "http://127.0.0.1:8080"
	defaultHTTPTimeout = 15 * time.Second
	maxResponseBytes   = 64 << 20
)

// SyncState is the server's acknowledgement of a write.
type SyncState struct {
	PID          string `json:"pid"`
	Rev          string `json:"rev"`
	RevTimestamp string `json:"rev_timestamp"`
}

// RemoteClient talks to a revision store.
type RemoteClient interface {
	Exists(ctx context.Context, pid string) (bool, error)
	Fetch(ctx context.Context, pid string) ([]byte, error)
	Create(ctx context.Context, snapshot []byte) (SyncState, error)
	Update(ctx context.Context, pid, rev string, snapshot []byte) (SyncState, error)
}

// HTTPClient implements RemoteClient over the revision store wire contract.
// It never retries; every failure is returned to the caller.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPClient(endpoint string, httpClient *http.Client) *HTTPClient {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{endpoint: endpoint, httpClient: httpClient}
}

func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

func (c *HTTPClient) Exists(ctx context.Context, pid string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodHead, projectPath(pid), nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return status >= 200 && status <= 299, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, pid string) ([]byte, error) {
	_, body, err := c.do(ctx, http.MethodGet, projectPath(pid), nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot body", ErrMalformedResponse)
	}
	return body, nil
}

func (c *HTTPClient) Create(ctx context.Context, snapshot []byte) (SyncState, error) {
	_, body, err := c.do(ctx, http.MethodPost, "", snapshot)
	if err != nil {
		return SyncState{}, err
	}
	return parseSyncState(body)
}

func (c *HTTPClient) Update(ctx context.Context, pid, rev string, snapshot []byte) (SyncState, error) {
	q := url.Values{}
	q.Set("rev", rev)
	_, body, err := c.do(ctx, http.MethodPost, projectPath(pid)+"?"+q.Encode(), snapshot)
	if err != nil {
		return SyncState{}, err
	}
	return parseSyncState(body)
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+requestPath, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(ctx, err)
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.StatusCode, nil, classifyTransportError(ctx, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.StatusCode, payload, nil
	}
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       gjson.GetBytes(payload, "code").String(),
		Message:    gjson.GetBytes(payload, "message").String(),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if httpErr.Message == "" {
		httpErr.Message = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, nil, httpErr
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// parseSyncState requires pid, rev and rev_timestamp in the response.
func parseSyncState(body []byte) (SyncState, error) {
	if !gjson.ValidBytes(body) {
		return SyncState{}, fmt.Errorf("%w: response is not json: %q", ErrMalformedResponse, truncate(body))
	}
	fields := gjson.GetManyBytes(body, "pid", "rev", "rev_timestamp")
	for i, name := range []string{"pid", "rev", "rev_timestamp"} {
		if !fields[i].Exists() || fields[i].String() == "" {
			return SyncState{}, fmt.Errorf("%w: missing %s in %q", ErrMalformedResponse, name, truncate(body))
		}
	}
	return SyncState{
		PID:          fields[0].String(),
		Rev:          fields[1].String(),
		RevTimestamp: fields[2].String(),
	}, nil
}

func projectPath(pid string) string {
	return "/" + url.PathEscape(pid)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
