package warming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/scrivia/draftcache/internal/cache"
)

// maxComputeResponse caps how much of an upstream response body is read.
const maxComputeResponse = 1 << 20

// Computer produces the payload for a predicted operation. The warming
// scheduler calls it once per prediction, with retries for transient errors.
type Computer interface {
	Compute(ctx context.Context, op cache.Operation, rctx cache.RequestContext) ([]byte, error)
}

// HTTPComputer requests predicted responses from an upstream compute service.
// The service receives the operation and request context as JSON and replies
// with the raw payload to cache.
type HTTPComputer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPComputer validates the endpoint and prepares a client. The timeout
// bounds the whole exchange; zero falls back to five seconds.
func NewHTTPComputer(endpoint string, timeout time.Duration) (*HTTPComputer, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("warming: compute endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("warming: compute endpoint %q: unsupported scheme", endpoint)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPComputer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type computeRequest struct {
	Operation cache.Operation      `json:"operation"`
	Context   cache.RequestContext `json:"context"`
}

// Compute posts the prediction upstream and returns the response body as the
// payload to cache.
func (c *HTTPComputer) Compute(ctx context.Context, op cache.Operation, rctx cache.RequestContext) ([]byte, error) {
	body, err := json.Marshal(computeRequest{Operation: op, Context: rctx})
	if err != nil {
		return nil, fmt.Errorf("warming: encode compute request: %w: %w", cache.ErrInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("warming: compute request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("warming: compute request: %w", err)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxComputeResponse))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("warming: compute read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("warming: compute close: %w", closeErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("warming: compute status %d", resp.StatusCode)
	}
	return payload, nil
}
