package tacitus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a response body is read before it is rejected as invalid
const maxResponseBytes = 8 << 20

// Fetcher defines the interface for reading resources from a Tacitus API
type Fetcher interface {
	Fetch(ctx context.Context, resource Resource) (*Snapshot, error)
	BaseURL() string
}

// Client implements Fetcher over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a new Tacitus API client. Trailing slashes are stripped from
// baseURL. Request deadlines come from the context passed to Fetch.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{}, logger)
}

// NewClientWithHTTP creates a client that sends requests through hc
func NewClientWithHTTP(baseURL string, hc *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		http:    hc,
		logger:  logger,
	}
}

// NormalizeBaseURL trims whitespace and every trailing slash so paths can be appended directly
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// BaseURL returns the normalized API base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch performs GET {base}/{resource}/ and decodes the {"result": [...]} body
func (c *Client) Fetch(ctx context.Context, resource Resource) (*Snapshot, error) {
	url := c.baseURL + resource.Path()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrUnreachable, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body of %s: %w", ErrUnreachable, url, err)
	}

	c.logger.Debug("Tacitus API responded",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnavailableError{Resource: resource, StatusCode: resp.StatusCode}
	}

	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("%w: body of %s exceeds %d bytes", ErrResponseInvalid, url, maxResponseBytes)
	}

	records, err := DecodeRecords(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResponseInvalid, url, err)
	}

	return &Snapshot{
		Resource:  resource,
		Records:   records,
		FetchedAt: time.Now(),
	}, nil
}

// DecodeRecords parses a {"result": [{...}, ...]} document into records
func DecodeRecords(body []byte) ([]Record, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal body: %w", err)
	}

	raw := bytes.TrimSpace(envelope.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("missing result")
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	for i, record := range records {
		if record == nil {
			return nil, fmt.Errorf("result[%d] is null", i)
		}
	}

	if records == nil {
		records = []Record{}
	}
	return records, nil
}
