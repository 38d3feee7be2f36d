// Package mechanism is the HTTP client for the external noisy-query service.
// The service executes an analytical query under differential privacy and
// returns a perturbed result; this package treats it as opaque. The gate
// calls it at most once per reservation.
package mechanism

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize caps how much of an upstream response body is read (4 MB).
const maxResponseSize = 4 << 20

// QueryDescriptor identifies which analytical query to run and against which
// table. It is passed through to the mechanism untouched; Analysis selects
// the upstream endpoint.
type QueryDescriptor struct {
	Analysis  string `json:"analysis,omitempty"`
	Query     string `json:"query,omitempty"`
	TableName string `json:"table_name,omitempty"`
}

// UpstreamError describes a failed mechanism call. Kind is one of timeout,
// canceled, dns, connection_refused, network, status, or other; StatusCode
// is set when Kind is "status".
type UpstreamError struct {
	Kind       string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Kind == "status" {
		return fmt.Sprintf("mechanism: upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("mechanism: upstream %s error: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Client calls the noisy-query mechanism over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client for the mechanism at baseURL. The timeout is a
// transport-level backstop; per-call deadlines come from the context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// runRequest is the wire format the mechanism expects.
type runRequest struct {
	Epsilon   float64 `json:"epsilon"`
	Query     string  `json:"query,omitempty"`
	TableName string  `json:"table_name,omitempty"`
}

// Run executes the described query at privacy cost epsilon and returns the
// mechanism's JSON payload verbatim.
func (c *Client) Run(ctx context.Context, epsilon float64, q QueryDescriptor) (json.RawMessage, error) {
	body, err := json.Marshal(runRequest{
		Epsilon:   epsilon,
		Query:     q.Query,
		TableName: q.TableName,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding mechanism request: %w", err)
	}

	url := c.baseURL + endpointFor(q.Analysis)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building mechanism request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: Classify(err), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &UpstreamError{Kind: "network", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Kind: "status", StatusCode: resp.StatusCode}
	}

	return json.RawMessage(payload), nil
}

// endpointFor maps an analysis name to the mechanism's endpoint path.
// Unrecognized analyses use the generic query endpoint.
func endpointFor(analysis string) string {
	switch analysis {
	case "debt-analysis":
		return "/apply-dp-debtratio"
	case "credit-history":
		return "/credit-history"
	case "credit-balance":
		return "/credit-balance-analysis"
	default:
		return "/apply-dp"
	}
}

// Classify categorizes a transport-level error for logging and metrics.
func Classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var urlTimeout interface{ Timeout() bool }
	if errors.As(err, &urlTimeout) && urlTimeout.Timeout() {
		return "timeout"
	}
	return "other"
}
