package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/metrics"
)

// errorDecoder turns a non-2xx body into a vendor fault. Returning nil falls
// back to *fault.HTTPError.
type errorDecoder func(status int, body []byte) *fault.ProviderError

// request describes one HTTP call.
type request struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Form      url.Values
	Header    http.Header
	Timeout   time.Duration
}

// jsonClient is the shared JSON over HTTPS transport.
type jsonClient struct {
	name        string
	baseURL     string
	httpClient  *http.Client
	decodeError errorDecoder

	Monitor *ProviderMonitor
}

func newJSONClient(name, baseURL string, httpClient *http.Client, decode errorDecoder) *jsonClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &jsonClient{
		name:        name,
		baseURL:     baseURL,
		httpClient:  httpClient,
		decodeError: decode,
		Monitor:     NewProviderMonitor(),
	}
}

// do sends req and decodes a 2xx body into out. Each call carries its own timeout.
func (c *jsonClient) do(ctx context.Context, req request, out any) error {
	if status := c.Monitor.CheckProviderStatus(); status == StatusThrottled || status == StatusBlocked {
		return &fault.HTTPError{
			StatusCode: http.StatusTooManyRequests,
			Body:       fmt.Sprintf("%s %s, retry after %s", c.name, status, c.Monitor.GetRetryAfter()),
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return err
	}

	metrics.ProviderCallsTotal.WithLabelValues(c.name, req.Operation).Inc()
	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.Monitor.RecordFailure()
		return fmt.Errorf("%s %s: %w", c.name, req.Operation, err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(c.name, req.Operation).Observe(latency.Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Monitor.RecordFailure()
		return fmt.Errorf("%s %s: read response: %w", c.name, req.Operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.Monitor.RecordFailure()
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			c.Monitor.RecordThrottle(resp.StatusCode, resp.Header.Get("Retry-After"))
		case http.StatusForbidden:
			if c.Monitor.DetectThrottlePattern(string(body)) {
				c.Monitor.RecordThrottle(resp.StatusCode, "")
			}
		}

		if c.decodeError != nil {
			if pe := c.decodeError(resp.StatusCode, body); pe != nil {
				pe.Provider = c.name
				pe.StatusCode = resp.StatusCode
				return pe
			}
		}
		return &fault.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	c.Monitor.RecordRequest(latency)

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.name, req.Operation, err)
	}
	return nil
}

func (c *jsonClient) newRequest(ctx context.Context, req request) (*http.Request, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		body = bytes.NewBufferString(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

func (c *jsonClient) health() HealthStatus {
	status := c.Monitor.CheckProviderStatus()
	return HealthStatus{
		Available:    status == StatusHealthy || status == StatusDegraded,
		Status:       status.String(),
		MonitorStats: c.Monitor.GetStats(),
	}
}

// Close cleans up resources.
func (c *jsonClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
