// Package gateway is a typed client for the external training service.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	// APIKeyHeader carries the shared secret on every call.
	APIKeyHeader = "X-API-Key"

	maxBodyBytes = 8 << 20
)

// Observer receives the outcome of every gateway call.
type Observer interface {
	ObserveGateway(operation string, started time.Time, err error)
}

type Options struct {
	BaseURL string
	APIKey  string

	// Timeout bounds status, results and persist calls.
	Timeout time.Duration
	// SubmitTimeout bounds POST /train, which uploads the whole sample set.
	SubmitTimeout time.Duration

	HTTPClient *http.Client
	Observer   Observer
}

// Client talks to the training service over JSON/HTTP.
type Client struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	submitTimeout time.Duration
	httpClient    *http.Client
	observer      Observer
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("gateway API key is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = timeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		timeout:       timeout,
		submitTimeout: submitTimeout,
		httpClient:    hc,
		observer:      opts.Observer,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Submit starts training on the gateway.
func (c *Client) Submit(ctx context.Context, req *TrainRequest) (*SubmitResponse, error) {
	if req == nil {
		return nil, errors.New("train request is required")
	}
	var resp SubmitResponse
	if err := c.doJSON(ctx, "submit", c.submitTimeout, http.MethodPost, "/train", req, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		resp.JobID = req.JobID
	}
	return &resp, nil
}

// Status fetches the live status and progress of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, "status", c.timeout, http.MethodGet, "/train/status/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Results fetches final metrics and history for a completed job.
func (c *Client) Results(ctx context.Context, jobID string) (*Results, error) {
	var resp Results
	if err := c.doJSON(ctx, "results", c.timeout, http.MethodGet, "/train/results/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.RawMetrics) > 0 {
		if err := json.Unmarshal(resp.RawMetrics, &resp.Metrics); err != nil {
			return nil, &GatewayError{Op: "results", StatusCode: http.StatusOK, Message: "malformed metrics: " + err.Error()}
		}
	}
	if len(resp.RawHistory) > 0 {
		if err := json.Unmarshal(resp.RawHistory, &resp.History); err != nil {
			return nil, &GatewayError{Op: "results", StatusCode: http.StatusOK, Message: "malformed history: " + err.Error()}
		}
	}
	return &resp, nil
}

// Persist asks the gateway to store the trained artifact under artifactName
// and returns where it was written.
func (c *Client) Persist(ctx context.Context, jobID, artifactName string) (*PersistResponse, error) {
	var resp PersistResponse
	body := persistRequest{ModelName: artifactName}
	if err := c.doJSON(ctx, "persist", c.timeout, http.MethodPost, "/train/save/"+url.PathEscape(jobID), body, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.ModelPath) == "" {
		return nil, &GatewayError{Op: "persist", StatusCode: http.StatusOK, Message: "response is missing modelPath"}
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, op string, timeout time.Duration, method, path string, body, out interface{}) (err error) {
	started := time.Now()
	if c.observer != nil {
		defer func() { c.observer.ObserveGateway(op, started, err) }()
	}

	var payload io.Reader
	if body != nil {
		buf, mErr := json.Marshal(body)
		if mErr != nil {
			return fmt.Errorf("encode %s request: %w", op, mErr)
		}
		payload = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransientNetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response body", Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
