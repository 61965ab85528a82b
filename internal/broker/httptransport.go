package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marginctl/internal/pkg/circuit"
)

const (
	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second
)

// HTTPTransport implements Transport over a single JSON endpoint: every
// operation is POSTed as {"op": ..., "args": {...}} and the broker responds
// with the same structured dictionary-like result Gateway already expects.
// A circuit breaker sits in front of the HTTP call itself, independent of
// Gateway's own per-operation retry budget: once the endpoint has failed
// breakerFailureThreshold times in a row it stops sending requests for
// breakerCooldown rather than letting every retry attempt still hit the
// wire.
type HTTPTransport struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	breaker    *circuit.CircuitBreaker
}

// HTTPTransportConfig configures the broker's HTTP endpoint.
type HTTPTransportConfig struct {
	BaseURL            string
	APIToken           string
	TimeoutSeconds     int
	InsecureSkipVerify bool
}

// NewHTTPTransport constructs an HTTPTransport from configuration.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("broker: http transport base_url cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("broker: parse base_url: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}
	return &HTTPTransport{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		token:      strings.TrimSpace(cfg.APIToken),
		breaker:    circuit.NewCircuitBreaker(parsed.Host, breakerFailureThreshold, breakerCooldown),
	}, nil
}

// SetHTTPClient overrides the HTTP client, for tests.
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

type wireRequest struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, op string, args map[string]any) (map[string]any, error) {
	if !t.breaker.Allow() {
		return nil, fmt.Errorf("broker: %s rejected, circuit breaker open for %s", op, t.baseURL.Host)
	}
	result, err := t.doCall(ctx, op, args)
	if err != nil {
		t.breaker.RecordFailure()
		return nil, err
	}
	t.breaker.RecordSuccess()
	return result, nil
}

func (t *HTTPTransport) doCall(ctx context.Context, op string, args map[string]any) (map[string]any, error) {
	body, err := json.Marshal(wireRequest{Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("broker: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: call %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("broker: %s returned status %d: %s", op, resp.StatusCode, string(data))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("broker: decode %s response: %w", op, err)
	}
	return result, nil
}
