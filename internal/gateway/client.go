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

	"github.com/janog-netcon/netcon-score-server/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNoCapacity means the gateway answered 503: no machine can be created
	// right now. Retryable later, not an allocation conflict.
	ErrNoCapacity = errors.New("gateway has no capacity")

	// ErrUnknownProblem means the gateway answered 404: the problem code is
	// not registered for provisioning.
	ErrUnknownProblem = errors.New("problem unknown to gateway")

	// ErrUnavailable covers transport failures, timeouts and unexpected
	// status codes.
	ErrUnavailable = errors.New("gateway unavailable")
)

// Environment is the gateway's description of a freshly created instance.
type Environment struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Port     int    `json:"port"`
}

type createRequest struct {
	ProblemName string `json:"problemName"`
}

// Client is a synchronous HTTP client to the provisioning gateway. Every call
// carries a bounded timeout; the gateway may be slow or down and callers must
// never hold a database lock across these calls.
type Client struct {
	baseURL string
	http    *http.Client
}

const defaultTimeout = 30 * time.Second

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateEnvironment asks the gateway to provision a fresh instance for the
// problem code and returns its connection info.
func (c *Client) CreateEnvironment(ctx context.Context, problemCode string) (*Environment, error) {
	timer := prometheus.NewTimer(metrics.GatewayDurationSeconds.WithLabelValues("create"))
	defer timer.ObserveDuration()

	body, err := json.Marshal(createRequest{ProblemName: problemCode})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/problem", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, ErrNoCapacity
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownProblem
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var env Environment
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if env.Name == "" {
		return nil, fmt.Errorf("%w: response has no instance name", ErrUnavailable)
	}
	return &env, nil
}

// DeleteEnvironment asks the gateway to destroy the named instance. A 404
// means the instance is already gone and is treated as success, which makes
// teardown idempotent.
func (c *Client) DeleteEnvironment(ctx context.Context, name string) error {
	timer := prometheus.NewTimer(metrics.GatewayDurationSeconds.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/problem/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
