// Package client talks to the control API of a running 'tether serve'.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/supervisor"
)

const defaultBaseURL = "http://127.0.0.1:7070/api"

// Client provides HTTP client functionality to communicate with tether serve
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds a whole request, so the default covers a backend start.
	Timeout time.Duration
	Logger  *slog.Logger
	Token   string // bearer token, see Login
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL, Timeout: 45 * time.Second}
}

// New creates a client. It fails only when the TLS settings cannot be
// loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 45 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// SetToken replaces the bearer token sent with every request.
func (c *Client) SetToken(token string) { c.token = token }

// IsReachable reports whether the server answers GET /profiles with 200,
// which also requires valid credentials when auth is on.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.send(ctx, http.MethodGet, c.baseURL+"/profiles", nil)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Login exchanges basic credentials for a bearer token and starts using it.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/token", &out, func(r *http.Request) {
		r.SetBasicAuth(username, password)
	})
	if err != nil {
		return nil, err
	}
	if out.Token != nil {
		c.token = out.Token.Value
	}
	return &out, nil
}

func (c *Client) Start(ctx context.Context, profile string) (supervisor.Status, error) {
	return c.lifecycle(ctx, "start", profile)
}

func (c *Client) Stop(ctx context.Context, profile string) (supervisor.Status, error) {
	return c.lifecycle(ctx, "stop", profile)
}

func (c *Client) Restart(ctx context.Context, profile string) (supervisor.Status, error) {
	return c.lifecycle(ctx, "restart", profile)
}

func (c *Client) Status(ctx context.Context, profile string) (supervisor.Status, error) {
	var st supervisor.Status
	err := c.do(ctx, http.MethodGet, c.endpoint("status", profile, nil), &st, nil)
	return st, err
}

// Profiles returns the status of every profile the server supervises.
func (c *Client) Profiles(ctx context.Context) ([]supervisor.Status, error) {
	var sts []supervisor.Status
	err := c.do(ctx, http.MethodGet, c.baseURL+"/profiles", &sts, nil)
	return sts, err
}

// History returns the newest lifecycle events of profile. limit <= 0 uses
// the server default.
func (c *Client) History(ctx context.Context, profile string, limit int) ([]history.Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []history.Event
	err := c.do(ctx, http.MethodGet, c.endpoint("history", profile, q), &events, nil)
	return events, err
}

func (c *Client) lifecycle(ctx context.Context, op, profile string) (supervisor.Status, error) {
	c.logger.Debug("lifecycle request", "op", op, "profile", profile)
	var st supervisor.Status
	err := c.do(ctx, http.MethodPost, c.endpoint(op, profile, nil), &st, nil)
	return st, err
}

func (c *Client) endpoint(op, profile string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if profile != "" {
		q.Set("profile", profile)
	}
	u := c.baseURL + "/" + op
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) send(ctx context.Context, method, u string, prepare func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if prepare != nil {
		prepare(req)
	}
	return c.client.Do(req)
}

func (c *Client) do(ctx context.Context, method, u string, out any, prepare func(*http.Request)) error {
	resp, err := c.send(ctx, method, u, prepare)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errorResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			errorResp.Error = resp.Status
		}
		c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
		return &Error{StatusCode: resp.StatusCode, Message: errorResp.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg *TLSClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for self-signed setups
	}
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
