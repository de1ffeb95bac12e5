package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rfeldman/goldwatch/internal/venue"
)

// Client talks to the REST bridge that fronts the MetaTrader terminal.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a bridge REST client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Tick is one bridge tick response.
type Tick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"` // terminal time, Unix seconds
	Volume int64   `json:"volume"`
}

// Login opens a terminal session on the bridge.
func (c *Client) Login(ctx context.Context, login, password, server string) error {
	body, err := json.Marshal(loginRequest{Login: login, Password: password, Server: server})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: bridge returned %d", venue.ErrInvalidCredentials, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: bridge returned %d", venue.ErrTransport, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if !lr.Success {
		return fmt.Errorf("%w: %s", venue.ErrInvalidCredentials, lr.Message)
	}

	return nil
}

// Logout closes the terminal session. Errors are not fatal to disconnect.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/logout", nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", venue.ErrTransport, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// GetTick fetches the current tick for a symbol.
func (c *Client) GetTick(ctx context.Context, symbol string) (Tick, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tick?symbol="+url.QueryEscape(symbol), nil)
	if err != nil {
		return Tick{}, fmt.Errorf("build tick request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Tick{}, fmt.Errorf("%w: %v", venue.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Tick{}, fmt.Errorf("%w: bridge returned %d for %s", venue.ErrTransport, resp.StatusCode, symbol)
	}

	var tick Tick
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		return Tick{}, fmt.Errorf("decode tick: %w", err)
	}

	return tick, nil
}
