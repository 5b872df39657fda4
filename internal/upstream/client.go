// Package upstream is the thin adapter to the external market-data API:
// session login, paged historical fetches, and error classification.
package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"context"

	"github.com/pquerna/otp/totp"
)

const defaultTimeout = 7 * time.Second

// ClientConfig configures the upstream HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	Timeout    time.Duration
}

// Client is a session-authenticated HTTP client for the upstream API.
// Login exchanges client code + password + a fresh TOTP for a bearer token;
// a 401/403 on any later call invalidates the session so the next request
// re-authenticates.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	log        *slog.Logger

	mu          sync.Mutex
	accessToken string
}

// NewClient creates a Client. No network call is made until the first request.
func NewClient(cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

type loginRequest struct {
	ClientCode string `json:"client_code"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type loginResponse struct {
	Status      string `json:"s"`
	AccessToken string `json:"access_token"`
	ErrMsg      string `json:"errmsg"`
}

// login establishes a session. Credentials being unset means the upstream
// runs unauthenticated (the dev simulator).
func (c *Client) login(ctx context.Context) error {
	if c.cfg.ClientCode == "" {
		return nil
	}

	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return &FatalError{Reason: "auth", Msg: "totp generation failed: " + err.Error()}
	}

	body, _ := json.Marshal(loginRequest{
		ClientCode: c.cfg.ClientCode,
		Password:   c.cfg.Password,
		TOTP:       code,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, "login rejected")
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("login decode: %w", err)
	}
	if lr.Status != "ok" || lr.AccessToken == "" {
		return &FatalError{Reason: "auth", Status: resp.StatusCode, Msg: lr.ErrMsg}
	}

	c.mu.Lock()
	c.accessToken = lr.AccessToken
	c.mu.Unlock()
	c.log.Info("upstream session established")
	return nil
}

// getJSON performs an authenticated GET and decodes the JSON response into
// out. Auth and rate rejections come back as FatalError.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()

	if token == "" && c.cfg.ClientCode != "" {
		if err := c.login(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		token = c.accessToken
		c.mu.Unlock()
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			// Session expired: drop the token so the next call re-logs-in.
			c.mu.Lock()
			c.accessToken = ""
			c.mu.Unlock()
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return classifyStatus(resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func classifyStatus(status int, msg string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &FatalError{Reason: "auth", Status: status, Msg: msg}
	case http.StatusTooManyRequests:
		return &FatalError{Reason: "rate", Status: status, Msg: msg}
	default:
		return fmt.Errorf("upstream status %d: %s", status, msg)
	}
}
