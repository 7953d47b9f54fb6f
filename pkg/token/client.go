// Package token fetches short-lived connection grants for the voice relay.
//
// The backend mints either an ephemeral access token or hands back a raw API
// key, together with the model and tool configuration the session should run
// with. Grants expire; sessions re-fetch on every start.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chravel/chravel-live/pkg/core"
	"github.com/chravel/chravel-live/pkg/wire"
)

// DefaultTimeout bounds a grant request when the caller's context carries no
// deadline.
const DefaultTimeout = 15 * time.Second

// Grant is the backend's answer to a token request. Exactly one of
// AccessToken and APIKey is expected to be set.
type Grant struct {
	AccessToken       string      `json:"accessToken,omitempty"`
	APIKey            string      `json:"apiKey,omitempty"`
	WebsocketURL      string      `json:"websocketUrl,omitempty"`
	Model             string      `json:"model,omitempty"`
	Voice             string      `json:"voice,omitempty"`
	SystemInstruction string      `json:"systemInstruction,omitempty"`
	Tools             []wire.Tool `json:"tools,omitempty"`
	ExpireTime        time.Time   `json:"expireTime,omitempty"`
}

// Credential converts the grant into the websocket credential form.
func (g *Grant) Credential() wire.Credential {
	return wire.Credential{AccessToken: g.AccessToken, APIKey: g.APIKey}
}

// Ephemeral reports whether the grant carries a server-minted access token
// rather than a raw API key.
func (g *Grant) Ephemeral() bool {
	return g.AccessToken != ""
}

// Issuer mints grants. The live session depends on this interface so tests
// can stub the backend out.
type Issuer interface {
	Issue(ctx context.Context, req Request) (*Grant, error)
}

// Request describes what the session is asking a grant for.
type Request struct {
	TripID string `json:"tripId,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

// Client calls the backend's token endpoint over HTTP.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient returns a token client for the given endpoint. authToken is the
// caller's backend session token, sent as a bearer credential.
func NewClient(endpoint, authToken string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		authToken:  authToken,
		httpClient: newDefaultHTTPClient(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue requests a grant. The context bounds the whole request; without a
// deadline the client's timeout applies.
func (c *Client) Issue(ctx context.Context, req Request) (*Grant, error) {
	if c.endpoint == "" {
		return nil, core.NewInvalidRequestError("token endpoint not configured")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewTimeoutError("token fetch")
		}
		return nil, core.NewUnavailableError(fmt.Sprintf("token endpoint unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.parseError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var grant Grant
	if err := json.Unmarshal(respBody, &grant); err != nil {
		return nil, core.NewProviderError("malformed grant response", "")
	}
	if !grant.Credential().Valid() {
		return nil, core.NewAuthenticationError("grant carried no credential")
	}
	return &grant, nil
}

// parseError maps an HTTP error status to a typed error.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.NewAuthenticationError(msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.NewRateLimitError(msg, retryAfterSeconds(resp))
	case resp.StatusCode >= 500:
		return core.NewUnavailableError(msg)
	default:
		return core.NewInvalidRequestError(msg)
	}
}

func retryAfterSeconds(resp *http.Response) int {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

// newDefaultHTTPClient configures transport-level timeouts while leaving the
// request lifetime to context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}
