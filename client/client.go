// Package client talks to the browser-session controller on behalf of a
// caller service. It mints short-lived caller tokens per request and exposes
// the lease lifecycle: acquire, heartbeat, release.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omicronlabs/browserbroker/broker/token"
	"github.com/omicronlabs/browserbroker/client/mcp"
)

// Lease is a caller's view of a browser session.
type Lease struct {
	SessionID string
	MCPURL    string
	ExpiresAt time.Time
	Status    string
}

// ErrSessionStarting is returned by GetOrCreate when another replica is still
// provisioning the session and it did not become ready within the
// controller's poll window. Retry after a short delay.
var ErrSessionStarting = fmt.Errorf("browser session is starting")

// Options configures a controller Client.
type Options struct {
	// BaseURL is the controller endpoint, e.g. "http://browser-broker:8000".
	BaseURL string
	// Tokens mints caller tokens. Required.
	Tokens *token.Domain
	// Subject identifies this caller service in minted tokens.
	Subject string
	// HTTPClient defaults to a client with a 60s timeout, long enough to
	// cover the controller's bounded poll on the non-winning path.
	HTTPClient *http.Client
}

// Client is the controller HTTP client. Safe for concurrent use.
type Client struct {
	base    string
	tokens  *token.Domain
	subject string
	http    *http.Client
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("client: Tokens is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	subject := opts.Subject
	if subject == "" {
		subject = "caller"
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		tokens:  opts.Tokens,
		subject: subject,
		http:    httpClient,
	}, nil
}

type acquireRequest struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type acquireResponse struct {
	SessionID string `json:"session_id"`
	MCPURL    string `json:"mcp_url"`
	ExpiresAt string `json:"expires_at"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// GetOrCreate returns the user's live session, creating and provisioning one
// if needed. sessionID and ttl are optional; zero values take the
// controller's defaults.
func (c *Client) GetOrCreate(ctx context.Context, userID, sessionID string, ttl time.Duration) (Lease, error) {
	req := acquireRequest{UserID: userID, SessionID: sessionID}
	if ttl > 0 {
		req.TTLSeconds = int(ttl / time.Second)
	}
	var resp acquireResponse
	status, err := c.post(ctx, "/internal/browser-sessions/get-or-create", req, &resp)
	if err != nil {
		return Lease{}, err
	}
	if status == http.StatusConflict {
		return Lease{}, ErrSessionStarting
	}
	if status != http.StatusOK {
		return Lease{}, fmt.Errorf("client: get-or-create returned %d", status)
	}
	expires, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		return Lease{}, fmt.Errorf("client: parse expires_at: %w", err)
	}
	return Lease{
		SessionID: resp.SessionID,
		MCPURL:    resp.MCPURL,
		ExpiresAt: expires,
		Status:    resp.Status,
	}, nil
}

// Heartbeat extends the session lease. An unknown session is not an error;
// the controller may have already reclaimed it and the next GetOrCreate will
// reprovision.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) error {
	var body any
	if ttl > 0 {
		body = map[string]int{"ttl_seconds": int(ttl / time.Second)}
	}
	status, err := c.post(ctx, "/internal/browser-sessions/"+sessionID+"/heartbeat", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("client: heartbeat returned %d", status)
	}
	return nil
}

// Delete tears down the session's runner and marks it ended. Idempotent.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	httpReq, err := c.newRequest(ctx, http.MethodDelete, "/internal/browser-sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: delete returned %d", resp.StatusCode)
	}
	return nil
}

// Connect returns an mcp.ConnectFunc that acquires a lease for userID and
// dials the runner's SSE endpoint. Pair it with mcp.NewLazyCaller to defer
// provisioning until first tool use.
func (c *Client) Connect(userID, sessionID string, ttl time.Duration) mcp.ConnectFunc {
	return func(ctx context.Context) (mcp.Caller, error) {
		lease, err := c.GetOrCreate(ctx, userID, sessionID, ttl)
		if err != nil {
			return nil, err
		}
		return mcp.NewSSECaller(ctx, mcp.HTTPOptions{
			Endpoint: lease.MCPURL,
			Client:   c.http,
		})
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	tok, err := c.tokens.IssueCaller(c.subject)
	if err != nil {
		return nil, fmt.Errorf("client: mint caller token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
