// Package crossflow provides a small Go client for the rebalancing
// daemon's operational REST API.
package crossflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the CrossFlow ops API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Transfer mirrors one pending ledger entry as the API reports it.
type Transfer struct {
	ID           string   `json:"id"`
	Bridge       string   `json:"bridge"`
	Amount       *big.Int `json:"amount"`
	Origin       uint64   `json:"origin"`
	Destination  uint64   `json:"destination"`
	Asset        string   `json:"asset"`
	OriginTxHash string   `json:"origin_tx_hash"`
	Recipient    string   `json:"recipient"`
}

// PauseState reports the global pause switch.
type PauseState struct {
	Paused bool `json:"paused"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("crossflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the CrossFlow ops API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// PendingTransfers lists the in-flight transfers across all configured routes.
func (c *Client) PendingTransfers(ctx context.Context) ([]Transfer, error) {
	var transfers []Transfer
	if err := c.get(ctx, "/api/v1/transfers", &transfers); err != nil {
		return nil, err
	}
	return transfers, nil
}

// Rails lists the registered bridge rail identifiers.
func (c *Client) Rails(ctx context.Context) ([]string, error) {
	var rails []string
	if err := c.get(ctx, "/api/v1/rails", &rails); err != nil {
		return nil, err
	}
	return rails, nil
}

// Paused reads the global pause switch.
func (c *Client) Paused(ctx context.Context) (bool, error) {
	var state PauseState
	if err := c.get(ctx, "/api/v1/pause", &state); err != nil {
		return false, err
	}
	return state.Paused, nil
}

// SetPaused flips the global pause switch and returns the resulting state.
func (c *Client) SetPaused(ctx context.Context, paused bool) (bool, error) {
	var state PauseState
	if err := c.post(ctx, "/api/v1/pause", PauseState{Paused: paused}, &state); err != nil {
		return false, err
	}
	return state.Paused, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
