package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 10 * time.Second

// APIError is a non-success answer from the ledger API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("ledger api returned %d: %s", e.StatusCode, e.Message)
}

// envelope is the ledger API's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the REST ledger. Writes are idempotent on the transaction
// reference; a 409 means the record already exists.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Post writes rec to the ledger.
func (c *Client) Post(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/liquidity", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return err
	}
	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	return nil
}

// List returns the ledger's liquidity records for the token's account.
func (c *Client) List(ctx context.Context) ([]Record, error) {
	resp, err := c.do(ctx, http.MethodGet, "/liquidity", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}

	records := make([]Record, 0)
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return records, nil
	}
	if err := json.Unmarshal(env.Data, &records); err != nil {
		return nil, fmt.Errorf("decode ledger records: %w", err)
	}
	return records, nil
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("ledger url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request: %w", err)
	}
	return resp, nil
}

func decodeEnvelope(resp *http.Response) (envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("read ledger response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return envelope{}, fmt.Errorf("decode ledger response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return env, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	// An empty 2xx body counts as success.
	if len(raw) == 0 {
		env.Success = true
	}
	return env, nil
}
