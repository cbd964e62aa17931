package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// StatusTimeout bounds one channel status query
	StatusTimeout = 30 * time.Second
	UserAgent     = "poolkeeper/1.0"
	maxBodyBytes  = 16 << 20
)

// Channel is one upstream channel as reported by the search endpoint
type Channel struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    int    `json:"status"`
	UsedQuota int64  `json:"used_quota"`
}

// Active reports whether the upstream considers the channel healthy
func (c Channel) Active() bool {
	return c.Status == 1
}

// searchResponse is the envelope of the channel search endpoint
type searchResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Items []Channel `json:"items"`
	} `json:"data"`
}

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL      string
	Token        string
	UserID       string // sent as New-Api-User
	SearchPath   string
	SearchParams string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client queries the routing service for channel health
type Client struct {
	url    string
	token  string
	userID string
	client *http.Client
}

// NewClient creates a channel status client
func NewClient(opts ClientOptions) *Client {
	url := strings.TrimRight(opts.BaseURL, "/") + opts.SearchPath
	if opts.SearchParams != "" {
		url += "?" + strings.TrimPrefix(opts.SearchParams, "?")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = StatusTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		url:    url,
		token:  opts.Token,
		userID: opts.UserID,
		client: client,
	}
}

// FetchChannels returns every channel the search endpoint lists. It does not
// retry; the caller owns the retry policy.
func (c *Client) FetchChannels(ctx context.Context) ([]Channel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", UserAgent)
	if c.userID != "" {
		req.Header.Set("New-Api-User", c.userID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UnreachableError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &UnreachableError{URL: c.url, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: excerpt(body)}
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: excerpt(body), Err: err}
	}
	if !parsed.Success {
		return nil, &UpstreamRejectedError{Message: parsed.Message}
	}

	return parsed.Data.Items, nil
}

// CountActive returns the number of active channels
func CountActive(channels []Channel) int {
	n := 0
	for _, ch := range channels {
		if ch.Active() {
			n++
		}
	}
	return n
}

const excerptLimit = 512

// excerpt truncates a response body for error details
func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > excerptLimit {
		return s[:excerptLimit] + "..."
	}
	return s
}
