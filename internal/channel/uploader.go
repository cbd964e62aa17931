package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"poolkeeper/internal/pool"
)

const (
	// UploadTimeout bounds one upload attempt
	UploadTimeout      = 15 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
	DefaultUploadPath  = "/api/channel/"
)

// UploaderOptions configures an Uploader
type UploaderOptions struct {
	BaseURL     string
	UploadPath  string
	Token       string
	UserID      string
	Template    map[string]any // fixed routing payload, merged into every request
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// UploadResult is the outcome of uploading one credential file
type UploadResult struct {
	Name     string           `json:"name"`
	File     pool.AccountFile `json:"-"`
	OK       bool             `json:"ok"`
	Detail   string           `json:"detail,omitempty"`
	Attempts int              `json:"attempts"`
}

// Uploader creates one channel per credential file
type Uploader struct {
	url         string
	token       string
	userID      string
	template    map[string]any
	maxAttempts int
	retryDelay  time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// NewUploader creates a channel uploader
func NewUploader(opts UploaderOptions) *Uploader {
	path := opts.UploadPath
	if path == "" {
		path = DefaultUploadPath
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = UploadTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		url:         strings.TrimRight(opts.BaseURL, "/") + path,
		token:       opts.Token,
		userID:      opts.UserID,
		template:    opts.Template,
		maxAttempts: attempts,
		retryDelay:  delay,
		client:      client,
		logger:      logger,
	}
}

// BuildPayload merges the template with the channel name and the compacted
// credential document
func (u *Uploader) BuildPayload(name string, credential []byte) ([]byte, error) {
	var key bytes.Buffer
	if err := json.Compact(&key, credential); err != nil {
		return nil, fmt.Errorf("credential is not valid JSON: %w", err)
	}

	payload := make(map[string]any, len(u.template)+2)
	for k, v := range u.template {
		payload[k] = v
	}
	payload["name"] = name
	payload["key"] = key.String()

	return json.Marshal(payload)
}

// Upload posts one file as a new channel, retrying non-2xx responses and
// transport errors. The create call is not idempotent, so a retry after a
// timeout may leave a duplicate channel upstream.
func (u *Uploader) Upload(ctx context.Context, file pool.AccountFile) UploadResult {
	result := UploadResult{Name: file.Name, File: file}
	logger := u.logger.With("account", file.Name)

	credential, err := os.ReadFile(file.Path)
	if err != nil {
		result.Detail = fmt.Sprintf("read credential: %v", err)
		return result
	}
	body, err := u.BuildPayload(file.Name, credential)
	if err != nil {
		result.Detail = fmt.Sprintf("prepare upload: %v", err)
		return result
	}

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		result.Attempts = attempt
		detail, timedOut, ok := u.post(ctx, body)
		if ok {
			result.OK = true
			result.Detail = ""
			return result
		}
		result.Detail = detail

		if attempt == u.maxAttempts {
			break
		}
		if timedOut {
			logger.Warn("upload timed out, retrying; upstream may hold a duplicate", "attempt", attempt, "error", detail)
		} else {
			logger.Warn("upload failed, retrying", "attempt", attempt, "error", detail)
		}

		select {
		case <-ctx.Done():
			result.Detail = fmt.Sprintf("cancelled after attempt %d: %v", attempt, ctx.Err())
			return result
		case <-time.After(u.retryDelay):
		}
	}

	return result
}

// post performs one attempt
func (u *Uploader) post(ctx context.Context, body []byte) (detail string, timedOut bool, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("build request: %v", err), false, false
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if u.userID != "" {
		req.Header.Set("New-Api-User", u.userID)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		var netErr net.Error
		return fmt.Sprintf("request error: %v", err), errors.As(err, &netErr) && netErr.Timeout(), false
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if readErr != nil {
			return fmt.Sprintf("status %d: read body: %v", resp.StatusCode, readErr), false, false
		}
		return fmt.Sprintf("status %d: %s", resp.StatusCode, excerpt(respBody)), false, false
	}
	return "", false, true
}
