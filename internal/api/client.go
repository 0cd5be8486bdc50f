// Package api is the REST boundary to the Engine. It stays deliberately
// thin: typed request/response wrappers, per-request timeouts, bounded
// retry with backoff for transient failures, and normalization of every
// error body into APIError so callers branch only on codes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/helmdesk/helmdesk-sync/internal/models"
)

// Client talks to the Engine REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	RetryMax   int
	RetryBase  time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Timeout:    10 * time.Second,
		RetryMax:   3,
		RetryBase:  250 * time.Millisecond,
	}
}

// ListOptions filters and paginates the pending decision list.
type ListOptions struct {
	Kind   models.DecisionKind
	Limit  int
	Offset int
}

// DecisionPage is one page of pending decisions.
type DecisionPage struct {
	Decisions []models.Decision `json:"decisions"`
	Total     int               `json:"total"`
	HasMore   bool              `json:"has_more"`
}

// ResolveResult is the Engine's response to a successful resolution.
type ResolveResult struct {
	Decision         *models.Decision  `json:"decision,omitempty"`
	ChainedDecisions []models.Decision `json:"chained_decisions,omitempty"`
	UndoAvailable    bool              `json:"undo_available"`
	UndoActionID     string            `json:"undo_action_id,omitempty"`
	UndoExpiresAt    *time.Time        `json:"undo_expires_at,omitempty"`
}

// DeferRequest asks the Engine to resurface a decision later.
type DeferRequest struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

// ListDecisions fetches one page of pending decisions.
func (c *Client) ListDecisions(ctx context.Context, opts ListOptions) (*DecisionPage, error) {
	q := url.Values{}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/decisions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page DecisionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ResolveDecision submits a resolution payload for the given decision.
func (c *Client) ResolveDecision(ctx context.Context, id string, payload map[string]any) (*ResolveResult, error) {
	var result ResolveResult
	if err := c.do(ctx, http.MethodPost, "/api/decisions/"+url.PathEscape(id)+"/resolve", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeferDecision asks the server to defer the decision until the given time.
func (c *Client) DeferDecision(ctx context.Context, id string, until time.Time, reason string) (*models.Decision, error) {
	var d models.Decision
	req := DeferRequest{Until: until, Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/api/decisions/"+url.PathEscape(id)+"/defer", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UndoDecision reverts a recent resolution while its undo window is open.
// The returned decision is pending again.
func (c *Client) UndoDecision(ctx context.Context, id string) (*models.Decision, error) {
	var d models.Decision
	if err := c.do(ctx, http.MethodPost, "/api/decisions/"+url.PathEscape(id)+"/undo", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// do runs one request with per-attempt timeout and bounded retry for
// transient failures. Non-retryable errors surface immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.RetryMax; attempt++ {
		if attempt > 0 {
			delay := c.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = c.doOnce(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError maps an error response to APIError. Bodies without a usable
// code get one inferred from the HTTP status so callers always have a code
// to branch on.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
		if apiErr.Code == "" {
			apiErr.Code = codeForStatus(resp.StatusCode)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return ErrCodeNotFound
	case status == http.StatusConflict:
		return ErrCodeAlreadyResolved
	case status == http.StatusGatewayTimeout, status == http.StatusRequestTimeout:
		return ErrCodeTimeout
	case status == http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	case status >= 500:
		return ErrCodeInternalError
	default:
		return ErrCodeInvalidRequest
	}
}
