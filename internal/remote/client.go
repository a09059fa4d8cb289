// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

/*
client.go - Commerce Platform API Client

Client for the remote commerce platform's paginated orders endpoint.

Request Configuration:
  - Authentication: X-Api-Key header on all requests
  - Pagination: cursor query parameter, passed back verbatim from responses
  - Incremental: since_id query parameter anchors at the newest synced order

Error Classification:
  - HTTP 429: TransientError carrying the Retry-After suggestion (RFC 6585)
  - HTTP 5xx: TransientError without a suggestion
  - Other non-2xx: PermanentError

The client performs no retries of its own. Retrying is the scheduler's
responsibility; classification here is what the scheduler's policy keys on.
*/
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/dropstack/ordersync/internal/config"
)

// Client talks to the remote commerce platform API.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a platform API client from configuration.
func NewClient(cfg *config.RemoteConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  cfg.URL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchOrders fetches one page of a tenant's orders. It satisfies FetchFunc.
func (c *Client) FetchOrders(ctx context.Context, tenant string, req PageRequest) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = c.pageSize
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	} else if req.SinceID != "" {
		query.Set("since_id", req.SinceID)
	}

	reqURL := fmt.Sprintf("%s/api/v1/shops/%s/orders?%s", c.baseURL, url.PathEscape(tenant), query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Context cancellation must surface as such, not as a retryable failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &PermanentError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &page, nil
}

// Ping verifies connectivity and credentials against the platform API.
func (c *Client) Ping(ctx context.Context) error {
	reqURL := fmt.Sprintf("%s/api/v1/ping", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}

// classifyStatus maps a non-2xx response to the error taxonomy. The body is
// drained into the error message where it is small enough to be useful.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("rate limited: %s", readErrorBody(resp.Body)),
		}

	case resp.StatusCode >= 500:
		return &TransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("server error: %s", readErrorBody(resp.Body)),
		}

	default:
		return &PermanentError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("request rejected: %s", readErrorBody(resp.Body)),
		}
	}
}

// parseRetryAfter parses a Retry-After header value (RFC 6585). Supports the
// delay-seconds form; the HTTP-date form is rare enough on this API that an
// unparseable value simply falls back to client-side backoff.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// readErrorBody returns a truncated error body for diagnostics.
func readErrorBody(r io.Reader) string {
	const maxErrBody = 512
	data, err := io.ReadAll(io.LimitReader(r, maxErrBody))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	return string(data)
}
