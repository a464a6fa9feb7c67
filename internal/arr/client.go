// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/buildinfo"
)

const (
	defaultTimeoutSeconds = 30
	queuePageSize         = 100
	requestAttempts       = 3
)

// StatusError is an HTTP error from the *arr API. The status code is kept so
// callers can distinguish transient failures from auth or client errors.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

// Transient reports whether the failure is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Client is a Sonarr/Radarr v3 API client scoped to queue management.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for one *arr instance.
func NewClient(baseURL, apiKey string, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
	}
}

// Ping checks connectivity and credentials against the system status
// endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v3/system/status", nil, nil, nil)
}

// GetQueue pages through the full download queue and returns every record.
func (c *Client) GetQueue(ctx context.Context) ([]QueueRecord, error) {
	var records []QueueRecord

	for page := 1; ; page++ {
		query := url.Values{
			"page":                {strconv.Itoa(page)},
			"pageSize":            {strconv.Itoa(queuePageSize)},
			"includeUnknownSeriesItems": {"true"},
			"includeUnknownMovieItems":  {"true"},
		}

		var resp QueuePage
		if err := c.do(ctx, http.MethodGet, "/api/v3/queue", query, nil, &resp); err != nil {
			return nil, fmt.Errorf("fetch queue page %d: %w", page, err)
		}

		records = append(records, resp.Records...)

		if len(resp.Records) == 0 || len(records) >= resp.TotalRecords {
			return records, nil
		}
	}
}

// RemoveQueueItem deletes a queue record. removeFromClient also deletes the
// download in the client; blocklist prevents the same release from being
// grabbed again.
func (c *Client) RemoveQueueItem(ctx context.Context, id int64, removeFromClient, blocklist bool) error {
	query := url.Values{
		"removeFromClient": {strconv.FormatBool(removeFromClient)},
		"blocklist":        {strconv.FormatBool(blocklist)},
	}
	path := fmt.Sprintf("/api/v3/queue/%d", id)
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

// SearchCommand names the replacement-search command per application.
type SearchCommand struct {
	Name       string  `json:"name"`
	SeriesID   int64   `json:"seriesId,omitempty"`
	EpisodeIDs []int64 `json:"episodeIds,omitempty"`
	MovieIDs   []int64 `json:"movieIds,omitempty"`
}

// TriggerSearch asks the application to search for a replacement of what was
// just removed.
func (c *Client) TriggerSearch(ctx context.Context, cmd SearchCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/v3/command", nil, body, nil)
}

// do executes one API request with retries on transient failures and decodes
// the JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return retry.Do(
		func() error {
			var reqBody io.Reader
			if body != nil {
				reqBody = bytes.NewReader(body)
			}

			req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
			}
			req.Header.Set("X-Api-Key", c.apiKey)
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
				statusErr := &StatusError{StatusCode: resp.StatusCode, URL: endpoint}
				if !statusErr.Transient() {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		},
		retry.Attempts(requestAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("url", endpoint).Msg("Retrying request")
		}),
	)
}
