// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications fans cleaning events out to configured sinks.
// Delivery is best effort: a failing sink never fails the pass that
// produced the event.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/buildinfo"
)

type EventType string

const (
	EventQueueCleanCompleted EventType = "QUEUE_CLEAN_COMPLETED"
	EventQueueCleanFailed    EventType = "QUEUE_CLEAN_FAILED"
	EventSeedCleanCompleted  EventType = "SEED_CLEAN_COMPLETED"
	EventSeedCleanFailed     EventType = "SEED_CLEAN_FAILED"
	EventDownloadRemoved     EventType = "DOWNLOAD_REMOVED"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one notification payload. DryRun marks events produced by a pass
// that only simulated its mutations.
type Event struct {
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	DryRun    bool      `json:"dryRun,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// QueueCleanEventData summarizes one queue-cleaning pass.
type QueueCleanEventData struct {
	RunID     int64    `json:"run_id,omitempty"`
	Evaluated int      `json:"evaluated"`
	Striked   int      `json:"striked"`
	Removed   int      `json:"removed"`
	Blocked   int      `json:"blocked"`
	Samples   []string `json:"samples,omitempty"`
}

// SeedCleanEventData summarizes one seeding-cleanup pass.
type SeedCleanEventData struct {
	RunID       int64    `json:"run_id,omitempty"`
	Removed     int      `json:"removed"`
	Quarantined int      `json:"quarantined"`
	Samples     []string `json:"samples,omitempty"`
}

// Notifier delivers events to a sink.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the application log.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	var logEvent *zerolog.Event
	switch event.Severity {
	case SeverityError:
		logEvent = log.Error()
	case SeverityWarning:
		logEvent = log.Warn()
	default:
		logEvent = log.Info()
	}

	logEvent.
		Str("event", string(event.Type)).
		Bool("dryRun", event.DryRun).
		Str("title", event.Title).
		Msg(event.Message)
}

// WebhookNotifier POSTs events as JSON to a configured URL.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to encode notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("url", n.url).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", n.url).Str("event", string(event.Type)).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Warn().Int("status", resp.StatusCode).Str("url", n.url).Str("event", string(event.Type)).Msg("Webhook returned non-success status")
	}
}

// MultiNotifier delivers each event to every configured sink.
type MultiNotifier struct {
	sinks []Notifier
}

func NewMultiNotifier(sinks ...Notifier) *MultiNotifier {
	return &MultiNotifier{sinks: sinks}
}

func (n *MultiNotifier) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sink := range n.sinks {
		sink.Notify(ctx, event)
	}
}
