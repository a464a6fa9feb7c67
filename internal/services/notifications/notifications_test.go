// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_Notify(t *testing.T) {
	var got Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	notifier.Notify(context.Background(), Event{
		Type:     EventQueueCleanCompleted,
		Severity: SeverityInfo,
		Title:    "Queue clean completed",
		Message:  "2 removed",
		DryRun:   true,
	})

	assert.Equal(t, EventQueueCleanCompleted, got.Type)
	assert.True(t, got.DryRun)
	assert.False(t, got.Timestamp.IsZero())
}

func TestWebhookNotifier_SwallowsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	server.Close() // connection refused from here on

	notifier := NewWebhookNotifier(server.URL)
	// Must not panic or block; failures are logged only.
	notifier.Notify(context.Background(), Event{Type: EventSeedCleanFailed, Severity: SeverityError})
}

type captureNotifier struct {
	events []Event
}

func (n *captureNotifier) Notify(_ context.Context, event Event) {
	n.events = append(n.events, event)
}

func TestMultiNotifier_FansOut(t *testing.T) {
	first := &captureNotifier{}
	second := &captureNotifier{}

	multi := NewMultiNotifier(first, second)
	multi.Notify(context.Background(), Event{Type: EventDownloadRemoved, Severity: SeverityInfo})

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	assert.False(t, first.events[0].Timestamp.IsZero())
}
