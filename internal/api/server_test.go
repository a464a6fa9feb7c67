// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/sweeparr/internal/api/handlers"
	"github.com/autobrr/sweeparr/internal/config"
	"github.com/autobrr/sweeparr/internal/database"
	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeRunner struct {
	triggered chan struct{}
}

func (f *fakeRunner) RunOnce(_ context.Context) error {
	f.triggered <- struct{}{}
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeRunner, *models.DownloadItemStore, *models.JobRunStore) {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	arrStore, err := models.NewArrInstanceStore(db, testKey)
	require.NoError(t, err)
	clientStore, err := models.NewClientInstanceStore(db, testKey)
	require.NoError(t, err)

	itemStore := models.NewDownloadItemStore(db)
	runStore := models.NewJobRunStore(db)

	runner := &fakeRunner{triggered: make(chan struct{}, 1)}

	server := NewServer(&Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{BaseURL: "/"},
		},
		Version:     "test",
		ArrStore:    arrStore,
		ClientStore: clientStore,
		RuleStore:   models.NewRuleStore(db),
		ItemStore:   itemStore,
		RunStore:    runStore,
		JobRunners:  map[string]handlers.JobRunner{"queue-clean": runner},
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return ts, runner, itemStore, runStore
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestStallRuleLifecycle(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	payload := `{"name":"default","enabled":true,"maxStrikes":3,"privacy":"both","minCompletion":0,"maxCompletion":100}`
	resp, err := http.Post(ts.URL+"/api/rules/stall/", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.StallRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "default", created.Name)
	assert.NotZero(t, created.ID)

	listResp, err := http.Get(ts.URL + "/api/rules/stall/")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var rules []models.StallRule
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&rules))
	require.Len(t, rules, 1)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/rules/stall/%d", ts.URL, created.ID), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestInvalidRuleRejected(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	payload := `{"name":"broken","enabled":true,"maxStrikes":0,"privacy":"both","minCompletion":50,"maxCompletion":20}`
	resp, err := http.Post(ts.URL+"/api/rules/stall/", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateArrInstanceNeverReturnsSecret(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	payload := `{"name":"sonarr-main","kind":"sonarr","host":"http://localhost:8989","apiKey":"super-secret"}`
	resp, err := http.Post(ts.URL+"/api/instances/arr/", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "super-secret")

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "sonarr-main", raw["name"])
	// The key is reduced to a presence marker.
	assert.Equal(t, "********", raw["apiKey"])
}

func TestDownloadStrikesEndpoint(t *testing.T) {
	ts, _, itemStore, runStore := newTestServer(t)
	ctx := context.Background()

	run, err := runStore.Start(ctx, models.JobTypeQueueClean)
	require.NoError(t, err)
	_, err = itemStore.RecordStrike(ctx, run.ID, "abc123", "Some.Show.S01E01", models.StrikeTypeStalled, nil, 3)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/downloads/abc123/strikes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Download models.DownloadItem `json:"download"`
		Strikes  []models.Strike     `json:"strikes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ABC123", body.Download.Hash)
	assert.Len(t, body.Strikes, 1)

	missing, err := http.Get(ts.URL + "/api/downloads/ffffff/strikes")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestPurgeStrikesEndpoint(t *testing.T) {
	ts, _, itemStore, runStore := newTestServer(t)
	ctx := context.Background()

	run, err := runStore.Start(ctx, models.JobTypeQueueClean)
	require.NoError(t, err)
	_, err = itemStore.RecordStrike(ctx, run.ID, "abc123", "Some.Show.S01E01", models.StrikeTypeStalled, nil, 3)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/maintenance/purge-strikes", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	items, err := itemStore.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTriggerJob(t *testing.T) {
	ts, runner, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/jobs/queue-clean/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The trigger runs on a goroutine; wait for it.
	<-runner.triggered

	unknown, err := http.Post(ts.URL+"/api/jobs/defrag/run", "application/json", nil)
	require.NoError(t, err)
	defer unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)
}
