// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package seedclean

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/sweeparr/internal/database"
	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
	"github.com/autobrr/sweeparr/internal/services/notifications"
	"github.com/autobrr/sweeparr/internal/torrentclient"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type deletion struct {
	hashes      []string
	deleteFiles bool
}

type fakeTorrentClient struct {
	mu      sync.Mutex
	deleted []deletion
	moved   map[string]string
}

func newFakeTorrentClient() *fakeTorrentClient {
	return &fakeTorrentClient{moved: make(map[string]string)}
}

func (f *fakeTorrentClient) ListTorrents(_ context.Context, _ []string) ([]domain.Torrent, error) {
	return nil, nil
}

func (f *fakeTorrentClient) GetFiles(_ context.Context, _ string) ([]domain.TorrentFile, error) {
	return nil, nil
}

func (f *fakeTorrentClient) DeleteTorrents(_ context.Context, hashes []string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, deletion{hashes: hashes, deleteFiles: deleteFiles})
	return nil
}

func (f *fakeTorrentClient) SetCategory(_ context.Context, hashes []string, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		f.moved[domain.NormalizeHash(h)] = category
	}
	return nil
}

func (f *fakeTorrentClient) SkipFiles(_ context.Context, _ string, _ []int) error { return nil }

func (f *fakeTorrentClient) HealthCheck(_ context.Context) error { return nil }

type fakeSource struct {
	torrents map[int][]domain.Torrent
	client   *fakeTorrentClient
}

func (f *fakeSource) Torrents(_ context.Context, instanceID int) ([]domain.Torrent, error) {
	return f.torrents[instanceID], nil
}

func (f *fakeSource) Client(_ context.Context, _ int) (torrentclient.Client, error) {
	return f.client, nil
}

func (f *fakeSource) Invalidate(_ int) {}

// fakeChecker answers hardlink queries from a fixed path table.
type fakeChecker struct {
	linked map[string]bool
}

func (c *fakeChecker) HasLinkedFiles(path string) (bool, error) {
	linked, ok := c.linked[path]
	if !ok {
		return false, fmt.Errorf("stat %s: no such file or directory", path)
	}
	return linked, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *captureNotifier) Notify(_ context.Context, event notifications.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) byType(eventType notifications.EventType) []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var result []notifications.Event
	for _, e := range n.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

type testEnv struct {
	svc     *Service
	client  *fakeTorrentClient
	source  *fakeSource
	checker *fakeChecker
	rules   *models.RuleStore
	runs    *models.JobRunStore
	events  *captureNotifier
}

func setupEnv(t *testing.T, cfg domain.SeedCleanConfig) *testEnv {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clientStore, err := models.NewClientInstanceStore(db, testKey)
	require.NoError(t, err)

	ctx := context.Background()
	clientInstance, err := clientStore.Create(ctx, "qbit-main", "qbittorrent", "http://localhost:8080", "admin", "pass", false)
	require.NoError(t, err)

	ruleStore := models.NewRuleStore(db)
	runStore := models.NewJobRunStore(db)

	fakeClient := newFakeTorrentClient()
	source := &fakeSource{torrents: map[int][]domain.Torrent{clientInstance.ID: nil}, client: fakeClient}
	checker := &fakeChecker{linked: make(map[string]bool)}
	events := &captureNotifier{}

	svc := NewService(cfg, clientStore, ruleStore, runStore, source, checker, events, nil)

	return &testEnv{
		svc:     svc,
		client:  fakeClient,
		source:  source,
		checker: checker,
		rules:   ruleStore,
		runs:    runStore,
		events:  events,
	}
}

func (e *testEnv) setTorrents(torrents ...domain.Torrent) {
	for id := range e.source.torrents {
		e.source.torrents[id] = torrents
	}
}

func (e *testEnv) addCategoryRule(t *testing.T, rule models.CategoryRule) {
	t.Helper()
	rule.Enabled = true
	_, err := e.rules.CreateCategoryRule(context.Background(), &rule)
	require.NoError(t, err)
}

func TestService_RemovesByRatioRule(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{Enabled: true})
	ctx := context.Background()

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "movies",
		MaxRatio:           2.0,
		MinSeedTimeSeconds: 24 * 3600,
		MaxSeedTimeSeconds: -1,
		DeleteSourceFiles:  true,
	})

	torrent := seededTorrent(2.5, 30)
	env.setTorrents(torrent)

	require.NoError(t, env.svc.RunOnce(ctx))

	require.Len(t, env.client.deleted, 1)
	assert.Equal(t, []string{torrent.Hash}, env.client.deleted[0].hashes)
	assert.True(t, env.client.deleted[0].deleteFiles)

	runs, err := env.runs.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Status)
	assert.Equal(t, models.JobRunCompleted, *runs[0].Status)

	summaries := env.events.byType(notifications.EventSeedCleanCompleted)
	require.Len(t, summaries, 1)
	data, ok := summaries[0].Data.(notifications.SeedCleanEventData)
	require.True(t, ok)
	assert.Equal(t, 1, data.Removed)
	assert.Equal(t, 0, data.Quarantined)

	assert.Len(t, env.events.byType(notifications.EventDownloadRemoved), 1)
}

func TestService_KeepsSourceFilesWhenFlagOff(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{Enabled: true})

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "movies",
		MaxRatio:           -1,
		MinSeedTimeSeconds: 0,
		MaxSeedTimeSeconds: 72 * 3600,
		DeleteSourceFiles:  false,
	})

	env.setTorrents(seededTorrent(0.8, 100))

	require.NoError(t, env.svc.RunOnce(context.Background()))

	require.Len(t, env.client.deleted, 1)
	assert.False(t, env.client.deleted[0].deleteFiles)
}

func TestService_DryRunSkipsMutations(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{Enabled: true, DryRun: true})

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "movies",
		MaxRatio:           2.0,
		MinSeedTimeSeconds: 0,
		MaxSeedTimeSeconds: -1,
		DeleteSourceFiles:  true,
	})

	env.setTorrents(seededTorrent(2.5, 30))

	require.NoError(t, env.svc.RunOnce(context.Background()))

	// The decision is computed and reported but no client call happens.
	assert.Empty(t, env.client.deleted)

	summaries := env.events.byType(notifications.EventSeedCleanCompleted)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].DryRun)
	data, ok := summaries[0].Data.(notifications.SeedCleanEventData)
	require.True(t, ok)
	assert.Equal(t, 1, data.Removed)
}

func TestService_QuarantinesUnlinkedInsteadOfDeleting(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{
		Enabled:          true,
		UnlinkedEnabled:  true,
		UnlinkedCategory: "unlinked",
	})

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "movies",
		MaxRatio:           2.0,
		MinSeedTimeSeconds: 0,
		MaxSeedTimeSeconds: -1,
		DeleteSourceFiles:  true,
	})

	torrent := seededTorrent(2.5, 30)
	torrent.ContentPath = "/downloads/Some.Movie.2024.1080p"
	env.setTorrents(torrent)
	env.checker.linked[torrent.ContentPath] = false

	require.NoError(t, env.svc.RunOnce(context.Background()))

	// The payload is the only on-disk copy, so it gets parked, not deleted,
	// even though the ratio rule fires.
	assert.Empty(t, env.client.deleted)
	assert.Equal(t, "unlinked", env.client.moved[torrent.Hash])

	summaries := env.events.byType(notifications.EventSeedCleanCompleted)
	require.Len(t, summaries, 1)
	data, ok := summaries[0].Data.(notifications.SeedCleanEventData)
	require.True(t, ok)
	assert.Equal(t, 0, data.Removed)
	assert.Equal(t, 1, data.Quarantined)
}

func TestService_LinkedTorrentFallsThroughToRules(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{
		Enabled:          true,
		UnlinkedEnabled:  true,
		UnlinkedCategory: "unlinked",
	})

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "movies",
		MaxRatio:           2.0,
		MinSeedTimeSeconds: 0,
		MaxSeedTimeSeconds: -1,
	})

	torrent := seededTorrent(2.5, 30)
	torrent.ContentPath = "/downloads/Some.Movie.2024.1080p"
	env.setTorrents(torrent)
	env.checker.linked[torrent.ContentPath] = true

	require.NoError(t, env.svc.RunOnce(context.Background()))

	require.Len(t, env.client.deleted, 1)
	assert.Empty(t, env.client.moved)
}

func TestService_QuarantineCategoryNotRechecked(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{
		Enabled:          true,
		UnlinkedEnabled:  true,
		UnlinkedCategory: "unlinked",
	})

	torrent := seededTorrent(0.1, 1)
	torrent.Category = "unlinked"
	torrent.ContentPath = "/downloads/Some.Movie.2024.1080p"
	env.setTorrents(torrent)

	require.NoError(t, env.svc.RunOnce(context.Background()))

	// No checker entry exists for the path, so touching it would error; the
	// already-quarantined torrent never reaches the check.
	assert.Empty(t, env.client.deleted)
	assert.Empty(t, env.client.moved)
}

func TestService_HardlinkCheckFailureLeavesTorrentAlone(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{
		Enabled:          true,
		UnlinkedEnabled:  true,
		UnlinkedCategory: "unlinked",
	})

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "movies",
		MaxRatio:           2.0,
		MinSeedTimeSeconds: 0,
		MaxSeedTimeSeconds: -1,
	})

	torrent := seededTorrent(2.5, 30)
	torrent.ContentPath = "/downloads/missing"
	env.setTorrents(torrent)

	require.NoError(t, env.svc.RunOnce(context.Background()))

	assert.Empty(t, env.client.deleted)
	assert.Empty(t, env.client.moved)

	runs, err := env.runs.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Status)
	assert.Equal(t, models.JobRunCompleted, *runs[0].Status)
}

func TestService_UnmatchedCategorySkipped(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{Enabled: true})

	env.addCategoryRule(t, models.CategoryRule{
		Category:           "tv",
		MaxRatio:           0.1,
		MinSeedTimeSeconds: 0,
		MaxSeedTimeSeconds: -1,
	})

	env.setTorrents(seededTorrent(5.0, 100))

	require.NoError(t, env.svc.RunOnce(context.Background()))

	assert.Empty(t, env.client.deleted)
}

func TestService_RootDirOverrideRemapsContentPath(t *testing.T) {
	env := setupEnv(t, domain.SeedCleanConfig{
		Enabled:          true,
		UnlinkedEnabled:  true,
		UnlinkedCategory: "unlinked",
		UnlinkedRootDir:  "/mnt/downloads",
	})

	torrent := seededTorrent(0.1, 1)
	torrent.ContentPath = "/data/torrents/Some.Movie.2024.1080p"
	env.setTorrents(torrent)
	env.checker.linked["/mnt/downloads/Some.Movie.2024.1080p"] = false

	require.NoError(t, env.svc.RunOnce(context.Background()))

	assert.Equal(t, "unlinked", env.client.moved[torrent.Hash])
}
