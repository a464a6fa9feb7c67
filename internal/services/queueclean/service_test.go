// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queueclean

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/sweeparr/internal/arr"
	"github.com/autobrr/sweeparr/internal/database"
	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
	"github.com/autobrr/sweeparr/internal/services/notifications"
	"github.com/autobrr/sweeparr/internal/torrentclient"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeArrAPI struct {
	mu       sync.Mutex
	queue    []arr.QueueRecord
	removed  []int64
	searches []arr.SearchCommand
}

func (f *fakeArrAPI) GetQueue(_ context.Context) ([]arr.QueueRecord, error) {
	return f.queue, nil
}

func (f *fakeArrAPI) RemoveQueueItem(_ context.Context, id int64, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeArrAPI) TriggerSearch(_ context.Context, cmd arr.SearchCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, cmd)
	return nil
}

type fakeTorrentClient struct {
	mu      sync.Mutex
	files   map[string][]domain.TorrentFile
	deleted [][]string
	skipped map[string][]int
	moved   map[string]string
}

func newFakeTorrentClient() *fakeTorrentClient {
	return &fakeTorrentClient{
		files:   make(map[string][]domain.TorrentFile),
		skipped: make(map[string][]int),
		moved:   make(map[string]string),
	}
}

func (f *fakeTorrentClient) ListTorrents(_ context.Context, _ []string) ([]domain.Torrent, error) {
	return nil, nil
}

func (f *fakeTorrentClient) GetFiles(_ context.Context, hash string) ([]domain.TorrentFile, error) {
	return f.files[domain.NormalizeHash(hash)], nil
}

func (f *fakeTorrentClient) DeleteTorrents(_ context.Context, hashes []string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, hashes)
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

func (f *fakeTorrentClient) SkipFiles(_ context.Context, hash string, fileIndexes []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash = domain.NormalizeHash(hash)
	f.skipped[hash] = append(f.skipped[hash], fileIndexes...)
	return nil
}

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

type testEnv struct {
	svc     *Service
	arrAPI  *fakeArrAPI
	client  *fakeTorrentClient
	source  *fakeSource
	rules   *models.RuleStore
	items   *models.DownloadItemStore
	runs    *models.JobRunStore
	tracker *StrikeTracker
	events  *captureNotifier
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

func setupEnv(t *testing.T, cfg domain.QueueCleanConfig) *testEnv {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	arrStore, err := models.NewArrInstanceStore(db, testKey)
	require.NoError(t, err)
	clientStore, err := models.NewClientInstanceStore(db, testKey)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = arrStore.Create(ctx, "sonarr-main", models.ArrKindSonarr, "http://localhost:8989", "key")
	require.NoError(t, err)
	clientInstance, err := clientStore.Create(ctx, "qbit-main", "qbittorrent", "http://localhost:8080", "admin", "pass", false)
	require.NoError(t, err)

	ruleStore := models.NewRuleStore(db)
	itemStore := models.NewDownloadItemStore(db)
	runStore := models.NewJobRunStore(db)
	tracker := NewStrikeTracker(itemStore)

	fakeClient := newFakeTorrentClient()
	source := &fakeSource{torrents: map[int][]domain.Torrent{clientInstance.ID: nil}, client: fakeClient}
	arrFake := &fakeArrAPI{}
	events := &captureNotifier{}

	svc := NewService(cfg, arrStore, clientStore, ruleStore, runStore, tracker, source, events, nil)
	svc.arrClientFor = func(_ *models.ArrInstance, _ string) arrAPI { return arrFake }

	return &testEnv{
		svc:     svc,
		arrAPI:  arrFake,
		client:  fakeClient,
		source:  source,
		rules:   ruleStore,
		items:   itemStore,
		runs:    runStore,
		tracker: tracker,
		events:  events,
	}
}

func (e *testEnv) setTorrents(torrents ...domain.Torrent) {
	for id := range e.source.torrents {
		e.source.torrents[id] = torrents
	}
}

func stalledTorrent(hash string, pct float64) domain.Torrent {
	return domain.Torrent{
		Hash:       domain.NormalizeHash(hash),
		Name:       "torrent-" + hash,
		State:      domain.StateStalled,
		Size:       1000,
		Downloaded: int64(pct * 10),
	}
}

func TestService_StallCondemnationScenario(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 3, Privacy: domain.PrivacyPublic,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.S01E01", Protocol: "torrent", EpisodeID: 5},
	}
	env.setTorrents(stalledTorrent("aaa111", 40))

	// Stalled at 40% for three consecutive passes condemns on the third.
	for pass := 1; pass <= 3; pass++ {
		require.NoError(t, env.svc.RunOnce(ctx))
		if pass < 3 {
			assert.Empty(t, env.arrAPI.removed, "pass %d", pass)
		}
	}

	require.Equal(t, []int64{11}, env.arrAPI.removed)

	removedEvents := env.events.byType(notifications.EventDownloadRemoved)
	require.Len(t, removedEvents, 1)
	assert.False(t, removedEvents[0].DryRun)

	// The item is flagged removed with its strike history cleared.
	item, err := env.items.GetByHash(ctx, "aaa111")
	require.NoError(t, err)
	assert.True(t, item.IsRemoved)
}

func TestService_ResetOnProgress(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 5, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100, ResetOnProgress: true,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.S01E01", Protocol: "torrent"},
	}

	// Two stalled passes accumulate two strikes.
	env.setTorrents(stalledTorrent("aaa111", 40))
	require.NoError(t, env.svc.RunOnce(ctx))
	require.NoError(t, env.svc.RunOnce(ctx))

	count, err := env.items.StrikeCount(ctx, "aaa111", models.StrikeTypeStalled)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Progress on the next pass clears the live count to zero.
	env.setTorrents(stalledTorrent("aaa111", 55))
	require.NoError(t, env.svc.RunOnce(ctx))

	count, err = env.items.StrikeCount(ctx, "aaa111", models.StrikeTypeStalled)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, env.arrAPI.removed)
}

func TestService_DryRunPersistsStrikesWithoutMutations(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true, DryRun: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 1, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.S01E01", Protocol: "torrent"},
	}
	env.setTorrents(stalledTorrent("aaa111", 40))

	require.NoError(t, env.svc.RunOnce(ctx))

	// Condemned on the first pass, but no adapter mutation was issued.
	assert.Empty(t, env.arrAPI.removed)
	assert.Empty(t, env.client.deleted)

	// The strike is persisted and the event carries the dry-run marker.
	removedEvents := env.events.byType(notifications.EventDownloadRemoved)
	require.Len(t, removedEvents, 1)
	assert.True(t, removedEvents[0].DryRun)
}

func TestService_ContentBlockingRemovesFullyBlocked(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{
		Enabled:                  true,
		BlockedPatternsEnabled:   true,
		RemoveBlockedImmediately: true,
	})
	ctx := context.Background()

	_, err := env.rules.AddPattern(ctx, models.PatternKindBlock, ".lnk", false)
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 21, DownloadID: "bbb222", Title: "Malware.Pack", Protocol: "torrent"},
	}
	env.setTorrents(domain.Torrent{
		Hash: "BBB222", Name: "Malware.Pack", State: domain.StateDownloading, Size: 1000, Downloaded: 10,
	})
	env.client.files["BBB222"] = []domain.TorrentFile{
		{Index: 0, Name: "installer.lnk", Priority: 1},
		{Index: 1, Name: "readme.lnk", Priority: 1},
	}

	require.NoError(t, env.svc.RunOnce(ctx))

	assert.Equal(t, []int64{21}, env.arrAPI.removed)
	assert.Equal(t, []int{0, 1}, env.client.skipped["BBB222"])
}

func TestService_ContentBlockingSkipsPartialMatches(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true, BlockedPatternsEnabled: true})
	ctx := context.Background()

	_, err := env.rules.AddPattern(ctx, models.PatternKindBlock, ".lnk", false)
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 21, DownloadID: "bbb222", Title: "Show.S01E02", Protocol: "torrent"},
	}
	env.setTorrents(domain.Torrent{
		Hash: "BBB222", Name: "Show.S01E02", State: domain.StateDownloading, Size: 1000, Downloaded: 10, DlSpeed: 5000,
	})
	env.client.files["BBB222"] = []domain.TorrentFile{
		{Index: 0, Name: "shortcut.lnk", Priority: 1},
		{Index: 1, Name: "episode.mkv", Priority: 1},
	}

	require.NoError(t, env.svc.RunOnce(ctx))

	// The blocked file is skipped but the download survives.
	assert.Equal(t, []int{0}, env.client.skipped["BBB222"])
	assert.Empty(t, env.arrAPI.removed)
}

func TestService_PrivateTorrentNotDeletedFromClient(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "private", Enabled: true, MaxStrikes: 1, Privacy: domain.PrivacyPrivate,
		MinCompletion: 0, MaxCompletion: 100, DeletePrivate: false,
	})
	require.NoError(t, err)

	torrent := stalledTorrent("ccc333", 40)
	torrent.Private = true

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 31, DownloadID: "ccc333", Title: "Private.Release", Protocol: "torrent"},
	}
	env.setTorrents(torrent)

	require.NoError(t, env.svc.RunOnce(ctx))

	// Removed from the queue but the client payload stays.
	require.Equal(t, []int64{31}, env.arrAPI.removed)
}

func TestService_SearchAfterRemoval(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true, SearchAfterRemoval: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 1, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.S01E01", Protocol: "torrent", EpisodeID: 42},
	}
	env.setTorrents(stalledTorrent("aaa111", 40))

	require.NoError(t, env.svc.RunOnce(ctx))

	require.Len(t, env.arrAPI.searches, 1)
	assert.Equal(t, "EpisodeSearch", env.arrAPI.searches[0].Name)
	assert.Equal(t, []int64{42}, env.arrAPI.searches[0].EpisodeIDs)
}

func TestService_UnmatchedAndNonTorrentRecordsSkipped(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 1, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 1, DownloadID: "nzb123", Title: "Usenet.Item", Protocol: "usenet"},
		{ID: 2, DownloadID: "deadbeef", Title: "Gone.Torrent", Protocol: "torrent"},
	}
	env.setTorrents() // no torrents in the client at all

	require.NoError(t, env.svc.RunOnce(ctx))
	assert.Empty(t, env.arrAPI.removed)

	// The run completed regardless.
	runs, err := env.runs.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Status)
	assert.Equal(t, models.JobRunCompleted, *runs[0].Status)
}

func TestService_IgnorePatternExemptsItem(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 1, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)
	_, err = env.rules.AddPattern(ctx, models.PatternKindIgnore, "keep-forever", false)
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.keep-forever.S01E01", Protocol: "torrent"},
	}
	env.setTorrents(stalledTorrent("aaa111", 40))

	require.NoError(t, env.svc.RunOnce(ctx))

	assert.Empty(t, env.arrAPI.removed)
	count, err := env.items.StrikeCount(ctx, "aaa111", models.StrikeTypeStalled)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestService_StoreFailureFailsRun(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 3, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.S01E01", Protocol: "torrent"},
	}
	env.setTorrents(stalledTorrent("aaa111", 40))

	// Swap in a tracker whose store is gone: every strike write errors. That
	// is a persistence failure, not a per-item hiccup, so the pass must abort
	// and the run must end failed rather than silently completing.
	deadDB, err := database.NewInMemory()
	require.NoError(t, err)
	require.NoError(t, deadDB.Close())
	env.svc.tracker = NewStrikeTracker(models.NewDownloadItemStore(deadDB))

	require.Error(t, env.svc.RunOnce(ctx))

	runs, err := env.runs.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Status)
	assert.Equal(t, models.JobRunFailed, *runs[0].Status)

	// No external mutation happened for the aborted item.
	assert.Empty(t, env.arrAPI.removed)
}

func TestService_SetConfigAppliesOnNextPass(t *testing.T) {
	env := setupEnv(t, domain.QueueCleanConfig{Enabled: true})
	ctx := context.Background()

	_, err := env.rules.CreateStallRule(ctx, &models.StallRule{
		Name: "all", Enabled: true, MaxStrikes: 1, Privacy: domain.PrivacyBoth,
		MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)

	env.arrAPI.queue = []arr.QueueRecord{
		{ID: 11, DownloadID: "aaa111", Title: "Show.S01E01", Protocol: "torrent"},
	}
	env.setTorrents(stalledTorrent("aaa111", 40))

	// A reload flips dry-run on before the pass runs, so the condemned item
	// is logged instead of removed.
	env.svc.SetConfig(domain.QueueCleanConfig{Enabled: true, DryRun: true})

	require.NoError(t, env.svc.RunOnce(ctx))

	assert.Empty(t, env.arrAPI.removed)
	count, err := env.items.StrikeCount(ctx, "aaa111", models.StrikeTypeStalled)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	removedEvents := env.events.byType(notifications.EventDownloadRemoved)
	require.Len(t, removedEvents, 1)
	assert.True(t, removedEvents[0].DryRun)
}
