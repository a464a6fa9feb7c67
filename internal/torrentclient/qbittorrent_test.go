// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"

	"github.com/autobrr/sweeparr/internal/domain"
)

func TestMapState(t *testing.T) {
	tests := []struct {
		state qbt.TorrentState
		want  domain.TorrentState
	}{
		{qbt.TorrentStateDownloading, domain.StateDownloading},
		{qbt.TorrentStateForcedDl, domain.StateDownloading},
		{qbt.TorrentStateStalledDl, domain.StateStalled},
		{qbt.TorrentStateMetaDl, domain.StateStalled},
		{qbt.TorrentStateQueuedDl, domain.StateQueued},
		{qbt.TorrentStatePausedDl, domain.StatePaused},
		{qbt.TorrentStateStoppedUp, domain.StatePaused},
		{qbt.TorrentStateUploading, domain.StateSeeding},
		{qbt.TorrentStateStalledUp, domain.StateSeeding},
		{qbt.TorrentStateCheckingDl, domain.StateChecking},
		{qbt.TorrentStateMoving, domain.StateChecking},
		{qbt.TorrentStateError, domain.StateError},
		{qbt.TorrentStateMissingFiles, domain.StateError},
		{qbt.TorrentStateUnknown, domain.StateUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, mapState(tt.state))
		})
	}
}

func TestToDomainTorrent(t *testing.T) {
	got := toDomainTorrent(qbt.Torrent{
		Hash:        "abcdef1234567890",
		Name:        "Some.Show.S01E01.1080p",
		Category:    "tv-sonarr",
		Tags:        "keep, cross-seed",
		Private:     true,
		State:       qbt.TorrentStateStalledDl,
		Size:        1000,
		Downloaded:  250,
		DlSpeed:     0,
		Ratio:       0.1,
		SavePath:    "/downloads",
		ContentPath: "/downloads/Some.Show.S01E01.1080p",
	})

	assert.Equal(t, "ABCDEF1234567890", got.Hash)
	assert.Equal(t, []string{"keep", "cross-seed"}, got.Tags)
	assert.True(t, got.Private)
	assert.Equal(t, domain.StateStalled, got.State)
	assert.InDelta(t, 25.0, got.CompletionPercent(), 0.001)
}

func TestSplitTags(t *testing.T) {
	assert.Nil(t, splitTags(""))
	assert.Nil(t, splitTags("  "))
	assert.Equal(t, []string{"a", "b"}, splitTags("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitTags(" a , b , "))
}
