// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queueclean

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

func mustFilter(t *testing.T, patterns ...*models.Pattern) *ContentFilter {
	t.Helper()
	f, err := NewContentFilter(patterns)
	require.NoError(t, err)
	return f
}

func TestContentFilter_LiteralAndRegex(t *testing.T) {
	filter := mustFilter(t,
		&models.Pattern{Pattern: ".exe"},
		&models.Pattern{Pattern: `password.*\.txt`, IsRegex: true},
	)

	tests := []struct {
		name    string
		blocked bool
	}{
		{"Setup.EXE", true},
		{"movie.mkv", false},
		{"PASSWORD-readme.txt", true},
		{"sample/readme.txt", false},
	}

	for _, tt := range tests {
		_, blocked := filter.matchFile(tt.name)
		assert.Equal(t, tt.blocked, blocked, tt.name)
	}
}

func TestContentFilter_InvalidRegexRejected(t *testing.T) {
	_, err := NewContentFilter([]*models.Pattern{{Pattern: "([", IsRegex: true}})
	assert.Error(t, err)
}

func TestContentFilter_AllFilesBlocked(t *testing.T) {
	filter := mustFilter(t, &models.Pattern{Pattern: ".lnk"})

	// Every wanted file matches.
	decision := filter.Evaluate([]domain.TorrentFile{
		{Index: 0, Name: "a.lnk", Priority: 1},
		{Index: 1, Name: "b.lnk", Priority: 1},
	})
	assert.True(t, decision.AllFilesBlocked)
	assert.Equal(t, []int{0, 1}, decision.ToSkip)

	// One unmatched, non-skipped file keeps the torrent alive.
	decision = filter.Evaluate([]domain.TorrentFile{
		{Index: 0, Name: "a.lnk", Priority: 1},
		{Index: 1, Name: "episode.mkv", Priority: 1},
	})
	assert.False(t, decision.AllFilesBlocked)
	assert.Equal(t, []int{0}, decision.ToSkip)
}

func TestContentFilter_AlreadySkippedFilesExcluded(t *testing.T) {
	filter := mustFilter(t, &models.Pattern{Pattern: ".lnk"})

	// The clean file is already skipped at the client, so the only wanted
	// file is blocked.
	decision := filter.Evaluate([]domain.TorrentFile{
		{Index: 0, Name: "a.lnk", Priority: 1},
		{Index: 1, Name: "episode.mkv", Priority: domain.PrioritySkip},
	})
	assert.True(t, decision.AllFilesBlocked)
	assert.Equal(t, []int{0}, decision.ToSkip)

	// Everything already skipped: nothing wanted, nothing to block.
	decision = filter.Evaluate([]domain.TorrentFile{
		{Index: 0, Name: "a.lnk", Priority: domain.PrioritySkip},
	})
	assert.False(t, decision.AllFilesBlocked)
	assert.Empty(t, decision.ToSkip)
}

func TestContentFilter_Empty(t *testing.T) {
	filter := mustFilter(t)
	assert.True(t, filter.Empty())

	decision := filter.Evaluate([]domain.TorrentFile{{Index: 0, Name: "a.mkv", Priority: 1}})
	assert.False(t, decision.AllFilesBlocked)
	assert.Empty(t, decision.ToSkip)
}
