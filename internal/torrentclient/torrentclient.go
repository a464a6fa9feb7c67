// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentclient exposes download clients through a canonical torrent
// view, so the cleaning engines never touch backend-specific types.
package torrentclient

import (
	"context"

	"github.com/autobrr/sweeparr/internal/domain"
)

// Reader provides read access to a download client.
type Reader interface {
	// ListTorrents returns all torrents, or only those matching hashes when
	// hashes is non-empty.
	ListTorrents(ctx context.Context, hashes []string) ([]domain.Torrent, error)
	// GetFiles returns the file list of one torrent.
	GetFiles(ctx context.Context, hash string) ([]domain.TorrentFile, error)
}

// Mutator applies cleaning decisions to a download client.
type Mutator interface {
	// DeleteTorrents removes torrents, optionally with their data.
	DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error
	// SetCategory moves torrents to a category.
	SetCategory(ctx context.Context, hashes []string, category string) error
	// SkipFiles marks the given file indexes as do-not-download.
	SkipFiles(ctx context.Context, hash string, fileIndexes []int) error
}

// Client is the full surface the cleaning services need.
type Client interface {
	Reader
	Mutator
	HealthCheck(ctx context.Context) error
}
