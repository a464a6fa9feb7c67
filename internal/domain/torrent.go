// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domain holds the backend-agnostic read models shared by every
// download-client adapter and the cleaning engines.
package domain

import "strings"

// TorrentState is the normalized transfer state across client backends.
type TorrentState string

const (
	StateDownloading TorrentState = "downloading"
	StateStalled     TorrentState = "stalled"
	StateQueued      TorrentState = "queued"
	StatePaused      TorrentState = "paused"
	StateSeeding     TorrentState = "seeding"
	StateChecking    TorrentState = "checking"
	StateError       TorrentState = "error"
	StateUnknown     TorrentState = "unknown"
)

// Torrent is a stateless snapshot of one transfer, built fresh from adapter
// data on every poll. Hash is the only cross-run identity key.
type Torrent struct {
	Hash        string
	Name        string
	Category    string
	Tags        []string
	Private     bool
	State       TorrentState
	Size        int64
	Downloaded  int64
	DlSpeed     int64
	Ratio       float64
	ETASeconds  int64
	SeedingTime int64
	SavePath    string
	ContentPath string
}

// TorrentFile is one entry of a torrent's file list.
type TorrentFile struct {
	Index    int
	Name     string
	Size     int64
	Priority int
	Progress float64
}

// PrioritySkip is the client-side priority meaning "do not download".
const PrioritySkip = 0

// Skipped reports whether the file is already excluded at the client.
func (f TorrentFile) Skipped() bool {
	return f.Priority == PrioritySkip
}

// NormalizeHash returns the canonical (upper-case, trimmed) form of a hash.
func NormalizeHash(hash string) string {
	return strings.ToUpper(strings.TrimSpace(hash))
}

// CompletionPercent derives downloaded/size*100 clamped to [0,100].
func (t Torrent) CompletionPercent() float64 {
	if t.Size <= 0 {
		return 0
	}
	pct := float64(t.Downloaded) / float64(t.Size) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// IsComplete reports whether the transfer has all payload bytes.
func (t Torrent) IsComplete() bool {
	return t.Size > 0 && t.Downloaded >= t.Size
}

// IsDownloading reports whether the transfer is actively trying to fetch
// data. Stalled counts: the client wants to download but gets no bytes.
func (t Torrent) IsDownloading() bool {
	switch t.State {
	case StateDownloading, StateStalled:
		return true
	default:
		return false
	}
}

// IsStalled reports whether the client flags the transfer as stalled.
func (t Torrent) IsStalled() bool {
	return t.State == StateStalled
}

// PrivacyType scopes a rule to public torrents, private torrents, or both.
type PrivacyType string

const (
	PrivacyPublic  PrivacyType = "public"
	PrivacyPrivate PrivacyType = "private"
	PrivacyBoth    PrivacyType = "both"
)

// MatchesPrivacy reports whether a rule scope covers this torrent.
func (t Torrent) MatchesPrivacy(scope PrivacyType) bool {
	switch scope {
	case PrivacyBoth:
		return true
	case PrivacyPrivate:
		return t.Private
	case PrivacyPublic:
		return !t.Private
	default:
		return false
	}
}
