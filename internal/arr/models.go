// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arr talks to Sonarr and Radarr v3 APIs: reading the download queue,
// removing queue items, and triggering replacement searches.
package arr

// QueueRecord is one row of the *arr download queue. DownloadID carries the
// torrent infohash for torrent-protocol downloads and is the join key against
// the download client.
type QueueRecord struct {
	ID                    int64           `json:"id"`
	Title                 string          `json:"title"`
	Status                string          `json:"status"`
	TrackedDownloadStatus string          `json:"trackedDownloadStatus"`
	TrackedDownloadState  string          `json:"trackedDownloadState"`
	StatusMessages        []StatusMessage `json:"statusMessages"`
	ErrorMessage          string          `json:"errorMessage"`
	DownloadID            string          `json:"downloadId"`
	Protocol              string          `json:"protocol"`
	DownloadClient        string          `json:"downloadClient"`
	Size                  float64         `json:"size"`
	SizeLeft              float64         `json:"sizeleft"`

	// Sonarr populates SeriesID/EpisodeID, Radarr populates MovieID.
	SeriesID  int64 `json:"seriesId,omitempty"`
	EpisodeID int64 `json:"episodeId,omitempty"`
	MovieID   int64 `json:"movieId,omitempty"`
}

// StatusMessage groups import warnings for one file of a queue item.
type StatusMessage struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages"`
}

// QueuePage is the paged queue response envelope.
type QueuePage struct {
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
	TotalRecords int           `json:"totalRecords"`
	Records      []QueueRecord `json:"records"`
}

// ProtocolTorrent filters queue records to the download protocol this engine
// manages.
const ProtocolTorrent = "torrent"

// IsTorrent reports whether the record came from a torrent download client.
func (r QueueRecord) IsTorrent() bool {
	return r.Protocol == ProtocolTorrent
}
