// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/sweeparr/internal/domain"
)

// QbitClient adapts one qBittorrent connection to the canonical torrent view.
type QbitClient struct {
	*qbt.Client
	instanceID int
}

// NewQbitClient connects and authenticates against a qBittorrent instance.
func NewQbitClient(ctx context.Context, instanceID int, host, username, password string, basicUsername, basicPassword *string, tlsSkipVerify bool, timeout time.Duration) (*QbitClient, error) {
	cfg := qbt.Config{
		Host:          host,
		Username:      username,
		Password:      password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: tlsSkipVerify,
	}

	if basicUsername != nil && *basicUsername != "" {
		cfg.BasicUser = *basicUsername
		if basicPassword != nil {
			cfg.BasicPass = *basicPassword
		}
	}

	qbtClient := qbt.NewClient(cfg)

	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := qbtClient.LoginCtx(loginCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	return &QbitClient{Client: qbtClient, instanceID: instanceID}, nil
}

func (c *QbitClient) InstanceID() int {
	return c.instanceID
}

// HealthCheck verifies the session is still usable.
func (c *QbitClient) HealthCheck(ctx context.Context) error {
	if _, err := c.GetWebAPIVersionCtx(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// ListTorrents fetches torrents and maps them to the canonical view.
func (c *QbitClient) ListTorrents(ctx context.Context, hashes []string) ([]domain.Torrent, error) {
	opts := qbt.TorrentFilterOptions{}
	if len(hashes) > 0 {
		opts.Hashes = hashes
	}

	torrents, err := c.GetTorrentsCtx(ctx, opts)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Torrent, 0, len(torrents))
	for _, t := range torrents {
		result = append(result, toDomainTorrent(t))
	}
	return result, nil
}

// GetFiles fetches the file list of one torrent.
func (c *QbitClient) GetFiles(ctx context.Context, hash string) ([]domain.TorrentFile, error) {
	files, err := c.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		return nil, err
	}
	if files == nil {
		return nil, nil
	}

	result := make([]domain.TorrentFile, 0, len(*files))
	for _, f := range *files {
		result = append(result, domain.TorrentFile{
			Index:    f.Index,
			Name:     f.Name,
			Size:     f.Size,
			Priority: f.Priority,
			Progress: float64(f.Progress),
		})
	}
	return result, nil
}

// DeleteTorrents removes torrents, optionally with their data.
func (c *QbitClient) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	return c.DeleteTorrentsCtx(ctx, hashes, deleteFiles)
}

// SetCategory moves torrents to a category.
func (c *QbitClient) SetCategory(ctx context.Context, hashes []string, category string) error {
	return c.SetCategoryCtx(ctx, hashes, category)
}

// SkipFiles marks file indexes as do-not-download. qBittorrent takes the
// indexes as a pipe-separated id string.
func (c *QbitClient) SkipFiles(ctx context.Context, hash string, fileIndexes []int) error {
	if len(fileIndexes) == 0 {
		return nil
	}

	ids := make([]string, 0, len(fileIndexes))
	for _, idx := range fileIndexes {
		ids = append(ids, strconv.Itoa(idx))
	}

	return c.SetFilePriorityCtx(ctx, hash, strings.Join(ids, "|"), domain.PrioritySkip)
}

func toDomainTorrent(t qbt.Torrent) domain.Torrent {
	return domain.Torrent{
		Hash:        domain.NormalizeHash(t.Hash),
		Name:        t.Name,
		Category:    t.Category,
		Tags:        splitTags(t.Tags),
		Private:     t.Private,
		State:       mapState(t.State),
		Size:        t.Size,
		Downloaded:  t.Downloaded,
		DlSpeed:     t.DlSpeed,
		Ratio:       t.Ratio,
		ETASeconds:  t.ETA,
		SeedingTime: t.SeedingTime,
		SavePath:    t.SavePath,
		ContentPath: t.ContentPath,
	}
}

// mapState collapses qBittorrent's state zoo into the canonical states the
// rules evaluate against.
func mapState(state qbt.TorrentState) domain.TorrentState {
	switch state {
	case qbt.TorrentStateDownloading, qbt.TorrentStateForcedDl:
		return domain.StateDownloading
	case qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl:
		return domain.StateStalled
	case qbt.TorrentStateQueuedDl, qbt.TorrentStateQueuedUp:
		return domain.StateQueued
	case qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedDl,
		qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedUp:
		return domain.StatePaused
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateForcedUp:
		return domain.StateSeeding
	case qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp,
		qbt.TorrentStateCheckingResumeData, qbt.TorrentStateAllocating,
		qbt.TorrentStateMoving:
		return domain.StateChecking
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
		return domain.StateError
	default:
		return domain.StateUnknown
	}
}

func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}

	parts := strings.Split(tags, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
