// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/sweeparr/internal/dbinterface"
	"github.com/autobrr/sweeparr/internal/domain"
)

var ErrDownloadItemNotFound = errors.New("download item not found")

// StrikeType classifies why a strike was recorded.
type StrikeType string

const (
	StrikeTypeStalled      StrikeType = "stalled"
	StrikeTypeSlow         StrikeType = "slow"
	StrikeTypeFailedImport StrikeType = "failed_import"
)

// DownloadItem is the durable record for one download hash. It is created on
// first strike and deleted once no strikes of any type remain.
type DownloadItem struct {
	ID                 int64     `json:"id"`
	Hash               string    `json:"hash"`
	Title              string    `json:"title"`
	IsMarkedForRemoval bool      `json:"isMarkedForRemoval"`
	IsRemoved          bool      `json:"isRemoved"`
	IsReturning        bool      `json:"isReturning"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Strike is one recorded rule violation. Strikes are append-only; the live
// count for a (item, type) pair is always computed by counting rows.
type Strike struct {
	ID              int64      `json:"id"`
	DownloadItemID  int64      `json:"downloadItemId"`
	JobRunID        int64      `json:"jobRunId"`
	StrikeType      StrikeType `json:"strikeType"`
	DownloadedBytes *int64     `json:"downloadedBytes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// StrikeOutcome reports what RecordStrike did and the resulting live count.
type StrikeOutcome struct {
	ItemID    int64
	Count     int
	Recorded  bool // false when the (item, type, run) strike already existed
	Condemned bool
}

// DownloadItemStore owns download item and strike rows.
type DownloadItemStore struct {
	db dbinterface.TxBeginner
}

func NewDownloadItemStore(db dbinterface.TxBeginner) *DownloadItemStore {
	return &DownloadItemStore{db: db}
}

// GetByHash looks an item up by its normalized hash.
func (s *DownloadItemStore) GetByHash(ctx context.Context, hash string) (*DownloadItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, title, is_marked_for_removal, is_removed, is_returning, created_at
		FROM download_items WHERE hash = ?`, domain.NormalizeHash(hash))
	return scanDownloadItem(row)
}

// List returns all tracked items.
func (s *DownloadItemStore) List(ctx context.Context) ([]*DownloadItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, title, is_marked_for_removal, is_removed, is_returning, created_at
		FROM download_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*DownloadItem
	for rows.Next() {
		item, err := scanDownloadItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// RecordStrike inserts a strike for (hash, type, run) inside one transaction
// and returns the resulting live count. The insert and the count read are
// atomic so two concurrent evaluations cannot both observe n-1 strikes.
// Re-recording within the same job run is a no-op (Recorded=false).
func (s *DownloadItemStore) RecordStrike(ctx context.Context, runID int64, hash, title string, strikeType StrikeType, downloadedBytes *int64, maxStrikes int) (*StrikeOutcome, error) {
	hash = domain.NormalizeHash(hash)
	if hash == "" {
		return nil, errors.New("hash cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	itemID, err := s.upsertItemTx(ctx, tx, hash, title)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO strikes (download_item_id, job_run_id, strike_type, downloaded_bytes)
		VALUES (?, ?, ?, ?)`,
		itemID, runID, string(strikeType), downloadedBytes)
	if err != nil {
		return nil, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM strikes WHERE download_item_id = ? AND strike_type = ?`,
		itemID, string(strikeType),
	).Scan(&count)
	if err != nil {
		return nil, err
	}

	outcome := &StrikeOutcome{
		ItemID:    itemID,
		Count:     count,
		Recorded:  inserted > 0,
		Condemned: maxStrikes > 0 && count >= maxStrikes,
	}

	if outcome.Condemned {
		if _, err := tx.ExecContext(ctx,
			`UPDATE download_items SET is_marked_for_removal = 1 WHERE id = ?`, itemID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return outcome, nil
}

func (s *DownloadItemStore) upsertItemTx(ctx context.Context, tx dbinterface.Querier, hash, title string) (int64, error) {
	var (
		itemID  int64
		removed int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, is_removed FROM download_items WHERE hash = ?`, hash,
	).Scan(&itemID, &removed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO download_items (hash, title) VALUES (?, ?)
			RETURNING id`, hash, title).Scan(&itemID)
		if err != nil {
			return 0, err
		}
		return itemID, nil
	case err != nil:
		return 0, err
	}

	// A previously removed hash showing up again is a requeue, not a new item.
	if removed == 1 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE download_items
			SET is_removed = 0, is_marked_for_removal = 0, is_returning = 1, title = ?
			WHERE id = ?`, title, itemID); err != nil {
			return 0, err
		}
	}
	return itemID, nil
}

// StrikeCount returns the live count for (hash, type); 0 when the item is
// unknown.
func (s *DownloadItemStore) StrikeCount(ctx context.Context, hash string, strikeType StrikeType) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM strikes s
		JOIN download_items d ON d.id = s.download_item_id
		WHERE d.hash = ? AND s.strike_type = ?`,
		domain.NormalizeHash(hash), string(strikeType),
	).Scan(&count)
	return count, err
}

// LastObservedBytes returns the downloaded-bytes value recorded with the most
// recent strike of the given type, or nil when no strike carries one.
func (s *DownloadItemStore) LastObservedBytes(ctx context.Context, hash string, strikeType StrikeType) (*int64, error) {
	var bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT s.downloaded_bytes FROM strikes s
		JOIN download_items d ON d.id = s.download_item_id
		WHERE d.hash = ? AND s.strike_type = ?
		ORDER BY s.id DESC LIMIT 1`,
		domain.NormalizeHash(hash), string(strikeType),
	).Scan(&bytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !bytes.Valid {
		return nil, nil
	}
	return &bytes.Int64, nil
}

// ResetStrikes deletes all strikes of one type for the item and drops the
// item itself once no strikes of any type remain. Returns the number of
// strikes cleared.
func (s *DownloadItemStore) ResetStrikes(ctx context.Context, hash string, strikeType StrikeType) (int64, error) {
	hash = domain.NormalizeHash(hash)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var itemID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM download_items WHERE hash = ?`, hash).Scan(&itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM strikes WHERE download_item_id = ? AND strike_type = ?`,
		itemID, string(strikeType))
	if err != nil {
		return 0, err
	}
	cleared, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := deleteIfOrphanedTx(ctx, tx, itemID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return cleared, nil
}

// MarkRemoved flags the item as removed from the queue and clears its
// strikes; the item row is dropped once orphaned.
func (s *DownloadItemStore) MarkRemoved(ctx context.Context, hash string) error {
	hash = domain.NormalizeHash(hash)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var itemID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM download_items WHERE hash = ?`, hash).Scan(&itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDownloadItemNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE download_items SET is_removed = 1 WHERE id = ?`, itemID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM strikes WHERE download_item_id = ?`, itemID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListStrikes returns the strike ledger for one item, oldest first.
func (s *DownloadItemStore) ListStrikes(ctx context.Context, hash string) ([]*Strike, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.download_item_id, s.job_run_id, s.strike_type, s.downloaded_bytes, s.created_at
		FROM strikes s
		JOIN download_items d ON d.id = s.download_item_id
		WHERE d.hash = ?
		ORDER BY s.id`, domain.NormalizeHash(hash))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Strike
	for rows.Next() {
		var (
			strike     Strike
			strikeType string
			bytes      sql.NullInt64
		)
		if err := rows.Scan(&strike.ID, &strike.DownloadItemID, &strike.JobRunID, &strikeType, &bytes, &strike.CreatedAt); err != nil {
			return nil, err
		}
		strike.StrikeType = StrikeType(strikeType)
		if bytes.Valid {
			strike.DownloadedBytes = &bytes.Int64
		}
		result = append(result, &strike)
	}
	return result, rows.Err()
}

// PurgeAll deletes every strike and every item left without strikes. This is
// the DeleteAllStrikesAndOrphanedItems maintenance entry point.
func (s *DownloadItemStore) PurgeAll(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM strikes`)
	if err != nil {
		return 0, err
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM download_items
		WHERE id NOT IN (SELECT DISTINCT download_item_id FROM strikes)`); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return purged, nil
}

func deleteIfOrphanedTx(ctx context.Context, tx dbinterface.Querier, itemID int64) error {
	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strikes WHERE download_item_id = ?`, itemID,
	).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM download_items WHERE id = ?`, itemID); err != nil {
			return err
		}
	}
	return nil
}

func scanDownloadItem(scanner interface{ Scan(dest ...any) error }) (*DownloadItem, error) {
	var (
		item      DownloadItem
		marked    int
		removed   int
		returning int
	)
	err := scanner.Scan(&item.ID, &item.Hash, &item.Title, &marked, &removed, &returning, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadItemNotFound
		}
		return nil, err
	}
	item.IsMarkedForRemoval = marked == 1
	item.IsRemoved = removed == 1
	item.IsReturning = returning == 1
	return &item, nil
}
