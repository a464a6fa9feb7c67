// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queueclean

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// errStoreFailed marks persistence failures coming out of the tracker. An
// adapter error costs one item or one instance; a dead store aborts the pass
// so the run ends up marked failed instead of falsely completed.
var errStoreFailed = errors.New("download item store failed")

// StrikeTracker converts repeated rule violations into removal decisions.
// Strikes are durable; the below-threshold clock for slow rules is held in
// memory only, so a restart simply restarts the sample window.
type StrikeTracker struct {
	store *models.DownloadItemStore

	locksMu   sync.Mutex
	hashLocks map[string]*sync.Mutex

	slowMu    sync.Mutex
	slowSince map[string]time.Time
}

func NewStrikeTracker(store *models.DownloadItemStore) *StrikeTracker {
	return &StrikeTracker{
		store:     store,
		hashLocks: make(map[string]*sync.Mutex),
		slowSince: make(map[string]time.Time),
	}
}

// hashLock serializes strike writes per hash. Different hashes proceed
// concurrently.
func (t *StrikeTracker) hashLock(hash string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	if lock, exists := t.hashLocks[hash]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	t.hashLocks[hash] = lock
	return lock
}

// RecordStrikeAndCheckLimit records one strike for (hash, type) in the given
// job run and reports whether the item is now condemned. Re-invoking within
// the same run for the same pair records nothing new.
func (t *StrikeTracker) RecordStrikeAndCheckLimit(ctx context.Context, runID int64, hash, title string, strikeType models.StrikeType, downloadedBytes *int64, maxStrikes int) (bool, error) {
	hash = domain.NormalizeHash(hash)

	lock := t.hashLock(hash)
	lock.Lock()
	defer lock.Unlock()

	outcome, err := t.store.RecordStrike(ctx, runID, hash, title, strikeType, downloadedBytes, maxStrikes)
	if err != nil {
		return false, fmt.Errorf("%w: record strike: %w", errStoreFailed, err)
	}

	if outcome.Recorded {
		log.Debug().
			Str("hash", hash).
			Str("strikeType", string(strikeType)).
			Int("count", outcome.Count).
			Int("maxStrikes", maxStrikes).
			Msg("Strike recorded")
	}

	return outcome.Condemned, nil
}

// ResetStrikes clears the live strike count for (hash, type), returning how
// many strikes were dropped.
func (t *StrikeTracker) ResetStrikes(ctx context.Context, hash string, strikeType models.StrikeType) (int64, error) {
	hash = domain.NormalizeHash(hash)

	lock := t.hashLock(hash)
	lock.Lock()
	defer lock.Unlock()

	cleared, err := t.store.ResetStrikes(ctx, hash, strikeType)
	if err != nil {
		return 0, fmt.Errorf("%w: reset strikes: %w", errStoreFailed, err)
	}
	if cleared > 0 {
		log.Debug().Str("hash", hash).Str("strikeType", string(strikeType)).Int64("cleared", cleared).Msg("Strikes reset after progress")
	}
	return cleared, nil
}

// LastObservedBytes is the downloaded-bytes snapshot from the latest strike
// of the given type, for progress comparison.
func (t *StrikeTracker) LastObservedBytes(ctx context.Context, hash string, strikeType models.StrikeType) (*int64, error) {
	last, err := t.store.LastObservedBytes(ctx, domain.NormalizeHash(hash), strikeType)
	if err != nil {
		return nil, fmt.Errorf("%w: last observed bytes: %w", errStoreFailed, err)
	}
	return last, nil
}

// MarkRemoved records that the download left the queue; strike history for
// the hash starts over if it ever returns.
func (t *StrikeTracker) MarkRemoved(ctx context.Context, hash string) error {
	hash = domain.NormalizeHash(hash)

	lock := t.hashLock(hash)
	lock.Lock()
	defer lock.Unlock()

	if err := t.store.MarkRemoved(ctx, hash); err != nil {
		return fmt.Errorf("%w: mark removed: %w", errStoreFailed, err)
	}
	return nil
}

// SlowBelowSince returns when the hash was first seen below the speed
// threshold, or nil.
func (t *StrikeTracker) SlowBelowSince(hash string) *time.Time {
	t.slowMu.Lock()
	defer t.slowMu.Unlock()

	if since, ok := t.slowSince[domain.NormalizeHash(hash)]; ok {
		return &since
	}
	return nil
}

// MarkSlowBelow starts the below-threshold clock if not already running.
func (t *StrikeTracker) MarkSlowBelow(hash string, now time.Time) {
	hash = domain.NormalizeHash(hash)

	t.slowMu.Lock()
	defer t.slowMu.Unlock()

	if _, ok := t.slowSince[hash]; !ok {
		t.slowSince[hash] = now
	}
}

// ClearSlowBelow stops the below-threshold clock once speed recovers or the
// hash leaves the queue.
func (t *StrikeTracker) ClearSlowBelow(hash string) {
	t.slowMu.Lock()
	defer t.slowMu.Unlock()

	delete(t.slowSince, domain.NormalizeHash(hash))
}

// Forget drops in-memory clocks for a hash after removal. The hash's lock
// entry stays in place: another goroutine may still hold or be queued on it,
// and removing it would let hashLock mint a second mutex for the same hash.
func (t *StrikeTracker) Forget(hash string) {
	t.ClearSlowBelow(hash)
}
