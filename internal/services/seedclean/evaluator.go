// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package seedclean implements the scheduled seeding-cleanup pass: completed
// torrents are deleted once their category's ratio or seed-time ceiling is
// reached, and torrents without a hardlinked library copy are quarantined
// into a holding category instead of deleted.
package seedclean

import (
	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// RemovalReason names the rule branch that condemned a seeding torrent.
type RemovalReason string

const (
	ReasonNone     RemovalReason = ""
	ReasonRatio    RemovalReason = "ratio"
	ReasonSeedTime RemovalReason = "seed_time"
)

// EvaluateSeeding applies one category rule to a completed torrent. A -1
// sentinel on MaxRatio or MaxSeedTimeSeconds disables that branch entirely.
// The ratio branch additionally requires the minimum seed time, so a torrent
// that hit its ratio quickly still seeds for the configured floor.
func EvaluateSeeding(t domain.Torrent, rule *models.CategoryRule) RemovalReason {
	if rule == nil || !rule.Enabled || !t.IsComplete() {
		return ReasonNone
	}

	if rule.MaxRatio >= 0 && t.Ratio >= rule.MaxRatio && t.SeedingTime >= rule.MinSeedTimeSeconds {
		return ReasonRatio
	}

	if rule.MaxSeedTimeSeconds >= 0 && t.SeedingTime >= rule.MaxSeedTimeSeconds {
		return ReasonSeedTime
	}

	return ReasonNone
}
