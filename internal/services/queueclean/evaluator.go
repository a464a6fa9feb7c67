// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queueclean

import (
	"time"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// Verdict is the outcome of applying one rule to one torrent.
type Verdict string

const (
	// VerdictNotApplicable means the rule has nothing to say about this
	// torrent in its current state.
	VerdictNotApplicable Verdict = "not_applicable"
	VerdictNoViolation   Verdict = "no_violation"
	VerdictViolation     Verdict = "violation"
)

// StallEvaluation is the stall verdict plus the reset signal. ResetStrikes
// fires when the rule has ResetOnProgress and the torrent moved forward since
// the last observation, even mid-way through accumulating strikes.
type StallEvaluation struct {
	Verdict      Verdict
	ResetStrikes bool
}

// EvaluateStall applies a matched stall rule. lastObservedBytes is the
// downloaded-bytes value recorded with the previous stall strike for this
// hash, or nil when there is none.
func EvaluateStall(t domain.Torrent, rule *models.StallRule, lastObservedBytes *int64) StallEvaluation {
	// Finished transfers are not starvable.
	if t.IsComplete() || t.CompletionPercent() >= 100 {
		return StallEvaluation{Verdict: VerdictNotApplicable}
	}
	if !t.IsDownloading() {
		return StallEvaluation{Verdict: VerdictNotApplicable}
	}

	progressed := lastObservedBytes != nil && t.Downloaded > *lastObservedBytes
	if progressed {
		return StallEvaluation{
			Verdict:      VerdictNoViolation,
			ResetStrikes: rule.ResetOnProgress,
		}
	}

	if t.IsStalled() {
		return StallEvaluation{Verdict: VerdictViolation}
	}

	// Actively downloading but no forward movement since the last strike.
	if lastObservedBytes != nil && t.Downloaded <= *lastObservedBytes {
		return StallEvaluation{Verdict: VerdictViolation}
	}

	// First observation of a healthy download; nothing to compare against.
	return StallEvaluation{Verdict: VerdictNoViolation}
}

// SlowEvaluation is the slow verdict plus the below-threshold signal the
// caller uses to maintain the first-seen-below timestamp per hash.
type SlowEvaluation struct {
	Verdict        Verdict
	BelowThreshold bool
}

// EvaluateSlow applies a matched slow rule. belowSince is when the torrent
// was first seen under the speed threshold, or nil if it currently is not.
func EvaluateSlow(t domain.Torrent, rule *models.SlowRule, belowSince *time.Time, now time.Time) SlowEvaluation {
	if t.IsComplete() || t.CompletionPercent() >= 100 {
		return SlowEvaluation{Verdict: VerdictNotApplicable}
	}
	if !t.IsDownloading() {
		return SlowEvaluation{Verdict: VerdictNotApplicable}
	}

	// Zero declared speed without a stall flag means the client is not even
	// trying yet; speed policy has nothing to measure.
	if t.DlSpeed == 0 && !t.IsStalled() {
		return SlowEvaluation{Verdict: VerdictNotApplicable}
	}

	if t.DlSpeed >= rule.MinSpeedBytes {
		return SlowEvaluation{Verdict: VerdictNoViolation}
	}

	if belowSince == nil {
		// Start the sample clock; violation needs sustained slowness.
		return SlowEvaluation{Verdict: VerdictNoViolation, BelowThreshold: true}
	}

	if now.Sub(*belowSince) >= time.Duration(rule.MinSampleSeconds)*time.Second {
		return SlowEvaluation{Verdict: VerdictViolation, BelowThreshold: true}
	}

	return SlowEvaluation{Verdict: VerdictNoViolation, BelowThreshold: true}
}
