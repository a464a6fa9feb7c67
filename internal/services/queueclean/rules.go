// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queueclean

import (
	"fmt"
	"sort"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// FindMatchingStallRule selects the single stall rule covering the torrent:
// enabled, privacy scope includes the torrent, and the completion percentage
// falls inside the rule's [min, max) interval. Overlapping configuration is
// user error, not a crash condition; the lowest min bound wins, ties broken
// by creation order.
func FindMatchingStallRule(rules []*models.StallRule, t domain.Torrent) *models.StallRule {
	pct := t.CompletionPercent()

	var best *models.StallRule
	for _, rule := range rules {
		if !rule.Enabled || !t.MatchesPrivacy(rule.Privacy) {
			continue
		}
		if pct < rule.MinCompletion || pct >= rule.MaxCompletion {
			continue
		}
		if best == nil ||
			rule.MinCompletion < best.MinCompletion ||
			(rule.MinCompletion == best.MinCompletion && rule.ID < best.ID) {
			best = rule
		}
	}
	return best
}

// FindMatchingSlowRule selects the slow rule covering the torrent, with the
// same matching and tie-break semantics as stall rules.
func FindMatchingSlowRule(rules []*models.SlowRule, t domain.Torrent) *models.SlowRule {
	pct := t.CompletionPercent()

	var best *models.SlowRule
	for _, rule := range rules {
		if !rule.Enabled || !t.MatchesPrivacy(rule.Privacy) {
			continue
		}
		if pct < rule.MinCompletion || pct >= rule.MaxCompletion {
			continue
		}
		if best == nil ||
			rule.MinCompletion < best.MinCompletion ||
			(rule.MinCompletion == best.MinCompletion && rule.ID < best.ID) {
			best = rule
		}
	}
	return best
}

type coverageInterval struct {
	min float64
	max float64
}

// CheckStallCoverage reports completion ranges not covered by any enabled
// rule for each privacy scope. Gaps are advisory only: a torrent in a gap is
// simply exempt from the policy.
func CheckStallCoverage(rules []*models.StallRule) []string {
	intervalsFor := func(scope domain.PrivacyType) []coverageInterval {
		var intervals []coverageInterval
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if rule.Privacy == scope || rule.Privacy == domain.PrivacyBoth {
				intervals = append(intervals, coverageInterval{rule.MinCompletion, rule.MaxCompletion})
			}
		}
		return intervals
	}

	var advisories []string
	for _, scope := range []domain.PrivacyType{domain.PrivacyPublic, domain.PrivacyPrivate} {
		advisories = append(advisories, coverageGaps(string(scope), intervalsFor(scope))...)
	}
	return advisories
}

// CheckSlowCoverage is the slow-rule counterpart of CheckStallCoverage.
func CheckSlowCoverage(rules []*models.SlowRule) []string {
	intervalsFor := func(scope domain.PrivacyType) []coverageInterval {
		var intervals []coverageInterval
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if rule.Privacy == scope || rule.Privacy == domain.PrivacyBoth {
				intervals = append(intervals, coverageInterval{rule.MinCompletion, rule.MaxCompletion})
			}
		}
		return intervals
	}

	var advisories []string
	for _, scope := range []domain.PrivacyType{domain.PrivacyPublic, domain.PrivacyPrivate} {
		advisories = append(advisories, coverageGaps(string(scope), intervalsFor(scope))...)
	}
	return advisories
}

func coverageGaps(scope string, intervals []coverageInterval) []string {
	if len(intervals) == 0 {
		return []string{fmt.Sprintf("%s: no enabled rules cover [0, 100)", scope)}
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].min < intervals[j].min
	})

	var gaps []string
	cursor := 0.0
	for _, iv := range intervals {
		if iv.min > cursor {
			gaps = append(gaps, fmt.Sprintf("%s: completion range [%g, %g) uncovered", scope, cursor, iv.min))
		}
		if iv.max > cursor {
			cursor = iv.max
		}
	}
	if cursor < 100 {
		gaps = append(gaps, fmt.Sprintf("%s: completion range [%g, 100) uncovered", scope, cursor))
	}
	return gaps
}
