// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/sweeparr/internal/domain"
)

func TestRuleStore_StallRuleCRUD(t *testing.T) {
	db := setupTestDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.CreateStallRule(ctx, &StallRule{
		Name:            "early stalls",
		Enabled:         true,
		MaxStrikes:      3,
		Privacy:         domain.PrivacyPublic,
		MinCompletion:   0,
		MaxCompletion:   25,
		ResetOnProgress: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.PrivacyPublic, created.Privacy)
	assert.True(t, created.ResetOnProgress)

	rules, err := store.ListStallRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, store.DeleteStallRule(ctx, created.ID))
	_, err = store.GetStallRule(ctx, created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRuleStore_StallRuleValidation(t *testing.T) {
	db := setupTestDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	tests := []struct {
		name string
		rule StallRule
	}{
		{
			name: "min above max",
			rule: StallRule{Name: "bad", MaxStrikes: 3, MinCompletion: 50, MaxCompletion: 25},
		},
		{
			name: "max over 100",
			rule: StallRule{Name: "bad", MaxStrikes: 3, MinCompletion: 0, MaxCompletion: 101},
		},
		{
			name: "zero max strikes",
			rule: StallRule{Name: "bad", MaxStrikes: 0, MinCompletion: 0, MaxCompletion: 100},
		},
		{
			name: "bogus privacy",
			rule: StallRule{Name: "bad", MaxStrikes: 3, MinCompletion: 0, MaxCompletion: 100, Privacy: "friends-only"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateStallRule(ctx, &tt.rule)
			assert.Error(t, err)
		})
	}
}

func TestRuleStore_EmptyPrivacyDefaultsToBoth(t *testing.T) {
	db := setupTestDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.CreateStallRule(ctx, &StallRule{
		Name: "any", MaxStrikes: 3, MinCompletion: 0, MaxCompletion: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PrivacyBoth, created.Privacy)
}

func TestRuleStore_SlowRuleCRUD(t *testing.T) {
	db := setupTestDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.CreateSlowRule(ctx, &SlowRule{
		Name:             "crawlers",
		Enabled:          true,
		MaxStrikes:       5,
		Privacy:          domain.PrivacyBoth,
		MinCompletion:    0,
		MaxCompletion:    100,
		MinSpeedBytes:    100 * 1024,
		MinSampleSeconds: 600,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100*1024), created.MinSpeedBytes)
	assert.Equal(t, 600, created.MinSampleSeconds)

	rules, err := store.ListSlowRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, store.DeleteSlowRule(ctx, created.ID))
	assert.ErrorIs(t, store.DeleteSlowRule(ctx, created.ID), ErrRuleNotFound)
}

func TestRuleStore_CategoryRuleCRUD(t *testing.T) {
	db := setupTestDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	created, err := store.CreateCategoryRule(ctx, &CategoryRule{
		Category:           "tv-sonarr",
		Enabled:            true,
		MaxRatio:           2.0,
		MinSeedTimeSeconds: 24 * 3600,
		MaxSeedTimeSeconds: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, "tv-sonarr", created.Category)
	assert.Equal(t, int64(-1), created.MaxSeedTimeSeconds)

	// Category is unique; a second rule for the same category is rejected.
	_, err = store.CreateCategoryRule(ctx, &CategoryRule{
		Category: "tv-sonarr", Enabled: true, MaxRatio: 1.0, MaxSeedTimeSeconds: -1,
	})
	assert.Error(t, err)

	rules, err := store.ListCategoryRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, store.DeleteCategoryRule(ctx, created.ID))
}

func TestRuleStore_Patterns(t *testing.T) {
	db := setupTestDB(t)
	store := NewRuleStore(db)
	ctx := context.Background()

	_, err := store.AddPattern(ctx, PatternKindBlock, ".exe", false)
	require.NoError(t, err)
	re, err := store.AddPattern(ctx, PatternKindBlock, `(?i)password.*\.txt`, true)
	require.NoError(t, err)
	_, err = store.AddPattern(ctx, PatternKindIgnore, "keep-this", false)
	require.NoError(t, err)

	_, err = store.AddPattern(ctx, PatternKindBlock, "", false)
	assert.Error(t, err)

	blocked, err := store.ListPatterns(ctx, PatternKindBlock)
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	assert.True(t, blocked[1].IsRegex)

	ignored, err := store.ListPatterns(ctx, PatternKindIgnore)
	require.NoError(t, err)
	require.Len(t, ignored, 1)

	require.NoError(t, store.DeletePattern(ctx, re.ID))
	blocked, err = store.ListPatterns(ctx, PatternKindBlock)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
}
