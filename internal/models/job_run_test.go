// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRunStore_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobRunStore(db)
	ctx := context.Background()

	run, err := store.Start(ctx, JobTypeQueueClean)
	require.NoError(t, err)
	assert.Equal(t, JobTypeQueueClean, run.JobType)
	assert.False(t, run.StartedAt.IsZero())
	assert.Nil(t, run.CompletedAt)
	assert.Nil(t, run.Status)

	require.NoError(t, store.Finish(ctx, run.ID, JobRunCompleted))

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Status)
	assert.Equal(t, JobRunCompleted, *got.Status)
}

func TestJobRunStore_FinishUnknownRun(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobRunStore(db)

	err := store.Finish(context.Background(), 9999, JobRunFailed)
	assert.ErrorIs(t, err, ErrJobRunNotFound)
}

func TestJobRunStore_ListNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobRunStore(db)
	ctx := context.Background()

	first, err := store.Start(ctx, JobTypeQueueClean)
	require.NoError(t, err)
	second, err := store.Start(ctx, JobTypeSeedClean)
	require.NoError(t, err)

	runs, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	limited, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)
}
