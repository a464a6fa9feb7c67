// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package queueclean implements the scheduled queue-cleaning pass: it joins
// the arr download queues against torrent client state, applies content
// blocking and stall/slow rules, accumulates strikes, and removes condemned
// downloads.
package queueclean

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/sweeparr/internal/arr"
	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/metrics"
	"github.com/autobrr/sweeparr/internal/models"
	"github.com/autobrr/sweeparr/internal/services/notifications"
	"github.com/autobrr/sweeparr/internal/torrentclient"
)

const (
	defaultIntervalMinutes = 30

	// maxConcurrentInstances bounds the per-instance fan-out so a pass over
	// many instances cannot overwhelm the host or the clients.
	maxConcurrentInstances = 4
)

// arrAPI is the queue surface the orchestrator needs from one arr instance.
// *arr.Client implements it; tests substitute fakes.
type arrAPI interface {
	GetQueue(ctx context.Context) ([]arr.QueueRecord, error)
	RemoveQueueItem(ctx context.Context, id int64, removeFromClient, blocklist bool) error
	TriggerSearch(ctx context.Context, cmd arr.SearchCommand) error
}

// torrentSource provides torrent state and mutations per client instance.
// The pool implements it; tests substitute fakes.
type torrentSource interface {
	Torrents(ctx context.Context, instanceID int) ([]domain.Torrent, error)
	Client(ctx context.Context, instanceID int) (torrentclient.Client, error)
	Invalidate(instanceID int)
}

// PoolSource adapts the client pool to the torrentSource seam.
type PoolSource struct {
	Pool *torrentclient.Pool
}

func (s PoolSource) Torrents(ctx context.Context, instanceID int) ([]domain.Torrent, error) {
	return s.Pool.CachedTorrents(ctx, instanceID)
}

func (s PoolSource) Client(ctx context.Context, instanceID int) (torrentclient.Client, error) {
	return s.Pool.GetClient(ctx, instanceID)
}

func (s PoolSource) Invalidate(instanceID int) {
	s.Pool.InvalidateTorrents(instanceID)
}

// Service runs the queue-cleaning pass on a schedule.
type Service struct {
	cfg domain.QueueCleanConfig

	arrStore    *models.ArrInstanceStore
	clientStore *models.ClientInstanceStore
	ruleStore   *models.RuleStore
	runStore    *models.JobRunStore
	tracker     *StrikeTracker
	source      torrentSource
	notifier    notifications.Notifier
	collector   *metrics.Collector

	// jobMu enforces at most one in-flight pass; a trigger during a running
	// pass is skipped, not queued. It also guards cfg, so a reload never
	// lands mid-pass.
	jobMu sync.Mutex

	// arrClientFor builds the API client for one instance; a test seam.
	arrClientFor func(instance *models.ArrInstance, apiKey string) arrAPI

	now func() time.Time
}

func NewService(
	cfg domain.QueueCleanConfig,
	arrStore *models.ArrInstanceStore,
	clientStore *models.ClientInstanceStore,
	ruleStore *models.RuleStore,
	runStore *models.JobRunStore,
	tracker *StrikeTracker,
	source torrentSource,
	notifier notifications.Notifier,
	collector *metrics.Collector,
) *Service {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = defaultIntervalMinutes
	}
	if cfg.BlockedMaxStrikes < 1 {
		cfg.BlockedMaxStrikes = 1
	}

	return &Service{
		cfg:         cfg,
		arrStore:    arrStore,
		clientStore: clientStore,
		ruleStore:   ruleStore,
		runStore:    runStore,
		tracker:     tracker,
		source:      source,
		notifier:    notifier,
		collector:   collector,
		arrClientFor: func(instance *models.ArrInstance, apiKey string) arrAPI {
			return arr.NewClient(instance.Host, apiKey, 0)
		},
		now: time.Now,
	}
}

// Start blocks, running passes on the configured interval until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	s.jobMu.Lock()
	enabled := s.cfg.Enabled
	interval := time.Duration(s.cfg.IntervalMinutes) * time.Minute
	dryRun := s.cfg.DryRun
	s.jobMu.Unlock()

	if !enabled {
		log.Info().Msg("Queue cleaning disabled")
		return
	}

	log.Info().Dur("interval", interval).Bool("dryRun", dryRun).Msg("Queue cleaning started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Queue cleaning stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Queue cleaning pass failed")
			}

			// Pick up an interval change from a config reload.
			s.jobMu.Lock()
			next := time.Duration(s.cfg.IntervalMinutes) * time.Minute
			s.jobMu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
				log.Info().Dur("interval", interval).Msg("Queue cleaning interval updated")
			}
		}
	}
}

// SetConfig swaps the runtime configuration for subsequent passes. It waits
// for any in-flight pass to finish; the pass mutex also guards config reads,
// so a running pass always sees one consistent snapshot. Enabling or
// disabling the scheduler itself still requires a restart.
func (s *Service) SetConfig(cfg domain.QueueCleanConfig) {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = defaultIntervalMinutes
	}
	if cfg.BlockedMaxStrikes < 1 {
		cfg.BlockedMaxStrikes = 1
	}

	s.jobMu.Lock()
	s.cfg = cfg
	s.jobMu.Unlock()

	log.Info().Bool("dryRun", cfg.DryRun).Int("intervalMinutes", cfg.IntervalMinutes).Msg("Queue cleaning configuration reloaded")
}

// passStats aggregates one pass for events and metrics.
type passStats struct {
	evaluated int
	striked   int
	removed   int
	blocked   int
	samples   []string
}

func (st *passStats) sample(name string) {
	if len(st.samples) < 10 {
		st.samples = append(st.samples, name)
	}
}

// snapshot is the read-only configuration view for one pass.
type snapshot struct {
	stallRules []*models.StallRule
	slowRules  []*models.SlowRule
	filter     *ContentFilter
	ignore     *ContentFilter
}

// RunOnce executes a single cleaning pass. A pass already in flight makes
// this a no-op.
func (s *Service) RunOnce(ctx context.Context) error {
	if !s.jobMu.TryLock() {
		log.Warn().Msg("Queue cleaning pass already running, skipping trigger")
		return nil
	}
	defer s.jobMu.Unlock()

	started := s.now()

	run, err := s.runStore.Start(ctx, models.JobTypeQueueClean)
	if err != nil {
		return fmt.Errorf("start job run: %w", err)
	}

	stats, passErr := s.executePass(ctx, run)

	status := models.JobRunCompleted
	severity := notifications.SeverityInfo
	eventType := notifications.EventQueueCleanCompleted
	message := fmt.Sprintf("%d evaluated, %d striked, %d removed", stats.evaluated, stats.striked, stats.removed)
	if passErr != nil {
		status = models.JobRunFailed
		severity = notifications.SeverityError
		eventType = notifications.EventQueueCleanFailed
		message = passErr.Error()
	}

	if finishErr := s.runStore.Finish(ctx, run.ID, status); finishErr != nil {
		log.Error().Err(finishErr).Int64("runID", run.ID).Msg("Failed to finish job run")
		if passErr == nil {
			passErr = finishErr
		}
	}

	s.collector.ObservePass(string(models.JobTypeQueueClean), string(status), s.now().Sub(started).Seconds())

	s.notify(ctx, notifications.Event{
		Type:     eventType,
		Severity: severity,
		Title:    "Queue cleaning pass finished",
		Message:  message,
		DryRun:   s.cfg.DryRun,
		Data: notifications.QueueCleanEventData{
			RunID:     run.ID,
			Evaluated: stats.evaluated,
			Striked:   stats.striked,
			Removed:   stats.removed,
			Blocked:   stats.blocked,
			Samples:   stats.samples,
		},
	})

	return passErr
}

func (s *Service) executePass(ctx context.Context, run *models.JobRun) (*passStats, error) {
	stats := &passStats{}

	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return stats, err
	}

	for _, advisory := range CheckStallCoverage(snap.stallRules) {
		log.Warn().Str("advisory", advisory).Msg("Stall rule coverage gap")
	}
	for _, advisory := range CheckSlowCoverage(snap.slowRules) {
		log.Warn().Str("advisory", advisory).Msg("Slow rule coverage gap")
	}

	index, err := s.buildTorrentIndex(ctx)
	if err != nil {
		return stats, err
	}

	arrInstances, err := s.arrStore.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("list arr instances: %w", err)
	}

	var statsMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrentInstances)

	for _, instance := range arrInstances {
		if !instance.IsActive {
			continue
		}

		g.Go(func() error {
			instStats, err := s.cleanInstance(ctx, run, instance, snap, index)
			if instStats != nil {
				statsMu.Lock()
				stats.evaluated += instStats.evaluated
				stats.striked += instStats.striked
				stats.removed += instStats.removed
				stats.blocked += instStats.blocked
				stats.samples = append(stats.samples, instStats.samples...)
				statsMu.Unlock()
			}
			if err != nil {
				// Adapter failures are per-instance; other instances proceed.
				// A store failure is fatal to the whole pass.
				if errors.Is(err, errStoreFailed) {
					return err
				}
				log.Error().Err(err).Str("instance", instance.Name).Msg("Queue cleaning failed for instance")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Service) loadSnapshot(ctx context.Context) (*snapshot, error) {
	stallRules, err := s.ruleStore.ListStallRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stall rules: %w", err)
	}
	slowRules, err := s.ruleStore.ListSlowRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load slow rules: %w", err)
	}

	blockPatterns, err := s.ruleStore.ListPatterns(ctx, models.PatternKindBlock)
	if err != nil {
		return nil, fmt.Errorf("load block patterns: %w", err)
	}
	filter, err := NewContentFilter(blockPatterns)
	if err != nil {
		return nil, err
	}

	ignorePatterns, err := s.ruleStore.ListPatterns(ctx, models.PatternKindIgnore)
	if err != nil {
		return nil, fmt.Errorf("load ignore patterns: %w", err)
	}
	ignore, err := NewContentFilter(ignorePatterns)
	if err != nil {
		return nil, err
	}

	return &snapshot{
		stallRules: stallRules,
		slowRules:  slowRules,
		filter:     filter,
		ignore:     ignore,
	}, nil
}

// torrentRef ties a torrent snapshot to the client instance holding it.
type torrentRef struct {
	instanceID int
	torrent    domain.Torrent
}

// buildTorrentIndex joins all active client instances into one hash-keyed
// view. An unreachable instance only loses its own torrents.
func (s *Service) buildTorrentIndex(ctx context.Context) (map[string]torrentRef, error) {
	clientInstances, err := s.clientStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list client instances: %w", err)
	}

	index := make(map[string]torrentRef)
	for _, instance := range clientInstances {
		if !instance.IsActive {
			continue
		}

		torrents, err := s.source.Torrents(ctx, instance.ID)
		if err != nil {
			log.Error().Err(err).Str("instance", instance.Name).Msg("Failed to fetch torrents, skipping instance for this pass")
			continue
		}

		for _, t := range torrents {
			index[t.Hash] = torrentRef{instanceID: instance.ID, torrent: t}
		}
	}
	return index, nil
}

func (s *Service) cleanInstance(ctx context.Context, run *models.JobRun, instance *models.ArrInstance, snap *snapshot, index map[string]torrentRef) (*passStats, error) {
	stats := &passStats{}

	apiKey, err := s.arrStore.GetDecryptedAPIKey(instance)
	if err != nil {
		return stats, fmt.Errorf("decrypt api key: %w", err)
	}

	client := s.arrClientFor(instance, apiKey)

	queue, err := client.GetQueue(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch queue: %w", err)
	}

	log.Debug().Str("instance", instance.Name).Int("records", len(queue)).Msg("Fetched queue")

	for _, record := range queue {
		// Cooperative cancellation between items, never mid-mutation.
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := s.processRecord(ctx, run, instance, client, snap, index, record, stats); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// processRecord handles one queue record. Per-item panics and errors are
// contained here so the rest of the pass continues; only a store failure
// propagates and aborts the pass.
func (s *Service) processRecord(ctx context.Context, run *models.JobRun, instance *models.ArrInstance, client arrAPI, snap *snapshot, index map[string]torrentRef, record arr.QueueRecord, stats *passStats) error {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("instance", instance.Name).
				Str("title", record.Title).
				Msg("Recovered from panic while processing queue item")
		}
	}()

	if !record.IsTorrent() || record.DownloadID == "" {
		return nil
	}

	if !snap.ignore.Empty() {
		if _, ignored := snap.ignore.matchFile(record.Title); ignored {
			log.Debug().Str("title", record.Title).Msg("Queue item matches ignore pattern, skipping")
			return nil
		}
	}

	hash := domain.NormalizeHash(record.DownloadID)
	ref, found := index[hash]
	if !found {
		log.Debug().Str("hash", hash).Str("title", record.Title).Msg("No torrent matches queue record, skipping")
		return nil
	}

	stats.evaluated++

	if err := s.processTorrent(ctx, run, instance, client, snap, record, ref, stats); err != nil {
		if errors.Is(err, errStoreFailed) {
			return err
		}
		log.Error().Err(err).Str("hash", hash).Str("title", record.Title).Msg("Failed to process queue item")
	}
	return nil
}

func (s *Service) processTorrent(ctx context.Context, run *models.JobRun, instance *models.ArrInstance, client arrAPI, snap *snapshot, record arr.QueueRecord, ref torrentRef, stats *passStats) error {
	t := ref.torrent

	// Content blocking runs first and is independent of stall/slow
	// accounting.
	if s.cfg.BlockedPatternsEnabled && !snap.filter.Empty() {
		handled, err := s.applyContentBlocking(ctx, run, instance, client, snap.filter, record, ref, stats)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	// Stall takes precedence; an item condemned by stall is not also
	// processed by slow logic in the same pass.
	if rule := FindMatchingStallRule(snap.stallRules, t); rule != nil {
		last, err := s.tracker.LastObservedBytes(ctx, t.Hash, models.StrikeTypeStalled)
		if err != nil {
			return err
		}

		eval := EvaluateStall(t, rule, last)
		switch {
		case eval.Verdict == VerdictViolation:
			downloaded := t.Downloaded
			condemned, err := s.tracker.RecordStrikeAndCheckLimit(ctx, run.ID, t.Hash, record.Title, models.StrikeTypeStalled, &downloaded, rule.MaxStrikes)
			if err != nil {
				return err
			}
			stats.striked++
			s.collector.IncStrike(string(models.StrikeTypeStalled))

			if condemned {
				return s.condemn(ctx, instance, client, record, ref, rule.DeletePrivate, "stalled", stats)
			}
			return nil

		case eval.ResetStrikes:
			cleared, err := s.tracker.ResetStrikes(ctx, t.Hash, models.StrikeTypeStalled)
			if err != nil {
				return err
			}
			if cleared > 0 {
				s.collector.IncReset()
			}
		}
	}

	if rule := FindMatchingSlowRule(snap.slowRules, t); rule != nil {
		now := s.now()
		eval := EvaluateSlow(t, rule, s.tracker.SlowBelowSince(t.Hash), now)

		if eval.BelowThreshold {
			s.tracker.MarkSlowBelow(t.Hash, now)
		} else {
			s.tracker.ClearSlowBelow(t.Hash)
		}

		if eval.Verdict == VerdictViolation {
			condemned, err := s.tracker.RecordStrikeAndCheckLimit(ctx, run.ID, t.Hash, record.Title, models.StrikeTypeSlow, nil, rule.MaxStrikes)
			if err != nil {
				return err
			}
			stats.striked++
			s.collector.IncStrike(string(models.StrikeTypeSlow))

			if condemned {
				return s.condemn(ctx, instance, client, record, ref, rule.DeletePrivate, "slow", stats)
			}
		}
	}

	return nil
}

// applyContentBlocking skips blocked files at the client and, when nothing
// wanted remains, strikes or removes the download. Returns true when the
// item was fully handled by the blocking path.
func (s *Service) applyContentBlocking(ctx context.Context, run *models.JobRun, instance *models.ArrInstance, client arrAPI, filter *ContentFilter, record arr.QueueRecord, ref torrentRef, stats *passStats) (bool, error) {
	t := ref.torrent

	torrentClient, err := s.source.Client(ctx, ref.instanceID)
	if err != nil {
		return false, fmt.Errorf("get torrent client: %w", err)
	}

	files, err := torrentClient.GetFiles(ctx, t.Hash)
	if err != nil {
		return false, fmt.Errorf("get files: %w", err)
	}
	if len(files) == 0 {
		// Metadata not fetched yet; nothing to filter.
		return false, nil
	}

	decision := filter.Evaluate(files)

	// Re-applying skip to an already-skipped file is a no-op downstream, so
	// this stays idempotent across passes.
	if len(decision.ToSkip) > 0 {
		stats.blocked += len(decision.ToSkip)

		skipErr := s.mutate(ctx, "skip blocked files", map[string]any{"hash": t.Hash, "files": len(decision.ToSkip)}, func() error {
			return torrentClient.SkipFiles(ctx, t.Hash, decision.ToSkip)
		})
		if skipErr != nil {
			log.Error().Err(skipErr).Str("hash", t.Hash).Msg("Failed to skip blocked files")
		} else if !s.cfg.DryRun {
			s.source.Invalidate(ref.instanceID)
		}
	}

	if !decision.AllFilesBlocked {
		return false, nil
	}

	log.Info().Str("hash", t.Hash).Str("title", record.Title).Msg("All wanted files are blocked")

	if s.cfg.RemoveBlockedImmediately {
		return true, s.condemn(ctx, instance, client, record, ref, true, "blocked", stats)
	}

	condemned, err := s.tracker.RecordStrikeAndCheckLimit(ctx, run.ID, t.Hash, record.Title, models.StrikeTypeFailedImport, nil, s.cfg.BlockedMaxStrikes)
	if err != nil {
		return true, err
	}
	stats.striked++
	s.collector.IncStrike(string(models.StrikeTypeFailedImport))

	if condemned {
		return true, s.condemn(ctx, instance, client, record, ref, true, "blocked", stats)
	}
	return true, nil
}

// condemn removes a condemned record from the arr queue and, when allowed,
// deletes the payload at the client. Public torrents always allow deletion;
// private ones require the rule's delete flag.
func (s *Service) condemn(ctx context.Context, instance *models.ArrInstance, client arrAPI, record arr.QueueRecord, ref torrentRef, deletePrivate bool, reason string, stats *passStats) error {
	t := ref.torrent

	removeFromClient := !t.Private || deletePrivate

	err := s.mutate(ctx, "remove from queue", map[string]any{
		"instance":         instance.Name,
		"queueID":          record.ID,
		"hash":             t.Hash,
		"removeFromClient": removeFromClient,
		"reason":           reason,
	}, func() error {
		return client.RemoveQueueItem(ctx, record.ID, removeFromClient, true)
	})
	if err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}

	// The removal state only becomes durable when the mutation actually ran.
	// A failed MarkRemoved still reports the removal below, then fails the
	// pass: the queue mutation is done, but the store is gone.
	var markErr error
	if !s.cfg.DryRun {
		if err := s.tracker.MarkRemoved(ctx, t.Hash); err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("Failed to mark download removed")
			markErr = err
		}
		s.tracker.Forget(t.Hash)
		s.source.Invalidate(ref.instanceID)
	}

	stats.removed++
	stats.sample(record.Title)
	s.collector.IncRemoval(reason)

	log.Info().
		Str("instance", instance.Name).
		Str("hash", t.Hash).
		Str("title", record.Title).
		Str("reason", reason).
		Bool("removeFromClient", removeFromClient).
		Bool("dryRun", s.cfg.DryRun).
		Msg("Removed condemned download from queue")

	s.notify(ctx, notifications.Event{
		Type:     notifications.EventDownloadRemoved,
		Severity: notifications.SeverityWarning,
		Title:    "Download removed",
		Message:  fmt.Sprintf("%s removed from %s (%s)", record.Title, instance.Name, reason),
		DryRun:   s.cfg.DryRun,
	})

	if s.cfg.SearchAfterRemoval {
		s.triggerSearch(ctx, instance, client, record)
	}

	return markErr
}

func (s *Service) triggerSearch(ctx context.Context, instance *models.ArrInstance, client arrAPI, record arr.QueueRecord) {
	var cmd arr.SearchCommand
	switch instance.Kind {
	case models.ArrKindSonarr:
		if record.EpisodeID == 0 {
			return
		}
		cmd = arr.SearchCommand{Name: "EpisodeSearch", EpisodeIDs: []int64{record.EpisodeID}}
	case models.ArrKindRadarr:
		if record.MovieID == 0 {
			return
		}
		cmd = arr.SearchCommand{Name: "MoviesSearch", MovieIDs: []int64{record.MovieID}}
	default:
		return
	}

	err := s.mutate(ctx, "trigger replacement search", map[string]any{"instance": instance.Name, "command": cmd.Name}, func() error {
		return client.TriggerSearch(ctx, cmd)
	})
	if err != nil {
		log.Warn().Err(err).Str("instance", instance.Name).Msg("Failed to trigger replacement search")
	}
}

// mutate is the dry-run interceptor: every external mutation goes through
// here and is logged instead of executed when dry-run is on.
func (s *Service) mutate(_ context.Context, action string, fields map[string]any, fn func() error) error {
	if s.cfg.DryRun {
		log.Info().Fields(fields).Str("action", action).Msg("Dry run, mutation skipped")
		return nil
	}
	return fn()
}

func (s *Service) notify(ctx context.Context, event notifications.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, event)
}
