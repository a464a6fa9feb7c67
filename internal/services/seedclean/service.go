// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package seedclean

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/hardlinks"
	"github.com/autobrr/sweeparr/internal/metrics"
	"github.com/autobrr/sweeparr/internal/models"
	"github.com/autobrr/sweeparr/internal/services/notifications"
	"github.com/autobrr/sweeparr/internal/torrentclient"
)

const (
	defaultIntervalMinutes = 60

	// maxConcurrentInstances bounds the per-instance fan-out so a pass over
	// many instances cannot overwhelm the host or the clients.
	maxConcurrentInstances = 4
)

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

// Service runs the seeding-cleanup pass on a schedule.
type Service struct {
	cfg domain.SeedCleanConfig

	clientStore *models.ClientInstanceStore
	ruleStore   *models.RuleStore
	runStore    *models.JobRunStore
	source      torrentSource
	checker     hardlinks.Checker
	notifier    notifications.Notifier
	collector   *metrics.Collector

	// jobMu enforces at most one in-flight pass; a trigger during a running
	// pass is skipped, not queued. It also guards cfg, so a reload never
	// lands mid-pass.
	jobMu sync.Mutex

	now func() time.Time
}

func NewService(
	cfg domain.SeedCleanConfig,
	clientStore *models.ClientInstanceStore,
	ruleStore *models.RuleStore,
	runStore *models.JobRunStore,
	source torrentSource,
	checker hardlinks.Checker,
	notifier notifications.Notifier,
	collector *metrics.Collector,
) *Service {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = defaultIntervalMinutes
	}
	if cfg.UnlinkedCategory == "" {
		cfg.UnlinkedCategory = "unlinked"
	}

	return &Service{
		cfg:         cfg,
		clientStore: clientStore,
		ruleStore:   ruleStore,
		runStore:    runStore,
		source:      source,
		checker:     checker,
		notifier:    notifier,
		collector:   collector,
		now:         time.Now,
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
		log.Info().Msg("Seeding cleanup disabled")
		return
	}

	log.Info().Dur("interval", interval).Bool("dryRun", dryRun).Msg("Seeding cleanup started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Seeding cleanup stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Seeding cleanup pass failed")
			}

			// Pick up an interval change from a config reload.
			s.jobMu.Lock()
			next := time.Duration(s.cfg.IntervalMinutes) * time.Minute
			s.jobMu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
				log.Info().Dur("interval", interval).Msg("Seeding cleanup interval updated")
			}
		}
	}
}

// SetConfig swaps the runtime configuration for subsequent passes. It waits
// for any in-flight pass to finish; the pass mutex also guards config reads,
// so a running pass always sees one consistent snapshot. Enabling or
// disabling the scheduler itself still requires a restart.
func (s *Service) SetConfig(cfg domain.SeedCleanConfig) {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = defaultIntervalMinutes
	}
	if cfg.UnlinkedCategory == "" {
		cfg.UnlinkedCategory = "unlinked"
	}

	s.jobMu.Lock()
	s.cfg = cfg
	s.jobMu.Unlock()

	log.Info().Bool("dryRun", cfg.DryRun).Int("intervalMinutes", cfg.IntervalMinutes).Msg("Seeding cleanup configuration reloaded")
}

type passStats struct {
	removed     int
	quarantined int
	samples     []string
}

func (st *passStats) sample(name string) {
	if len(st.samples) < 10 {
		st.samples = append(st.samples, name)
	}
}

// RunOnce executes a single cleanup pass. A pass already in flight makes
// this a no-op.
func (s *Service) RunOnce(ctx context.Context) error {
	if !s.jobMu.TryLock() {
		log.Warn().Msg("Seeding cleanup pass already running, skipping trigger")
		return nil
	}
	defer s.jobMu.Unlock()

	started := s.now()

	run, err := s.runStore.Start(ctx, models.JobTypeSeedClean)
	if err != nil {
		return fmt.Errorf("start job run: %w", err)
	}

	stats, passErr := s.executePass(ctx)

	status := models.JobRunCompleted
	severity := notifications.SeverityInfo
	eventType := notifications.EventSeedCleanCompleted
	message := fmt.Sprintf("%d removed, %d quarantined", stats.removed, stats.quarantined)
	if passErr != nil {
		status = models.JobRunFailed
		severity = notifications.SeverityError
		eventType = notifications.EventSeedCleanFailed
		message = passErr.Error()
	}

	if finishErr := s.runStore.Finish(ctx, run.ID, status); finishErr != nil {
		log.Error().Err(finishErr).Int64("runID", run.ID).Msg("Failed to finish job run")
		if passErr == nil {
			passErr = finishErr
		}
	}

	s.collector.ObservePass(string(models.JobTypeSeedClean), string(status), s.now().Sub(started).Seconds())

	s.notify(ctx, notifications.Event{
		Type:     eventType,
		Severity: severity,
		Title:    "Seeding cleanup pass finished",
		Message:  message,
		DryRun:   s.cfg.DryRun,
		Data: notifications.SeedCleanEventData{
			RunID:       run.ID,
			Removed:     stats.removed,
			Quarantined: stats.quarantined,
			Samples:     stats.samples,
		},
	})

	return passErr
}

func (s *Service) executePass(ctx context.Context) (*passStats, error) {
	stats := &passStats{}

	rules, err := s.ruleStore.ListCategoryRules(ctx)
	if err != nil {
		return stats, fmt.Errorf("load category rules: %w", err)
	}

	rulesByCategory := make(map[string]*models.CategoryRule, len(rules))
	for _, rule := range rules {
		if rule.Enabled {
			rulesByCategory[rule.Category] = rule
		}
	}

	instances, err := s.clientStore.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("list client instances: %w", err)
	}

	var statsMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrentInstances)

	for _, instance := range instances {
		if !instance.IsActive {
			continue
		}

		g.Go(func() error {
			instStats, err := s.cleanInstance(ctx, instance, rulesByCategory)
			if err != nil {
				// Adapter failures are per-instance; other instances proceed.
				log.Error().Err(err).Str("instance", instance.Name).Msg("Seeding cleanup failed for instance")
			}
			if instStats != nil {
				statsMu.Lock()
				stats.removed += instStats.removed
				stats.quarantined += instStats.quarantined
				stats.samples = append(stats.samples, instStats.samples...)
				statsMu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return stats, nil
}

func (s *Service) cleanInstance(ctx context.Context, instance *models.ClientInstance, rules map[string]*models.CategoryRule) (*passStats, error) {
	stats := &passStats{}

	torrents, err := s.source.Torrents(ctx, instance.ID)
	if err != nil {
		return stats, fmt.Errorf("fetch torrents: %w", err)
	}

	client, err := s.source.Client(ctx, instance.ID)
	if err != nil {
		return stats, fmt.Errorf("get torrent client: %w", err)
	}

	log.Debug().Str("instance", instance.Name).Int("torrents", len(torrents)).Msg("Evaluating seeding torrents")

	for _, t := range torrents {
		// Cooperative cancellation between items, never mid-mutation.
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		s.processTorrent(ctx, instance, client, t, rules, stats)
	}

	return stats, nil
}

// processTorrent handles one torrent. Per-item panics and errors are
// contained here so the rest of the pass continues.
func (s *Service) processTorrent(ctx context.Context, instance *models.ClientInstance, client torrentclient.Client, t domain.Torrent, rules map[string]*models.CategoryRule, stats *passStats) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("instance", instance.Name).
				Str("name", t.Name).
				Msg("Recovered from panic while processing seeding torrent")
		}
	}()

	if !t.IsComplete() {
		return
	}

	// The unlinked policy runs first: payloads without a hardlinked library
	// copy are the only copy on disk, so they get parked in the quarantine
	// category instead of deleted.
	if s.cfg.UnlinkedEnabled && t.Category != s.cfg.UnlinkedCategory {
		unlinked, err := s.isUnlinked(t)
		if err != nil {
			log.Warn().Err(err).Str("hash", t.Hash).Str("name", t.Name).Msg("Hardlink check failed, leaving torrent untouched")
			return
		}
		if unlinked {
			if err := s.quarantine(ctx, instance, client, t, stats); err != nil {
				log.Error().Err(err).Str("hash", t.Hash).Msg("Failed to quarantine unlinked torrent")
			}
			return
		}
	}

	rule, found := rules[t.Category]
	if !found {
		return
	}

	reason := EvaluateSeeding(t, rule)
	if reason == ReasonNone {
		return
	}

	if err := s.remove(ctx, instance, client, t, rule, reason, stats); err != nil {
		log.Error().Err(err).Str("hash", t.Hash).Msg("Failed to remove seeded torrent")
	}
}

// isUnlinked reports whether no file of the torrent has a second hardlink.
// When a root dir override is configured the client-reported content path is
// re-rooted there, covering clients running with a different mount prefix.
func (s *Service) isUnlinked(t domain.Torrent) (bool, error) {
	path := t.ContentPath
	if path == "" {
		return false, fmt.Errorf("torrent %s has no content path", t.Hash)
	}
	if s.cfg.UnlinkedRootDir != "" {
		path = filepath.Join(s.cfg.UnlinkedRootDir, filepath.Base(path))
	}

	linked, err := s.checker.HasLinkedFiles(path)
	if err != nil {
		return false, err
	}
	return !linked, nil
}

func (s *Service) quarantine(ctx context.Context, instance *models.ClientInstance, client torrentclient.Client, t domain.Torrent, stats *passStats) error {
	err := s.mutate("quarantine unlinked torrent", map[string]any{
		"instance": instance.Name,
		"hash":     t.Hash,
		"category": s.cfg.UnlinkedCategory,
	}, func() error {
		return client.SetCategory(ctx, []string{t.Hash}, s.cfg.UnlinkedCategory)
	})
	if err != nil {
		return err
	}

	if !s.cfg.DryRun {
		s.source.Invalidate(instance.ID)
	}

	stats.quarantined++
	stats.sample(t.Name)
	s.collector.IncQuarantine()

	log.Info().
		Str("instance", instance.Name).
		Str("hash", t.Hash).
		Str("name", t.Name).
		Str("category", s.cfg.UnlinkedCategory).
		Bool("dryRun", s.cfg.DryRun).
		Msg("Moved unlinked torrent to quarantine category")

	return nil
}

func (s *Service) remove(ctx context.Context, instance *models.ClientInstance, client torrentclient.Client, t domain.Torrent, rule *models.CategoryRule, reason RemovalReason, stats *passStats) error {
	err := s.mutate("delete seeded torrent", map[string]any{
		"instance":    instance.Name,
		"hash":        t.Hash,
		"reason":      string(reason),
		"deleteFiles": rule.DeleteSourceFiles,
	}, func() error {
		return client.DeleteTorrents(ctx, []string{t.Hash}, rule.DeleteSourceFiles)
	})
	if err != nil {
		return err
	}

	if !s.cfg.DryRun {
		s.source.Invalidate(instance.ID)
	}

	stats.removed++
	stats.sample(t.Name)
	s.collector.IncRemoval(string(reason))

	log.Info().
		Str("instance", instance.Name).
		Str("hash", t.Hash).
		Str("name", t.Name).
		Str("category", t.Category).
		Str("reason", string(reason)).
		Float64("ratio", t.Ratio).
		Int64("seedingTime", t.SeedingTime).
		Bool("deleteFiles", rule.DeleteSourceFiles).
		Bool("dryRun", s.cfg.DryRun).
		Msg("Removed seeded torrent")

	s.notify(ctx, notifications.Event{
		Type:     notifications.EventDownloadRemoved,
		Severity: notifications.SeverityInfo,
		Title:    "Seeded torrent removed",
		Message:  fmt.Sprintf("%s removed from %s (%s)", t.Name, instance.Name, reason),
		DryRun:   s.cfg.DryRun,
	})

	return nil
}

// mutate is the dry-run interceptor: every external mutation goes through
// here and is logged instead of executed when dry-run is on.
func (s *Service) mutate(action string, fields map[string]any, fn func() error) error {
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
