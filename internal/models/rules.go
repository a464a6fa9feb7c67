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

var ErrRuleNotFound = errors.New("rule not found")

// StallRule strikes torrents that stop making progress while downloading.
// Coverage is the completion interval [MinCompletion, MaxCompletion).
type StallRule struct {
	ID               int                `json:"id"`
	Name             string             `json:"name"`
	Enabled          bool               `json:"enabled"`
	MaxStrikes       int                `json:"maxStrikes"`
	Privacy          domain.PrivacyType `json:"privacy"`
	MinCompletion    float64            `json:"minCompletion"`
	MaxCompletion    float64            `json:"maxCompletion"`
	ResetOnProgress  bool               `json:"resetOnProgress"`
	DeletePrivate    bool               `json:"deletePrivateTorrentsFromClient"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// SlowRule strikes torrents downloading below MinSpeedBytes for longer than
// MinSampleSeconds.
type SlowRule struct {
	ID               int                `json:"id"`
	Name             string             `json:"name"`
	Enabled          bool               `json:"enabled"`
	MaxStrikes       int                `json:"maxStrikes"`
	Privacy          domain.PrivacyType `json:"privacy"`
	MinCompletion    float64            `json:"minCompletion"`
	MaxCompletion    float64            `json:"maxCompletion"`
	MinSpeedBytes    int64              `json:"minSpeedBytes"`
	MinSampleSeconds int                `json:"minSampleSeconds"`
	DeletePrivate    bool               `json:"deletePrivateTorrentsFromClient"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// CategoryRule cleans seed-complete torrents per category. A -1 sentinel on
// MaxRatio or MaxSeedTimeSeconds disables that branch.
type CategoryRule struct {
	ID                 int       `json:"id"`
	Category           string    `json:"category"`
	Enabled            bool      `json:"enabled"`
	MaxRatio           float64   `json:"maxRatio"`
	MinSeedTimeSeconds int64     `json:"minSeedTimeSeconds"`
	MaxSeedTimeSeconds int64     `json:"maxSeedTimeSeconds"`
	DeleteSourceFiles  bool      `json:"deleteSourceFiles"`
	CreatedAt          time.Time `json:"createdAt"`
}

// PatternKind separates content-block patterns from ignored-download patterns.
type PatternKind string

const (
	PatternKindBlock  PatternKind = "block"
	PatternKindIgnore PatternKind = "ignore"
)

// Pattern is a literal or regex entry in one of the pattern sets.
type Pattern struct {
	ID        int         `json:"id"`
	Kind      PatternKind `json:"kind"`
	Pattern   string      `json:"pattern"`
	IsRegex   bool        `json:"isRegex"`
	CreatedAt time.Time   `json:"createdAt"`
}

// RuleStore persists the cleaning policy configuration. The engine only
// reads it; writes come from the API or other management tooling.
type RuleStore struct {
	db dbinterface.Querier
}

func NewRuleStore(db dbinterface.Querier) *RuleStore {
	return &RuleStore{db: db}
}

func normalizePrivacy(p domain.PrivacyType) (domain.PrivacyType, error) {
	switch p {
	case domain.PrivacyPublic, domain.PrivacyPrivate, domain.PrivacyBoth:
		return p, nil
	case "":
		return domain.PrivacyBoth, nil
	default:
		return "", fmt.Errorf("invalid privacy scope %q", p)
	}
}

func validateCoverage(minCompletion, maxCompletion float64) error {
	if minCompletion < 0 || maxCompletion > 100 || minCompletion >= maxCompletion {
		return fmt.Errorf("invalid completion interval [%v, %v)", minCompletion, maxCompletion)
	}
	return nil
}

func (s *RuleStore) CreateStallRule(ctx context.Context, rule *StallRule) (*StallRule, error) {
	privacy, err := normalizePrivacy(rule.Privacy)
	if err != nil {
		return nil, err
	}
	if err := validateCoverage(rule.MinCompletion, rule.MaxCompletion); err != nil {
		return nil, err
	}
	if rule.MaxStrikes < 1 {
		return nil, errors.New("maxStrikes must be at least 1")
	}

	var id int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO stall_rules (name, enabled, max_strikes, privacy, min_completion, max_completion, reset_on_progress, delete_private)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rule.Name, boolToSQLite(rule.Enabled), rule.MaxStrikes, string(privacy),
		rule.MinCompletion, rule.MaxCompletion, boolToSQLite(rule.ResetOnProgress), boolToSQLite(rule.DeletePrivate),
	).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetStallRule(ctx, id)
}

func (s *RuleStore) GetStallRule(ctx context.Context, id int) (*StallRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, max_strikes, privacy, min_completion, max_completion, reset_on_progress, delete_private, created_at
		FROM stall_rules WHERE id = ?`, id)
	return scanStallRule(row)
}

// ListStallRules returns rules in creation order, which is also the overlap
// tie-break order used at evaluation time.
func (s *RuleStore) ListStallRules(ctx context.Context) ([]*StallRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, max_strikes, privacy, min_completion, max_completion, reset_on_progress, delete_private, created_at
		FROM stall_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*StallRule
	for rows.Next() {
		rule, err := scanStallRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

func (s *RuleStore) DeleteStallRule(ctx context.Context, id int) error {
	return s.deleteByID(ctx, "stall_rules", id)
}

func scanStallRule(scanner interface{ Scan(dest ...any) error }) (*StallRule, error) {
	var (
		rule       StallRule
		enabled    int
		privacy    string
		reset      int
		deletePriv int
	)
	err := scanner.Scan(
		&rule.ID, &rule.Name, &enabled, &rule.MaxStrikes, &privacy,
		&rule.MinCompletion, &rule.MaxCompletion, &reset, &deletePriv, &rule.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	rule.Enabled = enabled == 1
	rule.Privacy = domain.PrivacyType(privacy)
	rule.ResetOnProgress = reset == 1
	rule.DeletePrivate = deletePriv == 1
	return &rule, nil
}

func (s *RuleStore) CreateSlowRule(ctx context.Context, rule *SlowRule) (*SlowRule, error) {
	privacy, err := normalizePrivacy(rule.Privacy)
	if err != nil {
		return nil, err
	}
	if err := validateCoverage(rule.MinCompletion, rule.MaxCompletion); err != nil {
		return nil, err
	}
	if rule.MaxStrikes < 1 {
		return nil, errors.New("maxStrikes must be at least 1")
	}
	if rule.MinSpeedBytes < 0 {
		return nil, errors.New("minSpeedBytes cannot be negative")
	}

	var id int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO slow_rules (name, enabled, max_strikes, privacy, min_completion, max_completion, min_speed_bytes, min_sample_seconds, delete_private)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rule.Name, boolToSQLite(rule.Enabled), rule.MaxStrikes, string(privacy),
		rule.MinCompletion, rule.MaxCompletion, rule.MinSpeedBytes, rule.MinSampleSeconds, boolToSQLite(rule.DeletePrivate),
	).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetSlowRule(ctx, id)
}

func (s *RuleStore) GetSlowRule(ctx context.Context, id int) (*SlowRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, max_strikes, privacy, min_completion, max_completion, min_speed_bytes, min_sample_seconds, delete_private, created_at
		FROM slow_rules WHERE id = ?`, id)
	return scanSlowRule(row)
}

func (s *RuleStore) ListSlowRules(ctx context.Context) ([]*SlowRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, max_strikes, privacy, min_completion, max_completion, min_speed_bytes, min_sample_seconds, delete_private, created_at
		FROM slow_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SlowRule
	for rows.Next() {
		rule, err := scanSlowRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

func (s *RuleStore) DeleteSlowRule(ctx context.Context, id int) error {
	return s.deleteByID(ctx, "slow_rules", id)
}

func scanSlowRule(scanner interface{ Scan(dest ...any) error }) (*SlowRule, error) {
	var (
		rule       SlowRule
		enabled    int
		privacy    string
		deletePriv int
	)
	err := scanner.Scan(
		&rule.ID, &rule.Name, &enabled, &rule.MaxStrikes, &privacy,
		&rule.MinCompletion, &rule.MaxCompletion, &rule.MinSpeedBytes, &rule.MinSampleSeconds,
		&deletePriv, &rule.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	rule.Enabled = enabled == 1
	rule.Privacy = domain.PrivacyType(privacy)
	rule.DeletePrivate = deletePriv == 1
	return &rule, nil
}

func (s *RuleStore) CreateCategoryRule(ctx context.Context, rule *CategoryRule) (*CategoryRule, error) {
	if rule.Category == "" {
		return nil, errors.New("category cannot be empty")
	}
	if rule.MaxRatio < 0 && rule.MaxRatio != -1 {
		return nil, errors.New("maxRatio must be non-negative or the -1 sentinel")
	}
	if rule.MaxSeedTimeSeconds < 0 && rule.MaxSeedTimeSeconds != -1 {
		return nil, errors.New("maxSeedTimeSeconds must be non-negative or the -1 sentinel")
	}

	var id int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO category_rules (category, enabled, max_ratio, min_seed_time_seconds, max_seed_time_seconds, delete_source_files)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rule.Category, boolToSQLite(rule.Enabled), rule.MaxRatio,
		rule.MinSeedTimeSeconds, rule.MaxSeedTimeSeconds, boolToSQLite(rule.DeleteSourceFiles),
	).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetCategoryRule(ctx, id)
}

func (s *RuleStore) GetCategoryRule(ctx context.Context, id int) (*CategoryRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, enabled, max_ratio, min_seed_time_seconds, max_seed_time_seconds, delete_source_files, created_at
		FROM category_rules WHERE id = ?`, id)
	return scanCategoryRule(row)
}

func (s *RuleStore) ListCategoryRules(ctx context.Context) ([]*CategoryRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, enabled, max_ratio, min_seed_time_seconds, max_seed_time_seconds, delete_source_files, created_at
		FROM category_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*CategoryRule
	for rows.Next() {
		rule, err := scanCategoryRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

func (s *RuleStore) DeleteCategoryRule(ctx context.Context, id int) error {
	return s.deleteByID(ctx, "category_rules", id)
}

func scanCategoryRule(scanner interface{ Scan(dest ...any) error }) (*CategoryRule, error) {
	var (
		rule      CategoryRule
		enabled   int
		deleteSrc int
	)
	err := scanner.Scan(
		&rule.ID, &rule.Category, &enabled, &rule.MaxRatio,
		&rule.MinSeedTimeSeconds, &rule.MaxSeedTimeSeconds, &deleteSrc, &rule.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	rule.Enabled = enabled == 1
	rule.DeleteSourceFiles = deleteSrc == 1
	return &rule, nil
}

func (s *RuleStore) AddPattern(ctx context.Context, kind PatternKind, pattern string, isRegex bool) (*Pattern, error) {
	if pattern == "" {
		return nil, errors.New("pattern cannot be empty")
	}

	var p Pattern
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO patterns (kind, pattern, is_regex)
		VALUES (?, ?, ?)
		RETURNING id, created_at`,
		string(kind), pattern, boolToSQLite(isRegex),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = kind
	p.Pattern = pattern
	p.IsRegex = isRegex
	return &p, nil
}

func (s *RuleStore) ListPatterns(ctx context.Context, kind PatternKind) ([]*Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, pattern, is_regex, created_at
		FROM patterns WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Pattern
	for rows.Next() {
		var (
			p       Pattern
			kindStr string
			isRegex int
		)
		if err := rows.Scan(&p.ID, &kindStr, &p.Pattern, &isRegex, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Kind = PatternKind(kindStr)
		p.IsRegex = isRegex == 1
		result = append(result, &p)
	}
	return result, rows.Err()
}

func (s *RuleStore) DeletePattern(ctx context.Context, id int) error {
	return s.deleteByID(ctx, "patterns", id)
}

func (s *RuleStore) deleteByID(ctx context.Context, table string, id int) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}
