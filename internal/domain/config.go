// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshal target for the TOML configuration file.
type Config struct {
	Version string

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	SessionSecret string `mapstructure:"sessionSecret"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	NotificationsWebhookURL string `mapstructure:"notificationsWebhookUrl"`

	QueueClean QueueCleanConfig `mapstructure:"queueClean"`
	SeedClean  SeedCleanConfig  `mapstructure:"seedClean"`
}

// QueueCleanConfig controls the scheduled queue cleaning pass.
type QueueCleanConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"intervalMinutes"`
	DryRun          bool `mapstructure:"dryRun"`

	// Content blocking
	BlockedPatternsEnabled   bool `mapstructure:"blockedPatternsEnabled"`
	BlockedMaxStrikes        int  `mapstructure:"blockedMaxStrikes"`
	RemoveBlockedImmediately bool `mapstructure:"removeBlockedImmediately"`

	// Trigger an arr search for the removed item after a condemned removal.
	SearchAfterRemoval bool `mapstructure:"searchAfterRemoval"`
}

// SeedCleanConfig controls the scheduled seeding cleanup pass.
type SeedCleanConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"intervalMinutes"`
	DryRun          bool `mapstructure:"dryRun"`

	UnlinkedEnabled  bool   `mapstructure:"unlinkedEnabled"`
	UnlinkedCategory string `mapstructure:"unlinkedCategory"`
	UnlinkedRootDir  string `mapstructure:"unlinkedRootDir"`
}

// RedactString masks secrets for JSON output while signalling presence.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
