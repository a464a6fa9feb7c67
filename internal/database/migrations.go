// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

// migrations are applied in order; PRAGMA user_version tracks progress.
var migrations = []string{
	`
CREATE TABLE arr_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	host TEXT NOT NULL,
	api_key_encrypted TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE client_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL DEFAULT 'qbittorrent',
	host TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	password_encrypted TEXT NOT NULL DEFAULT '',
	tls_skip_verify INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE stall_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	max_strikes INTEGER NOT NULL,
	privacy TEXT NOT NULL DEFAULT 'both',
	min_completion REAL NOT NULL DEFAULT 0,
	max_completion REAL NOT NULL DEFAULT 100,
	reset_on_progress INTEGER NOT NULL DEFAULT 1,
	delete_private INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE slow_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	max_strikes INTEGER NOT NULL,
	privacy TEXT NOT NULL DEFAULT 'both',
	min_completion REAL NOT NULL DEFAULT 0,
	max_completion REAL NOT NULL DEFAULT 100,
	min_speed_bytes INTEGER NOT NULL DEFAULT 0,
	min_sample_seconds INTEGER NOT NULL DEFAULT 0,
	delete_private INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE category_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	max_ratio REAL NOT NULL DEFAULT -1,
	min_seed_time_seconds INTEGER NOT NULL DEFAULT 0,
	max_seed_time_seconds INTEGER NOT NULL DEFAULT -1,
	delete_source_files INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	pattern TEXT NOT NULL,
	is_regex INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(kind, pattern)
);

CREATE TABLE job_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_type TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at TIMESTAMP,
	status TEXT
);

CREATE INDEX idx_job_runs_type_started ON job_runs(job_type, started_at);

CREATE TABLE download_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	is_marked_for_removal INTEGER NOT NULL DEFAULT 0,
	is_removed INTEGER NOT NULL DEFAULT 0,
	is_returning INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE strikes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	download_item_id INTEGER NOT NULL REFERENCES download_items(id) ON DELETE CASCADE,
	job_run_id INTEGER NOT NULL REFERENCES job_runs(id) ON DELETE CASCADE,
	strike_type TEXT NOT NULL,
	downloaded_bytes INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(download_item_id, job_run_id, strike_type)
);

CREATE INDEX idx_strikes_item_type ON strikes(download_item_id, strike_type);
`,
}
