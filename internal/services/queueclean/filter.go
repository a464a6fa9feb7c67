// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queueclean

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/models"
)

// ContentFilter decides which files of a torrent are wanted. Patterns are
// compiled once per pass from the configuration snapshot.
type ContentFilter struct {
	literals []string
	regexes  []*regexp.Regexp
}

// NewContentFilter compiles block patterns. Literal patterns match
// case-insensitively as substrings; regex patterns are compiled
// case-insensitive. An invalid regex fails the whole filter so a typo never
// silently disables blocking.
func NewContentFilter(patterns []*models.Pattern) (*ContentFilter, error) {
	f := &ContentFilter{}
	for _, p := range patterns {
		if p.IsRegex {
			re, err := regexp.Compile("(?i)" + p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid block pattern %q: %w", p.Pattern, err)
			}
			f.regexes = append(f.regexes, re)
		} else {
			f.literals = append(f.literals, strings.ToLower(p.Pattern))
		}
	}
	return f, nil
}

// Empty reports whether the filter has no patterns at all.
func (f *ContentFilter) Empty() bool {
	return len(f.literals) == 0 && len(f.regexes) == 0
}

// matchFile returns the first pattern blocking the file name, if any.
func (f *ContentFilter) matchFile(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, lit := range f.literals {
		if strings.Contains(lower, lit) {
			return lit, true
		}
	}
	for _, re := range f.regexes {
		if re.MatchString(name) {
			return re.String(), true
		}
	}
	return "", false
}

// FileDecision is the per-file outcome of a filter evaluation.
type FileDecision struct {
	Index   int
	Name    string
	Blocked bool
	Pattern string
}

// FilterDecision aggregates per-file outcomes. ToSkip lists files that are
// blocked but not yet skipped at the client. AllFilesBlocked is true when
// every file still wanted by the client is unwanted by the filter, meaning
// the transfer contributes nothing.
type FilterDecision struct {
	Files           []FileDecision
	ToSkip          []int
	AllFilesBlocked bool
}

// Evaluate runs the filter over a torrent's file list. It only reports
// decisions; applying the skip priorities is the orchestrator's job.
func (f *ContentFilter) Evaluate(files []domain.TorrentFile) FilterDecision {
	decision := FilterDecision{Files: make([]FileDecision, 0, len(files))}

	wanted := 0
	wantedBlocked := 0

	for _, file := range files {
		pattern, blocked := f.matchFile(file.Name)
		decision.Files = append(decision.Files, FileDecision{
			Index:   file.Index,
			Name:    file.Name,
			Blocked: blocked,
			Pattern: pattern,
		})

		if file.Skipped() {
			continue
		}
		wanted++
		if blocked {
			wantedBlocked++
			decision.ToSkip = append(decision.ToSkip, file.Index)
		}
	}

	decision.AllFilesBlocked = wanted > 0 && wanted == wantedBlocked
	return decision
}
