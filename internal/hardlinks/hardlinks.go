// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hardlinks answers whether torrent payload files are still linked
// into a media library. A file with a single link count has no copy outside
// the download directory, so deleting the torrent data would be final.
package hardlinks

import (
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// Checker inspects link counts under a content path.
type Checker interface {
	// HasLinkedFiles reports whether any regular file under path has more
	// than one hardlink.
	HasLinkedFiles(path string) (bool, error)
}

// FSChecker walks the real filesystem.
type FSChecker struct{}

func NewChecker() *FSChecker {
	return &FSChecker{}
}

func (c *FSChecker) HasLinkedFiles(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	if !info.IsDir() {
		return linkCount(info) > 1, nil
	}

	linked := false
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if linked || !d.Type().IsRegular() {
			if linked {
				return fs.SkipAll
			}
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if linkCount(fi) > 1 {
			linked = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return linked, nil
}

func linkCount(info fs.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Nlink)
	}
	// Platforms without stat link counts report 1, treating every file as
	// unlinked rather than silently protected.
	return 1
}
