// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package journal records delegated exchanges as HAR entries, one JSON
// document per line, in size-bounded files under a directory.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"minux.dev/filter"
)

const (
	journalMaxFileSize = 64 << 20 // advance to a new file when the current journal >= ~64MB
	journalSuffix      = ".har.jsonl"
)

type Journal struct {
	dir     string
	filters []*filter.Filter

	mu    sync.Mutex
	curID uuid.UUID
	f     *os.File
	n     int
}

// New opens a journal under dir. Entries are checked against filters in
// order; the first match decides, and unmatched entries are kept.
func New(dir string, filters []*filter.Filter) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &Journal{dir: dir, filters: filters}, nil
}

func (j *Journal) Dir() string {
	return j.dir
}

// Record writes x to the journal unless a filter excludes it. It reports
// whether the entry was written.
func (j *Journal) Record(x *Exchange) (bool, error) {
	entry, err := NewEntry(x)
	if err != nil {
		return false, fmt.Errorf("build entry: %w", err)
	}

	begin := time.Now()
	keep := filter.Include(j.filters, x.session(), entry)
	slog.Debug("evaluated journal filters", "entry", entry.ID, "keep", keep, "took", time.Since(begin).Round(time.Microsecond))
	if !keep {
		return false, nil
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode json: %w", err)
	}
	b = append(b, '\n')

	if err := j.write(b); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Journal) write(b []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil || (j.n > 0 && j.n+len(b) > journalMaxFileSize) {
		if err := j.advanceLocked(); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}

	n, err := j.f.Write(b)
	j.n += n
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// advanceLocked closes the current journal file (if any) and opens a new one.
func (j *Journal) advanceLocked() error {
	if err := j.closeLocked(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	j.curID = uuid.New()
	now := time.Now().UTC()
	name := filepath.Join(j.dir, fmt.Sprintf("%s_%s%s", now.Format("20060102150405"), j.curID, journalSuffix))
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	slog.Debug("advanced to new journal file", "path", name)
	j.f = f
	j.n = 0
	return nil
}

func (j *Journal) closeLocked() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	j.n = 0
	return err
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+journalSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
