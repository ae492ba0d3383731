// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package stats keeps proxy counters and periodically logs them together
// with host load figures.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Counters are updated by the proxy as sessions progress. A nil *Counters
// ignores updates.
type Counters struct {
	accepted          atomic.Int64
	active            atomic.Int64
	exchanges         atomic.Int64
	handshakeFailures atomic.Int64
	delegateFailures  atomic.Int64
}

func (c *Counters) SessionStarted() {
	if c == nil {
		return
	}
	c.accepted.Add(1)
	c.active.Add(1)
}

func (c *Counters) SessionEnded() {
	if c == nil {
		return
	}
	c.active.Add(-1)
}

func (c *Counters) Exchange() {
	if c == nil {
		return
	}
	c.exchanges.Add(1)
}

func (c *Counters) HandshakeFailed() {
	if c == nil {
		return
	}
	c.handshakeFailures.Add(1)
}

func (c *Counters) DelegateFailed() {
	if c == nil {
		return
	}
	c.delegateFailures.Add(1)
}

type Snapshot struct {
	Accepted          int64
	Active            int64
	Exchanges         int64
	HandshakeFailures int64
	DelegateFailures  int64
}

func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Accepted:          c.accepted.Load(),
		Active:            c.active.Load(),
		Exchanges:         c.exchanges.Load(),
		HandshakeFailures: c.handshakeFailures.Load(),
		DelegateFailures:  c.delegateFailures.Load(),
	}
}

func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("accepted", s.Accepted),
		slog.Int64("active", s.Active),
		slog.Int64("exchanges", s.Exchanges),
		slog.Int64("handshakeFailures", s.HandshakeFailures),
		slog.Int64("delegateFailures", s.DelegateFailures),
	)
}

// Report logs a snapshot of c every interval until ctx is cancelled. extra
// is called on each tick for additional attributes.
func Report(ctx context.Context, c *Counters, interval time.Duration, extra func() []any) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		args := []any{"proxy", c.Snapshot()}
		if load, err := getLoadAvgInfo(); err == nil {
			args = append(args, "loadavg", load)
		}
		if avail, err := getMemAvailable(); err == nil {
			args = append(args, "memAvailable", avail)
		}
		if extra != nil {
			args = append(args, extra()...)
		}
		slog.Info("stats", args...)
	}
}

// From [1]:
//
// /proc/loadavg
// The first three fields in this file are load average figures giving the number
// of jobs in the run queue (state R) or waiting for disk I/O (state D) averaged
// over 1, 5, and 15 minutes.
//
// [1] https://man7.org/linux/man-pages/man5/proc_loadavg.5.html
func getLoadAvgInfo() (string, error) {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return "", fmt.Errorf("read /proc/loadavg: %w", err)
	}
	return parseLoadAvg(string(b))
}

func parseLoadAvg(s string) (string, error) {
	values := strings.Fields(s)
	if len(values) < 3 {
		return "", fmt.Errorf("not enough info in /proc/loadavg, expected at least 3 values but got %d", len(values))
	}
	return strings.Join(values[:3], " "), nil
}

// See [1] for details about the /proc/meminfo file.
//
// [1] https://man7.org/linux/man-pages/man5/proc_meminfo.5.html
func getMemAvailable() (string, error) {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return parseMemAvailable(string(b))
}

func parseMemAvailable(s string) (string, error) {
	for _, l := range strings.Split(s, "\n") {
		words := strings.Fields(l)
		if len(words) < 2 {
			continue
		}
		if words[0] == "MemAvailable:" {
			return strings.Join(words[1:], " "), nil
		}
	}
	return "", fmt.Errorf("MemAvailable not found")
}
