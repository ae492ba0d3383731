// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package event builds the key="value" lines printed for each proxied
// exchange.
package event

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
}

func New() *Event {
	return &Event{
		keys: []string{"time", "event_id"},
		vals: map[string]string{
			"time":     time.Now().UTC().Format(time.RFC3339Nano),
			"event_id": uuid.NewString(),
		},
	}
}

// Copy returns a new event carrying all of src's keys except "time" and
// "event_id".
func (src *Event) Copy() *Event {
	dst := New()
	dst.CopyFrom(src)
	return dst
}

// CopyFrom copies all tags from src except "time" and "event_id". If a key
// already exists in dst, it will be overwritten.
func (dst *Event) CopyFrom(src *Event) {
	if src == nil {
		return
	}

	src.mu.RLock()
	defer src.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for _, key := range src.keys {
		switch key {
		case "time":
		case "event_id":
		default:
			dst.setLocked(key, src.vals[key])
		}
	}
}

func (ev *Event) Set(key string, val string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.setLocked(key, val)
}

func (ev *Event) Setf(key string, format string, args ...any) {
	ev.Set(key, fmt.Sprintf(format, args...))
}

func (ev *Event) setLocked(key string, val string) {
	if ev.vals == nil {
		ev.vals = make(map[string]string)
	}

	if _, ok := ev.vals[key]; ok {
		ev.vals[key] = val
		return
	}

	ev.keys = append(ev.keys, key)
	ev.vals[key] = val
}

func (ev *Event) Get(key string) string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return ev.vals[key]
}

// Map returns a copy of the event's tags.
func (ev *Event) String() string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	var arr []string
	for _, key := range ev.keys {
		arr = append(arr, fmt.Sprintf("%s=%q", key, ev.vals[key]))
	}
	return strings.Join(arr, " ")
}

// Sink writes one event per line. A nil Sink discards everything.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) Emit(ev *Event) error {
	if s == nil || ev == nil {
		return nil
	}

	line := ev.String() + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line)
	return err
}
