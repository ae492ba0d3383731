// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// Runner performs a single fetch. A nil result or status 0 reports a failure
// below HTTP.
type Runner func(ctx context.Context, d *Descriptor) (*Result, []byte)

type pending struct {
	ready  chan struct{}
	result Result
	body   []byte
}

// Local is an in-process executor. Every submitted descriptor runs in its
// own goroutine; its result stays in the pending table until it has been
// fully polled.
type Local struct {
	run Runner

	mu      sync.Mutex
	pending map[uint64]*pending
}

var _ Executor = (*Local)(nil)

func NewLocal(run Runner) *Local {
	return &Local{
		run:     run,
		pending: make(map[uint64]*pending),
	}
}

func (l *Local) Submit(ctx context.Context, d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}

	p := &pending{ready: make(chan struct{})}

	l.mu.Lock()
	if _, ok := l.pending[d.ID]; ok {
		l.mu.Unlock()
		return fmt.Errorf("submit %d: %w", d.ID, ErrDuplicateID)
	}
	l.pending[d.ID] = p
	l.mu.Unlock()

	go func() {
		defer close(p.ready)
		res, body := l.run(ctx, d)
		if res == nil {
			res = &Result{}
		}
		p.result = *res
		p.result.ID = d.ID
		p.result.Ready = true
		p.result.BodyLength = int64(len(body))
		p.body = body
	}()
	return nil
}

func (l *Local) get(id uint64) (*pending, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[id]
	if !ok {
		return nil, fmt.Errorf("%d: %w", id, ErrUnknownID)
	}
	return p, nil
}

func (l *Local) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

func (l *Local) wait(ctx context.Context, id uint64) (*pending, error) {
	p, err := l.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.ready:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PollHeaders waits for the fetch to finish. Entries without a body are
// released here since no PollBody call will follow.
func (l *Local) PollHeaders(ctx context.Context, id uint64) (*Result, error) {
	p, err := l.wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("poll headers: %w", err)
	}
	res := p.result
	res.Headers = append([]Header(nil), p.result.Headers...)
	if res.BodyLength == 0 {
		l.remove(id)
	}
	return &res, nil
}

func (l *Local) PollBody(ctx context.Context, id uint64) ([]byte, error) {
	p, err := l.wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("poll body: %w", err)
	}
	l.remove(id)
	return p.body, nil
}

// Pending returns the number of requests not yet fully polled.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// HTTPRunner returns a Runner that performs fetches with rt. Transport
// errors are reported as status 0.
func HTTPRunner(rt http.RoundTripper) Runner {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return func(ctx context.Context, d *Descriptor) (*Result, []byte) {
		req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, bytes.NewReader(d.Body))
		if err != nil {
			slog.Debug("failed to build fetch request", "fetch", d, "err", err)
			return &Result{Status: 0}, nil
		}
		for _, h := range d.Headers {
			if hopHeaders[http.CanonicalHeaderKey(h.Name)] {
				continue
			}
			req.Header.Add(h.Name, h.Value)
		}

		resp, err := rt.RoundTrip(req)
		if err != nil {
			slog.Debug("fetch failed", "fetch", d, "err", err)
			return &Result{Status: 0}, nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			slog.Debug("failed to read fetch response body", "fetch", d, "err", err)
			return &Result{Status: 0}, nil
		}

		return &Result{
			Status:  resp.StatusCode,
			Headers: flattenHeaders(resp.Header, func(name string) bool { return !hopHeaders[name] }),
		}, body
	}
}
