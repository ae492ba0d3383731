// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	opSubmit      = "submit"
	opPollHeaders = "poll_headers"
	opPollBody    = "poll_body"
)

const maxFrameBytes = 64 << 20

// frame is a single websocket message in either direction. Replies echo the
// op and id of the call they answer.
type frame struct {
	Op         string      `json:"op"`
	ID         uint64      `json:"id"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
	Result     *Result     `json:"result,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type waitKey struct {
	op string
	id uint64
}

// Remote is an executor reached over a websocket. Calls from many sessions
// share one connection; replies are routed back by (op, id). If the
// connection drops, in-flight calls fail and the next call dials again.
type Remote struct {
	url string

	mu   sync.Mutex
	sess *remoteSession
}

var _ Executor = (*Remote)(nil)

type remoteSession struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu      sync.Mutex
	waiters map[waitKey]chan *frame
}

// DialRemote connects to the executor at url (ws:// or wss://).
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	r := &Remote{url: url}
	if _, err := r.session(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Remote) session(ctx context.Context) (*remoteSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		select {
		case <-r.sess.done:
			slog.Debug("executor connection lost, redialing", "url", r.url, "err", r.sess.err)
			r.sess = nil
		default:
			return r.sess, nil
		}
	}

	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial executor: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &remoteSession{
		conn:    conn,
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: make(map[waitKey]chan *frame),
	}
	go s.readLoop(loopCtx)

	slog.Debug("connected to executor", "url", r.url)
	r.sess = s
	return s, nil
}

func (s *remoteSession) readLoop(ctx context.Context) {
	defer s.conn.CloseNow()
	for {
		var f frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			s.err = err
			close(s.done)
			return
		}

		key := waitKey{op: f.Op, id: f.ID}
		s.mu.Lock()
		ch, ok := s.waiters[key]
		delete(s.waiters, key)
		s.mu.Unlock()

		if !ok {
			slog.Debug("dropping unexpected executor reply", "op", f.Op, "id", f.ID)
			continue
		}
		ch <- &f
	}
}

func (s *remoteSession) call(ctx context.Context, req *frame) (*frame, error) {
	key := waitKey{op: req.Op, id: req.ID}
	ch := make(chan *frame, 1)

	s.mu.Lock()
	if _, ok := s.waiters[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s %d: %w", req.Op, req.ID, ErrDuplicateID)
	}
	s.waiters[key] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, key)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return nil, fmt.Errorf("write %s: %w", req.Op, err)
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, fmt.Errorf("executor: %s", f.Error)
		}
		return f, nil
	case <-s.done:
		return nil, fmt.Errorf("executor connection closed: %w", s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Remote) call(ctx context.Context, req *frame) (*frame, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, req)
}

func (r *Remote) Submit(ctx context.Context, d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}
	_, err := r.call(ctx, &frame{Op: opSubmit, ID: d.ID, Descriptor: d})
	return err
}

func (r *Remote) PollHeaders(ctx context.Context, id uint64) (*Result, error) {
	f, err := r.call(ctx, &frame{Op: opPollHeaders, ID: id})
	if err != nil {
		return nil, err
	}
	if f.Result == nil {
		return nil, fmt.Errorf("poll headers %d: missing result", id)
	}
	return f.Result, nil
}

func (r *Remote) PollBody(ctx context.Context, id uint64) ([]byte, error) {
	f, err := r.call(ctx, &frame{Op: opPollBody, ID: id})
	if err != nil {
		return nil, err
	}
	return f.Body, nil
}

// Close closes the current executor connection, failing in-flight calls.
func (r *Remote) Close() error {
	r.mu.Lock()
	s := r.sess
	r.sess = nil
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	return err
}

// Handler serves the executor side of the websocket protocol on top of exec.
// Each call runs in its own goroutine because polls block until the fetch
// completes.
func Handler(exec Executor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("failed to accept executor websocket", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxFrameBytes)

		var wg sync.WaitGroup
		defer wg.Wait()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		slog.Debug("executor client connected", "remote", r.RemoteAddr)
		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if !errors.Is(err, context.Canceled) {
						slog.Debug("executor client read failed", "remote", r.RemoteAddr, "err", err)
					}
				}
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				reply := serveFrame(ctx, exec, &f)
				if err := wsjson.Write(ctx, conn, reply); err != nil {
					slog.Debug("failed to write executor reply", "op", reply.Op, "id", reply.ID, "err", err)
				}
			}()
		}
	})
}

func serveFrame(ctx context.Context, exec Executor, f *frame) *frame {
	reply := &frame{Op: f.Op, ID: f.ID}
	switch f.Op {
	case opSubmit:
		if f.Descriptor == nil {
			reply.Error = "missing descriptor"
			return reply
		}
		if f.Descriptor.ID != f.ID {
			reply.Error = fmt.Sprintf("descriptor id %d does not match frame id %d", f.Descriptor.ID, f.ID)
			return reply
		}
		if err := exec.Submit(ctx, f.Descriptor); err != nil {
			reply.Error = err.Error()
		}
	case opPollHeaders:
		res, err := exec.PollHeaders(ctx, f.ID)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = res
		}
	case opPollBody:
		body, err := exec.PollBody(ctx, f.ID)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Body = body
		}
	default:
		reply.Error = fmt.Sprintf("unknown op %q", f.Op)
	}
	return reply
}
