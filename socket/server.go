// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package socket accepts intercepted connections, tells TLS from plain HTTP,
// and runs an HTTP session on each one that delegates every request to a
// fetch executor.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"minux.dev/event"
	"minux.dev/fetch"
	"minux.dev/journal"
	"minux.dev/stats"
	"minux.dev/tls"
)

type Server struct {
	Terminator *tls.Terminator
	Delegate   *fetch.Delegate

	// Journal and Events are optional observers of completed exchanges.
	Journal *journal.Journal
	Events  *event.Sink

	// Stats is optional.
	Stats *stats.Counters

	// DetectTimeout bounds the wait for a client's first bytes. Zero means
	// no limit.
	DetectTimeout time.Duration
}

// Serve accepts connections on lis until ctx is cancelled or lis is closed,
// running one session per connection in its own goroutine. Cancelling ctx
// also closes every open session. Serve waits for sessions to finish before
// returning.
func (srv *Server) Serve(ctx context.Context, lis net.Listener) error {
	if srv.Delegate == nil {
		return fmt.Errorf("socket: server has no delegate")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	slog.Info("listening for new connections", "addr", lis.Addr())

	var delay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				slog.Debug("accept failed, retrying", "addr", lis.Addr(), "delay", delay, "err", err)
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.serveConn(ctx, conn)
		}()
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	s := newSession(srv, conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			slog.Debug("failed to set TCP_NODELAY", "session", s, "err", err) // not fatal
		}
	}

	srv.Stats.SessionStarted()
	defer srv.Stats.SessionEnded()

	slog.Debug("accepted connection", "session", s)
	err := s.run(ctx)
	s.state = stateClosed

	switch {
	case err == nil:
		slog.Debug("session closed", "session", s, "took", time.Since(s.begin).Round(time.Microsecond))
	case errors.Is(err, ErrHandshake):
		srv.Stats.HandshakeFailed()
		slog.Warn("session failed", "session", s, "err", err)
	case errors.Is(err, ErrDelegate):
		srv.Stats.DelegateFailed()
		slog.Warn("session failed", "session", s, "err", err)
	default:
		slog.Debug("session failed", "session", s, "err", err)
	}
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", serr)
	}
	return nil
}

// Listen opens a stream listener with SO_REUSEADDR set.
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(ctx, network, addr)
}

// ListenPacket opens a packet listener with SO_REUSEADDR set.
func ListenPacket(ctx context.Context, network, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.ListenPacket(ctx, network, addr)
}
