// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"minux.dev/event"
	"minux.dev/fetch"
	"minux.dev/journal"
)

var (
	ErrRead      = errors.New("read failed")
	ErrHandshake = errors.New("tls handshake failed")
	ErrDelegate  = fetch.ErrDelegate
	ErrWrite     = errors.New("write failed")
)

type state int

const (
	stateAccepted state = iota
	stateDetecting
	statePlain
	stateTLSHandshaking
	stateReadingRequest
	stateDelegating
	stateWritingResponse
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateDetecting:
		return "detecting"
	case statePlain:
		return "plain"
	case stateTLSHandshaking:
		return "tls_handshaking"
	case stateReadingRequest:
		return "reading_request"
	case stateDelegating:
		return "delegating"
	case stateWritingResponse:
		return "writing_response"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session serves one accepted connection. It is owned by a single goroutine.
type session struct {
	id    uuid.UUID
	srv   *Server
	conn  *bufConn
	begin time.Time

	state      state
	proto      string
	serverName string
	requests   int

	// base carries the per-session tags every exchange event starts from.
	base *event.Event
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		id:    uuid.New(),
		srv:   srv,
		conn:  newBufConn(conn),
		begin: time.Now(),
		state: stateAccepted,
	}
}

func (s *session) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", s.id.String()),
		slog.String("state", s.state.String()),
		slog.Any("remote", s.conn.RemoteAddr()),
	}
	if s.proto != "" {
		attrs = append(attrs, slog.String("proto", s.proto))
	}
	if s.serverName != "" {
		attrs = append(attrs, slog.String("serverName", s.serverName))
	}
	if s.requests > 0 {
		attrs = append(attrs, slog.Int("requests", s.requests))
	}
	return slog.GroupValue(attrs...)
}

func (s *session) run(ctx context.Context) error {
	t, err := s.detect(ctx)
	if err != nil || t == nil {
		if cerr := ignoreClosed(s.conn.Close()); cerr != nil {
			slog.Debug("failed to close connection", "session", s, "err", cerr) // not fatal
		}
		return err
	}

	defer func() {
		if err := t.Shutdown(); err != nil && !isReset(err) {
			slog.Debug("failed to shut down transport", "session", s, "err", err) // not fatal
		}
	}()
	return s.loop(ctx, t)
}

// detect classifies the connection and sets up its transport. A nil
// transport with a nil error means the client left before sending anything.
func (s *session) detect(ctx context.Context) (transport, error) {
	s.state = stateDetecting

	if d := s.srv.DetectTimeout; d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
	}

	sample, err := s.conn.peekSample()
	if err == nil && len(sample) > 0 && len(sample) < 3 && sample[0] == 0x16 {
		sample, err = s.conn.peekAtLeast(3)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: detect: %w", ErrRead, err)
	}
	if len(sample) == 0 {
		return nil, nil
	}

	if s.srv.DetectTimeout > 0 {
		s.conn.SetReadDeadline(time.Time{})
	}

	s.proto = guessProtocol(sample)
	slog.Debug("detected protocol", "session", s, "sample", len(sample))

	if s.proto != protoTLS {
		// Anything that isn't TLS is parsed as HTTP/1; the parser rejects
		// garbage.
		s.state = statePlain
		return &plainTransport{bufConn: s.conn}, nil
	}

	s.state = stateTLSHandshaking
	if s.srv.Terminator == nil {
		return nil, fmt.Errorf("%w: no terminator configured", ErrHandshake)
	}
	tconn, info, err := s.srv.Terminator.Handshake(ctx, s.conn)
	if info != nil {
		s.serverName = info.ServerName
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	slog.Debug("terminated tls", "session", s, "tls", info)
	return &tlsTransport{Conn: tconn}, nil
}

func (s *session) loop(ctx context.Context, t transport) error {
	s.base = event.New()
	s.base.Set("session_id", s.id.String())
	if s.serverName != "" {
		s.base.Set("tls_server_name", s.serverName)
	}

	br := bufio.NewReader(t)
	bw := bufio.NewWriter(t)

	for {
		s.state = stateReadingRequest
		req, err := http.ReadRequest(br)
		if err != nil {
			if ctx.Err() != nil || isCleanEOF(err) {
				return nil
			}
			return fmt.Errorf("%w: read request: %w", ErrRead, err)
		}

		if strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
			req.Header.Del("Expect")
			if req.ProtoAtLeast(1, 1) && req.ContentLength != 0 {
				if _, err := io.WriteString(bw, "HTTP/1.1 100 Continue\r\n\r\n"); err == nil {
					err = bw.Flush()
				}
				if err != nil {
					return fmt.Errorf("%w: write 100 continue: %w", ErrWrite, err)
				}
			}
		}

		begin := time.Now()
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: read request body: %w", ErrRead, err)
		}
		s.requests++

		s.state = stateDelegating
		resp, id, derr := s.srv.Delegate.Do(ctx, req, t.Scheme(), body)

		s.state = stateWritingResponse
		respBody, err := bufferBody(resp)
		if err != nil {
			return err
		}

		werr := fetch.WriteResponse(bw, resp)
		if werr == nil {
			werr = bw.Flush()
		}
		s.observe(req, body, resp, respBody, id, begin, t.Scheme())

		switch {
		case werr != nil:
			return fmt.Errorf("%w: write response: %w", ErrWrite, werr)
		case derr != nil:
			return derr
		case req.Close || resp.Close:
			return nil
		}
	}
}

// observe emits the event line and journal entry for a finished exchange.
func (s *session) observe(req *http.Request, reqBody []byte, resp *http.Response, respBody []byte, id uint64, begin time.Time, scheme string) {
	end := time.Now()
	url := fetch.NewDescriptor(id, req, scheme, nil).URL
	s.srv.Stats.Exchange()

	ev := s.base.Copy()
	ev.Setf("correlation_id", "%d", id)
	ev.Set("http_version", req.Proto)
	ev.Set("http_req_method", req.Method)
	ev.Set("http_req_url", url)
	ev.Setf("http_resp_status_code", "%d", resp.StatusCode)
	ev.Setf("http_duration", "%d", end.Sub(begin).Nanoseconds())

	if err := s.srv.Events.Emit(ev); err != nil {
		slog.Debug("failed to emit event", "session", s, "err", err)
	}

	if s.srv.Journal == nil {
		return
	}
	x := &journal.Exchange{
		ID:           ev.Get("event_id"),
		SessionID:    s.id.String(),
		Scheme:       scheme,
		ServerName:   s.serverName,
		URL:          url,
		Begin:        begin,
		End:          end,
		Request:      req,
		RequestBody:  reqBody,
		Response:     resp,
		ResponseBody: respBody,
	}
	if _, err := s.srv.Journal.Record(x); err != nil {
		slog.Debug("failed to record journal entry", "session", s, "err", err)
	}
}

func isCleanEOF(err error) bool {
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, net.ErrClosed):
	case isReset(err):
	default:
		return false
	}
	return true
}

func isReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}

// bufferBody reads resp.Body fully and replaces it with an in-memory copy.
func bufferBody(resp *http.Response) ([]byte, error) {
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", ErrDelegate, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}
