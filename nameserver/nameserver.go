// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package nameserver answers every A/IN query with a single fixed IPv4
// address so that all hostnames resolve to the proxy.
package nameserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
)

const (
	DefaultTTL = 60

	// maxMessageSize is the classic DNS message limit; larger TCP messages
	// are refused and larger datagrams are truncated on read.
	maxMessageSize = 512

	headerSize = 12
)

// BuildResponse returns the wire response for query, or nil if query should
// be dropped: it does not parse, is not a standard query, or asks nothing.
// The question section is echoed byte for byte; each A/IN question gets one
// answer pointing at addr. Other question types are echoed without an answer.
func BuildResponse(query []byte, addr netip.Addr, ttl uint32) []byte {
	if len(query) < headerSize {
		return nil
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil
	}

	var q dns.Msg
	if err := q.Unpack(query); err != nil {
		return nil
	}
	if q.Opcode != dns.OpcodeQuery || len(q.Question) == 0 {
		return nil
	}

	// Walk the raw question section to find where each name starts and
	// where the section ends.
	starts := make([]int, len(q.Question))
	off := headerSize
	for i := range q.Question {
		starts[i] = off
		_, next, err := dns.UnpackDomainName(query, off)
		if err != nil || next+4 > len(query) {
			return nil
		}
		off = next + 4
	}
	qend := off

	resp := make([]byte, headerSize, qend+16*len(q.Question))
	binary.BigEndian.PutUint16(resp[0:2], q.Id)
	resp[2] = 0x81 // QR, opcode 0, RD
	resp[3] = 0x80 // RA, rcode 0
	binary.BigEndian.PutUint16(resp[4:6], uint16(len(q.Question)))
	resp = append(resp, query[headerSize:qend]...)

	var answers uint16
	for i, question := range q.Question {
		if question.Qtype != dns.TypeA || question.Qclass != dns.ClassINET {
			continue
		}
		if starts[i] <= 0x3fff {
			resp = append(resp, 0xc0|byte(starts[i]>>8), byte(starts[i]))
		} else {
			// Too far for a pointer; copy the name as it appears in the
			// question, including any pointer it ends with.
			nameEnd := qend
			if i+1 < len(starts) {
				nameEnd = starts[i+1]
			}
			resp = append(resp, query[starts[i]:nameEnd-4]...)
		}
		resp = binary.BigEndian.AppendUint16(resp, dns.TypeA)
		resp = binary.BigEndian.AppendUint16(resp, dns.ClassINET)
		resp = binary.BigEndian.AppendUint32(resp, ttl)
		resp = binary.BigEndian.AppendUint16(resp, net.IPv4len)
		resp = append(resp, addr.AsSlice()...)
		answers++
	}
	binary.BigEndian.PutUint16(resp[6:8], answers)
	return resp
}

// Server is the DNS redirector. The zero TTL means DefaultTTL.
type Server struct {
	Addr netip.Addr
	TTL  uint32
}

func (s *Server) ttl() uint32 {
	if s.TTL == 0 {
		return DefaultTTL
	}
	return s.TTL
}

func (s *Server) check() error {
	if !s.Addr.Unmap().Is4() {
		return fmt.Errorf("nameserver: %v is not an IPv4 address", s.Addr)
	}
	return nil
}

// ServeUDP answers datagrams on pc until ctx is cancelled or pc is closed.
// Replies are best effort.
func (s *Server) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	if err := s.check(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	slog.Info("serving dns", "network", "udp", "addr", pc.LocalAddr(), "answer", s.Addr)

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if n < headerSize {
			continue
		}

		resp := BuildResponse(buf[:n], s.Addr, s.ttl())
		if resp == nil {
			slog.Debug("dropping dns query", "network", "udp", "from", from, "bytes", n)
			continue
		}
		if _, err := pc.WriteTo(resp, from); err != nil {
			slog.Debug("failed to send dns response", "network", "udp", "to", from, "err", err)
		}
	}
}

// ServeTCP answers one length-prefixed query per connection accepted on lis
// until ctx is cancelled or lis is closed.
func (s *Server) ServeTCP(ctx context.Context, lis net.Listener) error {
	if err := s.check(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	slog.Info("serving dns", "network", "tcp", "addr", lis.Addr(), "answer", s.Addr)

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		slog.Debug("failed to read dns message length", "network", "tcp", "from", conn.RemoteAddr(), "err", err)
		return
	}

	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > maxMessageSize {
		slog.Debug("dns message too large", "network", "tcp", "from", conn.RemoteAddr(), "bytes", n)
		return
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(conn, msg); err != nil {
		slog.Debug("failed to read dns message", "network", "tcp", "from", conn.RemoteAddr(), "err", err)
		return
	}

	resp := BuildResponse(msg, s.Addr, s.ttl())
	if resp == nil {
		slog.Debug("dropping dns query", "network", "tcp", "from", conn.RemoteAddr(), "bytes", n)
		return
	}

	out := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(resp)), uint16(len(resp)))
	out = append(out, resp...)
	if _, err := conn.Write(out); err != nil {
		slog.Debug("failed to send dns response", "network", "tcp", "to", conn.RemoteAddr(), "err", err)
	}
}
