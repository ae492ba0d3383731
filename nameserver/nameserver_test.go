// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package nameserver

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var answer = netip.MustParseAddr("10.0.0.1")

func pack(t *testing.T, m *dns.Msg) []byte {
	t.Helper()
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func query(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = 0x1234
	return pack(t, m)
}

func TestBuildResponseA(t *testing.T) {
	q := query(t, "example.com.", dns.TypeA)

	resp := BuildResponse(q, answer, DefaultTTL)
	require.NotNil(t, resp)

	// Header: same id, QR|RD, RA, one question, one answer.
	assert.Equal(t, q[0:2], resp[0:2])
	assert.Equal(t, []byte{0x81, 0x80}, resp[2:4])
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(resp[4:6]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(resp[6:8]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(resp[8:10]))
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(resp[10:12]))

	// The question section is echoed byte for byte, and the answer name is
	// a pointer back to it.
	qlen := len(q) - headerSize
	assert.Equal(t, q[headerSize:], resp[headerSize:headerSize+qlen])
	rr := resp[headerSize+qlen:]
	assert.Equal(t, []byte{0xc0, 0x0c}, rr[0:2])
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x01}, rr[2:6])
	assert.Equal(t, uint32(60), binary.BigEndian.Uint32(rr[6:10]))
	assert.Equal(t, []byte{0x00, 0x04, 10, 0, 0, 1}, rr[10:16])
	assert.Len(t, rr, 16)

	var m dns.Msg
	require.NoError(t, m.Unpack(resp))
	require.Len(t, m.Answer, 1)
	a, ok := m.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "example.com.", a.Hdr.Name)
	assert.Equal(t, "10.0.0.1", a.A.String())
}

func TestBuildResponseMultipleQuestions(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 7
	m.RecursionDesired = true
	m.Question = []dns.Question{
		{Name: "a.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.test.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET},
		{Name: "c.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "d.test.", Qtype: dns.TypeA, Qclass: dns.ClassCHAOS},
	}

	resp := BuildResponse(pack(t, m), answer, 30)
	require.NotNil(t, resp)

	var r dns.Msg
	require.NoError(t, r.Unpack(resp))
	assert.True(t, r.Response)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Len(t, r.Question, 4)
	require.Len(t, r.Answer, 2)
	assert.Equal(t, "a.test.", r.Answer[0].Header().Name)
	assert.Equal(t, "c.test.", r.Answer[1].Header().Name)
	assert.Equal(t, uint32(30), r.Answer[0].Header().Ttl)
	assert.Empty(t, r.Ns)
	assert.Empty(t, r.Extra)
}

func TestBuildResponseEchoesSharedSuffix(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 9
	m.Question = []dns.Question{
		{Name: "a.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	q := pack(t, m)
	qsec := q[headerSize:]

	resp := BuildResponse(q, answer, DefaultTTL)
	require.NotNil(t, resp)
	require.GreaterOrEqual(t, len(resp), headerSize+len(qsec))
	assert.Equal(t, qsec, resp[headerSize:headerSize+len(qsec)])

	// Each answer points at its own question.
	rr := resp[headerSize+len(qsec):]
	require.Len(t, rr, 32)
	assert.Equal(t, []byte{0xc0, 0x0c}, rr[0:2])
	second := headerSize + len("a.example.com.") + 1 + 4
	assert.Equal(t, []byte{0xc0, byte(second)}, rr[16:18])

	var r dns.Msg
	require.NoError(t, r.Unpack(resp))
	require.Len(t, r.Answer, 2)
	assert.Equal(t, "a.example.com.", r.Answer[0].Header().Name)
	assert.Equal(t, "b.example.com.", r.Answer[1].Header().Name)
}

func TestBuildResponseCompressedQuery(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 10
	m.Compress = true
	m.Question = []dns.Question{
		{Name: "a.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	q := pack(t, m)

	resp := BuildResponse(q, answer, DefaultTTL)
	require.NotNil(t, resp)
	assert.Equal(t, q[headerSize:], resp[headerSize:len(q)])

	var r dns.Msg
	require.NoError(t, r.Unpack(resp))
	require.Len(t, r.Answer, 2)
	assert.Equal(t, "b.example.com.", r.Answer[1].Header().Name)
}

func TestBuildResponseNonA(t *testing.T) {
	q := query(t, "example.com.", dns.TypeAAAA)

	resp := BuildResponse(q, answer, DefaultTTL)
	require.NotNil(t, resp)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(resp[6:8]))
	assert.Equal(t, q[headerSize:], resp[headerSize:])
}

func TestBuildResponseDropped(t *testing.T) {
	notify := new(dns.Msg)
	notify.SetNotify("example.com.")

	empty := make([]byte, headerSize)
	empty[0], empty[1] = 0xab, 0xcd

	truncated := query(t, "example.com.", dns.TypeA)
	truncated = truncated[:headerSize+4]

	overrun := []byte{0, 1, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0, 63, 'a', 'b', 'c'}

	tests := []struct {
		name  string
		query []byte
		addr  netip.Addr
	}{
		{"Short", []byte{0, 1, 2}, answer},
		{"NoQuestions", empty, answer},
		{"Notify", pack(t, notify), answer},
		{"Truncated", truncated, answer},
		{"LabelOverrun", overrun, answer},
		{"IPv6Answer", query(t, "example.com.", dns.TypeA), netip.MustParseAddr("::1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, BuildResponse(tt.query, tt.addr, DefaultTTL))
		})
	}
}

func TestServeUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := &Server{Addr: answer}
	go func() { done <- s.ServeUDP(ctx, pc) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Garbage is dropped without a reply; the next query still works.
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	_, err = conn.Write(query(t, "udp.test.", dns.TypeA))
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var m dns.Msg
	require.NoError(t, m.Unpack(buf[:n]))
	assert.Equal(t, uint16(0x1234), m.Id)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "10.0.0.1", m.Answer[0].(*dns.A).A.String())
}

func startTCP(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := &Server{Addr: answer, TTL: 5}
	go func() { done <- s.ServeTCP(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return lis.Addr().String()
}

func TestServeTCP(t *testing.T) {
	addr := startTCP(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	q := query(t, "tcp.test.", dns.TypeA)
	_, err = conn.Write(append(binary.BigEndian.AppendUint16(nil, uint16(len(q))), q...))
	require.NoError(t, err)

	var hdr [2]byte
	_, err = io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	resp := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)

	var m dns.Msg
	require.NoError(t, m.Unpack(resp))
	require.Len(t, m.Answer, 1)
	assert.Equal(t, uint32(5), m.Answer[0].Header().Ttl)

	// One query per connection.
	_, err = conn.Read(hdr[:])
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeTCPOversized(t *testing.T) {
	addr := startTCP(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte{0x02, 0x01})
	require.NoError(t, err)

	_, err = io.ReadAll(conn)
	require.NoError(t, err)
}

func TestServeRejectsIPv6(t *testing.T) {
	s := &Server{Addr: netip.MustParseAddr("fd00::1")}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	assert.Error(t, s.ServeTCP(context.Background(), lis))
}
