// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
)

// bufConn is a net.Conn wrapper that supports peeking on the read side.
type bufConn struct {
	mu sync.Mutex
	r  *bufio.Reader
	net.Conn
}

func newBufConn(c net.Conn) *bufConn {
	return &bufConn{r: bufio.NewReader(c), Conn: c}
}

func (c *bufConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r.Read(b)
}

// peekSample waits for the first byte to become available in the read buffer
// and returns the buffered bytes without consuming them. A connection that
// closes before sending anything yields a nil sample and no error.
func (c *bufConn) peekSample() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch _, err := c.r.Peek(1); {
	case err == nil:
	case errors.Is(err, io.EOF):
		return nil, nil
	case errors.Is(err, net.ErrClosed):
		return nil, nil
	default:
		return nil, err
	}

	n := c.r.Buffered()
	b, err := c.r.Peek(n)
	if err != nil {
		panic(fmt.Errorf("impossible: peeking %d > 0 buffered bytes failed: %w", n, err))
	}
	return b, nil
}

// peekAtLeast is like peekSample but waits until n bytes are buffered or the
// connection ends, whichever comes first.
func (c *bufConn) peekAtLeast(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.r.Peek(n)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
	case errors.Is(err, net.ErrClosed):
	default:
		return nil, err
	}
	return b, nil
}

// CloseWrite half-closes the write side of the connection. If the underlying
// net.Conn is not half-closeable (i.e. not a *net.TCPConn), this is a no-op.
func (c *bufConn) CloseWrite() error {
	if c, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return c.CloseWrite()
	}
	return nil
}

const (
	protoTLS     = "tls"
	protoHTTP1   = "http/1"
	protoHTTP2   = "http/2"
	protoUnknown = "unknown"
)

type marker struct {
	name  string
	bytes []byte
}

var markers = func() []marker {
	ms := []marker{
		{protoHTTP1, []byte("GET ")},
		{protoHTTP1, []byte("POST ")},
		{protoHTTP1, []byte("HEAD ")},
		{protoHTTP1, []byte("PUT ")},
		{protoHTTP1, []byte("DELETE ")},
		{protoHTTP1, []byte("OPTIONS ")},
		{protoHTTP1, []byte("PATCH ")},
		{protoHTTP1, []byte("TRACE ")},
		{protoHTTP1, []byte("CONNECT ")},

		{protoHTTP2, []byte("PRI * HTTP/2.0")},
	}

	// TLS handshake record: content type 22, protocol version 3.0 through 3.4.
	for minor := byte(0x00); minor <= 0x04; minor++ {
		ms = append(ms, marker{protoTLS, []byte{0x16, 0x03, minor}})
	}

	// More specific markers should be checked first.
	sort.SliceStable(ms, func(i, j int) bool {
		return len(ms[i].bytes) > len(ms[j].bytes)
	})
	return ms
}()

// guessProtocol classifies the first bytes of a connection.
func guessProtocol(sample []byte) string {
	for _, m := range markers {
		if bytes.HasPrefix(sample, m.bytes) {
			return m.name
		}
	}
	return protoUnknown
}
