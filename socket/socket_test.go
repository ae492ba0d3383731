// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"minux.dev/certstore"
	"minux.dev/event"
	"minux.dev/fetch"
	"minux.dev/journal"
	"minux.dev/stats"
	mtls "minux.dev/tls"
)

func TestGuessProtocol(t *testing.T) {
	tests := []struct {
		sample []byte
		want   string
	}{
		{[]byte("GET / HTTP/1.1\r\n"), protoHTTP1},
		{[]byte("POST /x HTTP/1.1\r\n"), protoHTTP1},
		{[]byte("OPTIONS * HTTP/1.1\r\n"), protoHTTP1},
		{[]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"), protoHTTP2},
		{[]byte{0x16, 0x03, 0x00, 0x00, 0x10}, protoTLS},
		{[]byte{0x16, 0x03, 0x01, 0x02, 0x00}, protoTLS},
		{[]byte{0x16, 0x03, 0x03}, protoTLS},
		{[]byte{0x16, 0x03, 0x04}, protoTLS},
		{[]byte{0x16, 0x03, 0x05}, protoUnknown},
		{[]byte{0x17, 0x03, 0x03}, protoUnknown},
		{[]byte{0x16, 0x03}, protoUnknown},
		{[]byte("SSH-2.0-OpenSSH_9.6\r\n"), protoUnknown},
		{[]byte("get / HTTP/1.1\r\n"), protoUnknown},
		{nil, protoUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, guessProtocol(tt.sample), "sample %q", tt.sample)
	}
}

func TestPeekSample(t *testing.T) {
	cli, srv := net.Pipe()
	defer srv.Close()

	go func() {
		cli.Write([]byte("GET / HTTP/1.1\r\n"))
		cli.Close()
	}()

	c := newBufConn(srv)
	sample, err := c.peekSample()
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(sample))

	// Peeking does not consume.
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(b))

	sample, err = c.peekSample()
	require.NoError(t, err)
	assert.Nil(t, sample)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "tls_handshaking", stateTLSHandshaking.String())
	assert.Equal(t, "writing_response", stateWritingResponse.String())
	assert.Equal(t, "state(42)", state(42).String())
}

func echoRunner(ctx context.Context, d *fetch.Descriptor) (*fetch.Result, []byte) {
	return &fetch.Result{
		Status:  200,
		Headers: []fetch.Header{{Name: "Content-Type", Value: "text/plain"}},
	}, []byte(d.Method + " " + d.URL)
}

type testServer struct {
	addr  string
	store *certstore.Store
	stop  func()
}

func startServer(t *testing.T, run fetch.Runner, configure ...func(*Server)) *testServer {
	t.Helper()

	store := certstore.New(certstore.PathsInDir(t.TempDir()), certstore.WithoutTrustInstall())
	require.NoError(t, store.EnsureCA())

	srv := &Server{
		Terminator: mtls.NewTerminator(store),
		Delegate:   fetch.NewDelegate(fetch.NewLocal(run)),
	}
	for _, fn := range configure {
		fn(srv)
	}

	lis, err := Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, lis)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			assert.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)

	return &testServer{addr: lis.Addr().String(), store: store, stop: stop}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func (ts *testServer) dialTLS(t *testing.T, serverName string) *tls.Conn {
	t.Helper()

	pool := x509.NewCertPool()
	pool.AddCert(ts.store.CA())

	conn := tls.Client(ts.dial(t), &tls.Config{
		ServerName: serverName,
		RootCAs:    pool,
	})
	require.NoError(t, conn.Handshake())
	return conn
}

func roundTrip(t *testing.T, br *bufio.Reader, w io.Writer, raw string) (*http.Response, string) {
	t.Helper()

	_, err := io.WriteString(w, raw)
	require.NoError(t, err)

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(b)
}

func assertClosed(t *testing.T, br *bufio.Reader) {
	t.Helper()
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPlainSessionKeepAlive(t *testing.T) {
	ts := startServer(t, echoRunner)
	conn := ts.dial(t)
	br := bufio.NewReader(conn)

	resp, body := roundTrip(t, br, conn, "GET /one HTTP/1.1\r\nHost: example.com\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "GET http://example.com/one", body)
	assert.False(t, resp.Close)

	resp, body = roundTrip(t, br, conn, "POST /two HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "POST http://example.com/two", body)

	resp, body = roundTrip(t, br, conn, "GET /three HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	assert.Equal(t, "GET http://example.com/three", body)
	assert.True(t, resp.Close)
	assertClosed(t, br)
}

func TestTLSSession(t *testing.T) {
	ts := startServer(t, echoRunner)
	conn := ts.dialTLS(t, "example.test")

	state := conn.ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	assert.Equal(t, []string{"example.test"}, state.PeerCertificates[0].DNSNames)
	assert.Equal(t, "example.test", state.PeerCertificates[0].Subject.CommonName)

	br := bufio.NewReader(conn)
	resp, body := roundTrip(t, br, conn, "GET /secure?q=1 HTTP/1.1\r\nHost: example.test\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "GET https://example.test/secure?q=1", body)

	resp, body = roundTrip(t, br, conn, "DELETE /secure HTTP/1.1\r\nHost: example.test\r\n\r\n")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "DELETE https://example.test/secure", body)

	assert.Equal(t, 1, ts.store.Len())
}

func TestTLSSessionWithoutServerName(t *testing.T) {
	ts := startServer(t, echoRunner)

	conn := tls.Client(ts.dial(t), &tls.Config{InsecureSkipVerify: true})
	assert.Error(t, conn.Handshake())
}

func TestTLSSessionDefaultHost(t *testing.T) {
	ts := startServer(t, echoRunner)

	// Restart with a default host on the same store.
	ts.stop()
	ts2 := startServer(t, echoRunner, func(srv *Server) {
		srv.Terminator = mtls.NewTerminator(ts.store, mtls.WithDefaultHost("fallback.internal"))
	})

	conn := tls.Client(ts2.dial(t), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, conn.Handshake())
	assert.Equal(t, []string{"fallback.internal"}, conn.ConnectionState().PeerCertificates[0].DNSNames)
}

func TestSessionFetchFailure(t *testing.T) {
	ts := startServer(t, func(ctx context.Context, d *fetch.Descriptor) (*fetch.Result, []byte) {
		return &fetch.Result{Status: 0}, nil
	})
	conn := ts.dial(t)
	br := bufio.NewReader(conn)

	resp, body := roundTrip(t, br, conn, "GET / HTTP/1.1\r\nHost: blocked.test\r\n\r\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, resp.Close)
	assert.Equal(t, fetch.ServerName, resp.Header.Get("Server"))
	assert.Equal(t, "Fetch failed, either due to CORS policy violation or network error.", body)
	assertClosed(t, br)
}

func TestSessionHeadKeepsContentLength(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "12345")
			return
		}
		io.WriteString(w, "hello")
	}))
	t.Cleanup(upstream.Close)
	host := strings.TrimPrefix(upstream.URL, "http://")

	ts := startServer(t, fetch.HTTPRunner(nil))
	conn := ts.dial(t)
	br := bufio.NewReader(conn)

	_, err := io.WriteString(conn, "HEAD /file HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodHead})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "12345", resp.Header.Get("Content-Length"))
	assert.False(t, resp.Close)

	// The connection is still framed correctly for the next request.
	resp, body := roundTrip(t, br, conn, "GET /file HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

func TestBufferBody(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader("hello"))}
	b, err := bufferBody(resp)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	again, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again))

	broken := &http.Response{Body: io.NopCloser(io.MultiReader(strings.NewReader("par"), iotest.ErrReader(io.ErrUnexpectedEOF)))}
	_, err = bufferBody(broken)
	assert.ErrorIs(t, err, ErrDelegate)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSessionMalformedRequest(t *testing.T) {
	ts := startServer(t, echoRunner)
	conn := ts.dial(t)

	_, err := conn.Write([]byte("\x00\x01\x02 not http at all\r\n\r\n"))
	require.NoError(t, err)
	assertClosed(t, bufio.NewReader(conn))
}

func TestSessionEarlyClose(t *testing.T) {
	ts := startServer(t, echoRunner)
	conn := ts.dial(t)
	require.NoError(t, conn.Close())

	// The server must keep accepting.
	conn = ts.dial(t)
	_, body := roundTrip(t, bufio.NewReader(conn), conn, "GET / HTTP/1.1\r\nHost: a.test\r\n\r\n")
	assert.Equal(t, "GET http://a.test/", body)
}

type lineWriter chan string

func (w lineWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSuffix(string(b), "\n"), "\n") {
		w <- line
	}
	return len(b), nil
}

func TestSessionEvents(t *testing.T) {
	lines := make(lineWriter, 4)
	ts := startServer(t, echoRunner, func(srv *Server) {
		srv.Events = event.NewSink(lines)
	})

	conn := ts.dialTLS(t, "events.test")
	roundTrip(t, bufio.NewReader(conn), conn, "GET /e HTTP/1.1\r\nHost: events.test\r\n\r\n")

	select {
	case line := <-lines:
		assert.Contains(t, line, `tls_server_name="events.test"`)
		assert.Contains(t, line, `http_req_method="GET"`)
		assert.Contains(t, line, `http_req_url="https://events.test/e"`)
		assert.Contains(t, line, `http_resp_status_code="200"`)
	case <-time.After(10 * time.Second):
		t.Fatal("no event line emitted")
	}
}

func TestSessionJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.New(dir, nil)
	require.NoError(t, err)

	ts := startServer(t, echoRunner, func(srv *Server) {
		srv.Journal = j
	})

	conn := ts.dial(t)
	roundTrip(t, bufio.NewReader(conn), conn, "GET /j HTTP/1.1\r\nHost: journal.test\r\nConnection: close\r\n\r\n")
	ts.stop()
	require.NoError(t, j.Close())

	files, err := journal.Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	b, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"url":"http://journal.test/j"`)
	assert.Equal(t, 1, strings.Count(string(b), "\n"))
}

func TestSessionStats(t *testing.T) {
	counters := new(stats.Counters)
	ts := startServer(t, echoRunner, func(srv *Server) {
		srv.Stats = counters
	})

	conn := ts.dial(t)
	roundTrip(t, bufio.NewReader(conn), conn, "GET / HTTP/1.1\r\nHost: a.test\r\nConnection: close\r\n\r\n")

	bad := tls.Client(ts.dial(t), &tls.Config{InsecureSkipVerify: true})
	assert.Error(t, bad.Handshake())

	ts.stop()
	snap := counters.Snapshot()
	assert.Equal(t, int64(2), snap.Accepted)
	assert.Equal(t, int64(0), snap.Active)
	assert.Equal(t, int64(1), snap.Exchanges)
	assert.Equal(t, int64(1), snap.HandshakeFailures)
}
