// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package executor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"minux.dev/fetch"
)

func TestServe(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, b)
	}))
	t.Cleanup(backend.Close)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, "/fetch", newRunner(time.Minute)) }()

	remote, err := fetch.DialRemote(context.Background(), "ws://"+lis.Addr().String()+"/fetch")
	require.NoError(t, err)
	defer remote.Close()

	req := httptest.NewRequest("POST", "/echo", strings.NewReader("ping"))
	req.Host = strings.TrimPrefix(backend.URL, "http://")

	resp, _, err := fetch.NewDelegate(remote).Do(context.Background(), req, "http", []byte("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "POST /echo ping", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeWrongPath(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, lis, "/fetch", newRunner(0))

	_, err = fetch.DialRemote(context.Background(), "ws://"+lis.Addr().String()+"/other")
	assert.Error(t, err)
}
