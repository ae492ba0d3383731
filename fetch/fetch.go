// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package fetch turns intercepted HTTP requests into fetches performed by an
// external executor. The executor is driven through three ordered calls
// keyed by a correlation ID: Submit, PollHeaders and PollBody.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	MaxMethodLen = 31
	MaxURLLen    = 4095
	MaxHeaders   = 64
	MaxFieldLen  = 255
)

// ServerName is sent in the Server header of synthesized responses.
const ServerName = "minux"

var (
	ErrDelegate    = errors.New("delegate failed")
	ErrDuplicateID = errors.New("duplicate correlation id")
	ErrUnknownID   = errors.New("unknown correlation id")
)

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Descriptor is the request handed to an executor.
type Descriptor struct {
	ID      uint64   `json:"id"`
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
	Body    []byte   `json:"body,omitempty"`
}

func (d *Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", d.ID),
		slog.String("method", d.Method),
		slog.String("url", d.URL),
		slog.Int("headers", len(d.Headers)),
		slog.Int("body", len(d.Body)),
	)
}

// Result is what an executor reports once response headers are available.
// Status 0 means the fetch failed below HTTP (DNS, connect, CORS, ...).
type Result struct {
	ID         uint64   `json:"id"`
	Ready      bool     `json:"ready"`
	Status     int      `json:"status"`
	BodyLength int64    `json:"bodyLength"`
	Headers    []Header `json:"headers,omitempty"`
}

// Executor performs fetches on behalf of the proxy.
type Executor interface {
	// Submit hands a request to the executor.
	Submit(ctx context.Context, d *Descriptor) error

	// PollHeaders blocks until the response status and headers for id are
	// available.
	PollHeaders(ctx context.Context, id uint64) (*Result, error)

	// PollBody blocks until the full response body for id is available.
	PollBody(ctx context.Context, id uint64) ([]byte, error)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// The executor recomputes these.
var skipHeaders = map[string]bool{
	"Host":           true,
	"User-Agent":     true,
	"Content-Length": true,
}

// NewDescriptor builds the descriptor for req. The URL is reconstructed from
// scheme, the Host header and the request target.
func NewDescriptor(id uint64, req *http.Request, scheme string, body []byte) *Descriptor {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}

	target := req.RequestURI
	if target == "" || (req.URL != nil && req.URL.IsAbs()) {
		target = req.URL.RequestURI()
	}

	d := &Descriptor{
		ID:     id,
		Method: truncate(req.Method, MaxMethodLen),
		URL:    truncate(scheme+"://"+host+target, MaxURLLen),
		Body:   body,
	}
	d.Headers = flattenHeaders(req.Header, func(name string) bool { return !skipHeaders[name] })
	return d
}

func flattenHeaders(h http.Header, keep func(string) bool) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var ret []Header
	for _, name := range names {
		if !keep(http.CanonicalHeaderKey(name)) {
			continue
		}
		for _, val := range h[name] {
			if len(ret) >= MaxHeaders {
				return ret
			}
			ret = append(ret, Header{Name: truncate(name, MaxFieldLen), Value: truncate(val, MaxFieldLen)})
		}
	}
	return ret
}

// Delegate runs the submit/poll exchange for intercepted requests.
type Delegate struct {
	exec Executor
	next atomic.Uint64
}

func NewDelegate(exec Executor) *Delegate {
	d := &Delegate{exec: exec}
	// Seeded from the clock so IDs stay unique across restarts against a
	// long-lived executor.
	d.next.Store(uint64(time.Now().UnixNano()))
	return d
}

// NextID returns a fresh correlation ID.
func (d *Delegate) NextID() uint64 {
	return d.next.Add(1)
}

// Do delegates req to the executor and returns the response to send to the
// client along with the correlation ID used. On failure the returned
// response is a synthesized 400 that closes the connection, and the error
// wraps ErrDelegate.
func (d *Delegate) Do(ctx context.Context, req *http.Request, scheme string, body []byte) (*http.Response, uint64, error) {
	id := d.NextID()
	desc := NewDescriptor(id, req, scheme, body)

	begin := time.Now()
	if err := d.exec.Submit(ctx, desc); err != nil {
		return BadRequest(req, "Request submit failed"), id, fmt.Errorf("%w: submit: %w", ErrDelegate, err)
	}

	res, err := d.exec.PollHeaders(ctx, id)
	if err != nil {
		return BadRequest(req, "Poll response headers failed"), id, fmt.Errorf("%w: poll headers: %w", ErrDelegate, err)
	}

	var respBody []byte
	if res.BodyLength > 0 {
		respBody, err = d.exec.PollBody(ctx, id)
		if err != nil {
			return BadRequest(req, "Poll response body failed"), id, fmt.Errorf("%w: poll body: %w", ErrDelegate, err)
		}
		if int64(len(respBody)) != res.BodyLength {
			return BadRequest(req, "Response body length mismatch"), id, fmt.Errorf("%w: poll body: got %d bytes, want %d", ErrDelegate, len(respBody), res.BodyLength)
		}
	}

	switch {
	case res.Status == 0:
		return BadRequest(req, "Fetch failed, either due to CORS policy violation or network error."), id, fmt.Errorf("%w: fetch failed", ErrDelegate)
	case res.Status < 100 || res.Status > 999:
		return BadRequest(req, "Invalid response status"), id, fmt.Errorf("%w: invalid status %d", ErrDelegate, res.Status)
	}

	slog.Debug("delegated fetch complete", "fetch", desc, "status", res.Status, "bytes", len(respBody), "took", time.Since(begin).Round(time.Microsecond))
	return newResponse(req, res, respBody), id, nil
}

// bodiless reports whether a response to req with the given status carries
// no body on the wire, whatever its Content-Length says.
func bodiless(req *http.Request, status int) bool {
	if req != nil && req.Method == http.MethodHead {
		return true
	}
	return status == http.StatusNoContent || status == http.StatusNotModified
}

func newResponse(req *http.Request, res *Result, body []byte) *http.Response {
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", res.Status, http.StatusText(res.Status)),
		StatusCode:    res.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(res.Headers)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}

	declared := int64(-1)
	for _, h := range res.Headers {
		switch http.CanonicalHeaderKey(h.Name) {
		case "Content-Length":
			if n, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64); err == nil && n >= 0 {
				declared = n
			}
		case "Transfer-Encoding":
			// The body is fully buffered; its length is authoritative.
		default:
			resp.Header.Add(h.Name, h.Value)
		}
	}

	// HEAD and 304 responses describe a representation they do not carry, so
	// the executor's length is passed through. 204 never has one.
	if bodiless(req, res.Status) {
		resp.Body = http.NoBody
		resp.ContentLength = declared
		if res.Status == http.StatusNoContent {
			resp.ContentLength = -1
		}
	}

	resp.Close = req.Close
	for _, v := range resp.Header.Values("Connection") {
		if strings.EqualFold(strings.TrimSpace(v), "close") {
			resp.Close = true
		}
	}
	return resp
}

// WriteResponse writes resp to w in HTTP/1.1 wire format. Responses without
// a body on the wire are written by hand so that a known Content-Length is
// kept; everything else goes through http.Response.Write.
func WriteResponse(w io.Writer, resp *http.Response) error {
	if !bodiless(resp.Request, resp.StatusCode) {
		return resp.Write(w)
	}

	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	if resp.ContentLength >= 0 && resp.StatusCode != http.StatusNoContent {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if resp.Close {
		closing := false
		for _, v := range h.Values("Connection") {
			if strings.EqualFold(strings.TrimSpace(v), "close") {
				closing = true
			}
		}
		if !closing {
			h.Add("Connection", "close")
		}
	}

	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	if _, err := fmt.Fprintf(w, "HTTP/%d.%d %03d %s\r\n", resp.ProtoMajor, resp.ProtoMinor, resp.StatusCode, text); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// BadRequest synthesizes a 400 response with a short plain text diagnostic.
// The response always closes the connection.
func BadRequest(req *http.Request, why string) *http.Response {
	return &http.Response{
		Status:     "400 Bad Request",
		StatusCode: http.StatusBadRequest,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Server":       {ServerName},
			"Content-Type": {"text/plain"},
		},
		Body:          io.NopCloser(strings.NewReader(why)),
		ContentLength: int64(len(why)),
		Close:         true,
		Request:       req,
	}
}
