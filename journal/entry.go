// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package journal

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/martian/v3/har"
	"github.com/google/uuid"
)

// PayloadLimitBytes caps the decoded body text kept per side of an entry.
var PayloadLimitBytes = 4096

// Exchange is one delegated request/response pair as seen by a session.
type Exchange struct {
	ID         string
	SessionID  string
	Scheme     string
	ServerName string

	// URL is the absolute URL handed to the executor.
	URL string

	Begin time.Time
	End   time.Time

	Request      *http.Request
	RequestBody  []byte
	Response     *http.Response
	ResponseBody []byte
}

func (x *Exchange) session() map[string]string {
	return map[string]string{
		"id":          x.SessionID,
		"scheme":      x.Scheme,
		"server_name": x.ServerName,
	}
}

// decode undoes a single content coding for readability. Unknown codings and
// corrupt payloads are returned unchanged.
func decode(coding string, b []byte) []byte {
	if len(b) == 0 {
		return b
	}

	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return b
		}
		defer gr.Close()
		r = gr
	case "br":
		r = brotli.NewReader(bytes.NewReader(b))
	default:
		return b
	}

	raw, err := io.ReadAll(io.LimitReader(r, int64(PayloadLimitBytes)+1))
	if err != nil {
		return b
	}
	return raw
}

func clip(b []byte) []byte {
	if len(b) > PayloadLimitBytes {
		return b[:PayloadLimitBytes]
	}
	return b
}

// NewEntry converts x into a HAR entry.
func NewEntry(x *Exchange) (*har.Entry, error) {
	if x.Request == nil || x.Response == nil {
		return nil, fmt.Errorf("incomplete exchange")
	}

	req, err := har.NewRequest(x.Request, false)
	if err != nil {
		return nil, fmt.Errorf("parse HAR request: %w", err)
	}
	if x.URL != "" {
		req.URL = x.URL
	}
	req.BodySize = int64(len(x.RequestBody))
	if len(x.RequestBody) > 0 {
		text := clip(decode(x.Request.Header.Get("Content-Encoding"), x.RequestBody))
		req.PostData = &har.PostData{
			MimeType: x.Request.Header.Get("Content-Type"),
			Text:     string(text),
		}
	}

	resp, err := har.NewResponse(x.Response, false)
	if err != nil {
		return nil, fmt.Errorf("parse HAR response: %w", err)
	}
	resp.BodySize = int64(len(x.ResponseBody))
	text := clip(decode(x.Response.Header.Get("Content-Encoding"), x.ResponseBody))
	resp.Content = &har.Content{
		Size:     int64(len(text)),
		MimeType: x.Response.Header.Get("Content-Type"),
		Text:     text,
		Encoding: "base64",
	}

	end := x.End
	if end.IsZero() {
		end = time.Now()
	}

	id := x.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &har.Entry{
		ID:              id,
		StartedDateTime: x.Begin.UTC(),
		Time:            end.Sub(x.Begin).Milliseconds(),
		Request:         req,
		Response:        resp,
		Timings: &har.Timings{
			Send:    -1,
			Wait:    end.Sub(x.Begin).Milliseconds(),
			Receive: -1,
		},
	}, nil
}
