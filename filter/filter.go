// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package filter evaluates CEL expressions against journal entries.
//
// Expressions see four variables:
//
//	session   map of session attributes (id, scheme, server_name)
//	duration  exchange duration in milliseconds
//	request   {method, url, host, headers, size}
//	response  {status, headers, size}
package filter

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/martian/v3/har"
)

type Action string

const (
	ActionInvalid Action = ""
	ActionInclude Action = "include"
	ActionExclude Action = "exclude"
)

type Filter struct {
	Expr    string
	Action  Action
	program cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("session", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("duration", cel.IntType),
		cel.Variable("request", cel.DynType),
		cel.Variable("response", cel.DynType),
	)
}

func NewFilter(expr string, action Action) (*Filter, error) {
	switch action {
	case ActionInclude, ActionExclude:
	default:
		return nil, fmt.Errorf("invalid action %q: expected %q or %q", action, ActionInclude, ActionExclude)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("create env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if err = iss.Err(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	if got, want := ast.OutputType(), cel.BoolType; !reflect.DeepEqual(got, want) {
		return nil, fmt.Errorf("invalid output type: got %v, want %v", got, want)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	f := &Filter{Expr: expr, Action: action, program: program}
	if _, err := f.Eval(dummySession, dummy); err != nil {
		return nil, fmt.Errorf("static test: %w", err)
	}
	return f, nil
}

func headerMap(headers []har.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[strings.ToLower(h.Name)] = h.Value
	}
	return m
}

func (f *Filter) Eval(session map[string]string, entry *har.Entry) (bool, error) {
	req := map[string]any{
		"method":  "",
		"url":     "",
		"host":    "",
		"headers": map[string]string{},
		"size":    int64(0),
	}
	if entry.Request != nil {
		req["method"] = entry.Request.Method
		req["url"] = entry.Request.URL
		if u, err := url.Parse(entry.Request.URL); err == nil {
			req["host"] = u.Hostname()
		}
		req["headers"] = headerMap(entry.Request.Headers)
		req["size"] = entry.Request.BodySize
	}

	resp := map[string]any{
		"status":  0,
		"headers": map[string]string{},
		"size":    int64(0),
	}
	if entry.Response != nil {
		resp["status"] = entry.Response.Status
		resp["headers"] = headerMap(entry.Response.Headers)
		resp["size"] = entry.Response.BodySize
	}

	ret, _, err := f.program.Eval(map[string]any{
		"session":  session,
		"duration": entry.Time,
		"request":  req,
		"response": resp,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	if x, ok := ret.Value().(bool); !ok {
		return false, fmt.Errorf("invalid return type: got %T, want bool", ret.Value())
	} else {
		return x, nil
	}
}

// Match returns the first filter in fs that matches entry, or nil. Filters
// that fail to evaluate are skipped.
func Match(fs []*Filter, session map[string]string, entry *har.Entry) *Filter {
	for _, f := range fs {
		ok, err := f.Eval(session, entry)
		if err != nil {
			continue
		}
		if ok {
			return f
		}
	}
	return nil
}

// Include reports whether entry should be kept. The first matching filter
// decides; entries that match nothing are included.
func Include(fs []*Filter, session map[string]string, entry *har.Entry) bool {
	f := Match(fs, session, entry)
	if f == nil {
		return true
	}
	return f.Action == ActionInclude
}

var dummySession = map[string]string{
	"id":          "00000000-0000-0000-0000-000000000000",
	"scheme":      "https",
	"server_name": "example.com",
}

var dummy = &har.Entry{
	Time: 1234,
	Request: &har.Request{
		Method: "GET",
		URL:    "https://example.com/example",
	},
	Response: &har.Response{
		Status: 200,
	},
}
