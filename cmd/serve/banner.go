// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"golang.org/x/term"
	"minux.dev/certstore"
)

// banner prints a startup summary to stderr. It is skipped when stderr is not
// a terminal so that logs stay machine-readable.
func banner(store *certstore.Store, o *options) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return
	}

	var addrs []string
	for _, port := range o.ports {
		addrs = append(addrs, netip.AddrPortFrom(o.bind, port).String())
	}

	lines := []string{
		"Intercepting HTTP and HTTPS on " + strings.Join(addrs, " and "),
		"",
		"CA certificate " + store.Paths().Cert,
		"CA fingerprint " + store.Fingerprint(),
	}
	if o.dns {
		lines = append(lines, "", fmt.Sprintf("DNS on port %d resolves every name to %v", o.dnsPort, o.bind))
	}
	if o.executor != "" {
		lines = append(lines, "", "Fetches delegated to "+o.executor)
	}
	box(os.Stderr, true, "MINUX", lines...)
}

func box(w io.Writer, color bool, title string, body ...string) {
	const (
		HH = "─"
		VV = "│"
		LT = "╭"
		RT = "╮"
		LB = "╰"
		RB = "╯"
	)

	width := 60
	for _, line := range body {
		if 2+len(line)+2 > width {
			width = 2 + len(line) + 2
		}
	}

	prefix, suffix := "", ""
	if color {
		prefix, suffix = "\033[0;34m", "\033[0m"
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, body...)
	lines = append(lines, "")

	fill := width - (1 + len(title) + 1)
	b := new(bytes.Buffer)
	fmt.Fprintf(b, "\n")
	fmt.Fprintf(b, "%s%s%s %s %s%s%s\n", prefix, LT, strings.Repeat(HH, fill/2), title, strings.Repeat(HH, fill-fill/2), RT, suffix)
	for _, line := range lines {
		fmt.Fprintf(b, "%s%s%s  %-*s  %s%s%s\n", prefix, VV, suffix, width-2-2, line, prefix, VV, suffix)
	}
	fmt.Fprintf(b, "%s%s%s%s%s\n", prefix, LB, strings.Repeat(HH, width), RB, suffix)
	fmt.Fprintf(b, "\n")

	// Write it out all at once so that there's no interference with logs.
	w.Write(b.Bytes())
}
