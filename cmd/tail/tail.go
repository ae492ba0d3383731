// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/martian/v3/har"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"minux.dev/filter"
	"minux.dev/journal"
	"minux.dev/logging"
)

type filters []string

func (f *filters) String() string {
	var ret []string
	for _, s := range *f {
		ret = append(ret, fmt.Sprintf("%q", s))
	}
	return strings.Join(ret, " ")
}

func (f *filters) Set(s string) error {
	*f = append(*f, s)
	return nil
}

type Tail struct {
	ffcli.Command
	flags struct {
		journal  string
		filters  filters
		format   string
		follow   bool
		interval time.Duration
	}

	out     io.Writer
	compiled []*filter.Filter
	offsets map[string]int64
}

func NewCommand() *ffcli.Command {
	return &newTail(os.Stdout).Command
}

func newTail(out io.Writer) *Tail {
	t := &Tail{out: out, offsets: make(map[string]int64)}

	t.Name = "tail"
	t.ShortUsage = "minux tail [flags]"
	t.ShortHelp = "print requests recorded in a journal directory"
	t.LongHelp = `
The tail command prints the HAR entries recorded by a proxy started with
-journal. Every -filter is a CEL expression over request, response, duration
and session; an entry is printed only if all of them are true.

Examples:
  # Follow failed requests as they are recorded
  minux tail -journal /var/log/minux -follow -filter 'response.status >= 500'
`

	t.FlagSet = flag.NewFlagSet("tail", flag.ContinueOnError)
	t.FlagSet.StringVar(&t.flags.journal, "journal", "", "journal directory to read")
	t.FlagSet.Var(&t.flags.filters, "filter", "list of filters (multiple okay)")
	t.FlagSet.StringVar(&t.flags.format, "format", "text", "either text (default) or json")
	t.FlagSet.BoolVar(&t.flags.follow, "follow", false, "keep waiting for new entries")
	t.FlagSet.DurationVar(&t.flags.interval, "interval", 500*time.Millisecond, "polling interval with -follow")
	t.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	t.Options = []ff.Option{ff.WithEnvVarPrefix("MINUX")}
	t.Exec = t.entrypoint
	return t
}

func (t *Tail) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	if t.flags.journal == "" {
		fmt.Fprintf(os.Stderr, "error: missing -journal\n")
		return flag.ErrHelp
	}

	switch t.flags.format {
	case "text":
	case "json":
	default:
		return fmt.Errorf("unknown format %q", t.flags.format)
	}

	if t.flags.interval <= 0 {
		return fmt.Errorf("invalid interval %v", t.flags.interval)
	}

	for _, expr := range t.flags.filters {
		f, err := filter.NewFilter(expr, filter.ActionInclude)
		if err != nil {
			return fmt.Errorf("filter %q: %w", expr, err)
		}
		t.compiled = append(t.compiled, f)
	}

	return t.run(ctx)
}

func (t *Tail) run(ctx context.Context) error {
	ticker := time.NewTicker(t.flags.interval)
	defer ticker.Stop()

	for {
		if err := t.scan(); err != nil {
			return err
		}
		if !t.flags.follow {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// scan prints every complete line appended to the journal since the last
// call. A trailing partial line is left for the next scan.
func (t *Tail) scan() error {
	files, err := journal.Files(t.flags.journal)
	if err != nil {
		return fmt.Errorf("list journal: %w", err)
	}

	for _, path := range files {
		if err := t.scanFile(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (t *Tail) scanFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	off := t.offsets[path]
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		off += int64(len(line))
		t.offsets[path] = off
		if err := t.print(bytes.TrimSpace(line)); err != nil {
			slog.Warn("skipping unreadable journal line", "path", path, "offset", off, "err", err)
		}
	}
	return nil
}

// session reconstructs the session variables a filter sees from the entry
// alone; the session id is not recorded.
func session(entry *har.Entry) map[string]string {
	s := map[string]string{"id": "", "scheme": "", "server_name": ""}
	if entry.Request == nil {
		return s
	}
	if u, err := url.Parse(entry.Request.URL); err == nil {
		s["scheme"] = u.Scheme
		if u.Scheme == "https" {
			s["server_name"] = u.Hostname()
		}
	}
	return s
}

func (t *Tail) print(line []byte) error {
	if len(line) == 0 {
		return nil
	}

	var entry har.Entry
	if err := json.Unmarshal(line, &entry); err != nil {
		return fmt.Errorf("unmarshal HAR json: %w", err)
	}
	if entry.Request == nil || entry.Response == nil {
		return fmt.Errorf("incomplete entry %q", entry.ID)
	}

	vars := session(&entry)
	for _, f := range t.compiled {
		ok, err := f.Eval(vars, &entry)
		if err != nil {
			slog.Debug("filter evaluation failed", "entry", entry.ID, "filter", f.Expr, "err", err)
			return nil
		}
		if !ok {
			return nil
		}
	}

	switch t.flags.format {
	case "json":
		fmt.Fprintf(t.out, "%s\n", line)
	default:
		fmt.Fprintf(t.out, "%8s    %d    %s %q\n", time.Duration(entry.Time)*time.Millisecond, entry.Response.Status, entry.Request.Method, entry.Request.URL)
	}
	return nil
}
