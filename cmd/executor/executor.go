// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package executor runs a standalone fetch executor that proxies accept over
// a websocket and performs the delegated HTTP requests on their behalf.
package executor

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
	"minux.dev/cmd/version"
	"minux.dev/fetch"
	"minux.dev/logging"
	"minux.dev/socket"
)

type Command struct {
	flags struct {
		listen  string
		path    string
		timeout time.Duration
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "executor"
	c.ShortUsage = "minux executor [flags]"
	c.ShortHelp = "run a fetch executor for remote proxies"
	c.LongHelp = `
The executor command serves the fetch protocol over a websocket. Proxies
started with -executor ws://<listen><path> submit their intercepted requests
here and the executor performs them with its own network access.

Examples:
  # Serve on the default address
  minux executor

  # Serve on all interfaces
  minux executor -listen 0.0.0.0:9000
`

	c.FlagSet = flag.NewFlagSet("executor", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.listen, "listen", "127.0.0.1:9000", "local IP:PORT to listen on")
	c.FlagSet.StringVar(&c.flags.path, "path", "/fetch", "HTTP path of the websocket endpoint")
	c.FlagSet.DurationVar(&c.flags.timeout, "timeout", 0, "per-request fetch timeout (default none)")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("MINUX_EXECUTOR")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()
	slog.Debug("starting minux executor", "release", version.Release, slog.Group("commit", "hash", version.CommitHash, "time", version.CommitTime), "build", version.BuildTime)

	if len(args) != 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected arguments %q\n", args)
		return flag.ErrHelp
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	lis, err := socket.Listen(ctx, "tcp", c.flags.listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("serving fetch executor", "addr", lis.Addr(), "path", c.flags.path)
	return Serve(ctx, lis, c.flags.path, newRunner(c.flags.timeout))
}

func newRunner(timeout time.Duration) fetch.Runner {
	run := fetch.HTTPRunner(nil)
	if timeout <= 0 {
		return run
	}
	return func(ctx context.Context, d *fetch.Descriptor) (*fetch.Result, []byte) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return run(ctx, d)
	}
}

// Serve runs the websocket endpoint on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, path string, run fetch.Runner) error {
	mux := http.NewServeMux()
	mux.Handle(path, fetch.Handler(fetch.NewLocal(run)))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(lis) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("executor shutdown", "err", err)
		srv.Close()
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
