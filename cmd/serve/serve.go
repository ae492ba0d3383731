// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package serve is the minux root command: it bootstraps the CA, then runs
// the intercepting proxy on two ports and the DNS redirector on port 53.
package serve

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sys/unix"
	"minux.dev/certstore"
	"minux.dev/cmd/version"
	"minux.dev/config"
	"minux.dev/event"
	"minux.dev/fetch"
	"minux.dev/filter"
	"minux.dev/journal"
	"minux.dev/logging"
	"minux.dev/nameserver"
	"minux.dev/socket"
	"minux.dev/stats"
	"minux.dev/tls"
)

type Command struct {
	flags struct {
		config        string
		log           bool
		dns           bool
		dnsPort       int
		dnsTTL        uint
		executor      string
		journal       string
		caDir         string
		trust         bool
		defaultHost   string
		leafTTL       time.Duration
		detectTimeout time.Duration
		statsInterval time.Duration
	}

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	return &newCommand().Command
}

func newCommand() *Command {
	c := new(Command)

	c.Name = "minux"
	c.ShortUsage = "minux [flags] <bind-address> <port1> <port2>"
	c.ShortHelp = "intercept HTTP and HTTPS traffic and delegate it to a fetch executor"
	c.LongHelp = `
minux listens on <bind-address>:<port1> and <bind-address>:<port2>, detects
TLS or plain HTTP on every connection, terminates TLS with certificates
issued on the fly by a local CA, and hands each request to a fetch executor.
A DNS server on <bind-address>:53 resolves every name to <bind-address>.

Examples:
  # Intercept ports 80 and 443 on loopback with the in-process executor
  minux 127.0.0.1 80 443

  # Delegate fetches to a remote executor and print a line per request
  minux -executor ws://10.0.0.2:9000/fetch -log 10.0.0.1 80 443
`

	c.FlagSet = flag.NewFlagSet("minux", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")
	c.FlagSet.BoolVar(&c.flags.log, "log", false, "print an event line to stdout for every request")
	c.FlagSet.BoolVar(&c.flags.dns, "dns", true, "run the DNS redirector")
	c.FlagSet.IntVar(&c.flags.dnsPort, "dns-port", 53, "DNS redirector port")
	c.FlagSet.UintVar(&c.flags.dnsTTL, "dns-ttl", nameserver.DefaultTTL, "TTL of synthesized DNS answers in seconds")
	c.FlagSet.StringVar(&c.flags.executor, "executor", "", "websocket URL of a fetch executor (default: fetch in-process)")
	c.FlagSet.StringVar(&c.flags.journal, "journal", "", "directory to record HAR journal files in")
	c.FlagSet.StringVar(&c.flags.caDir, "ca-dir", "", "directory holding mitm-ca.crt and mitm-ca.key (default /etc/ssl/minux)")
	c.FlagSet.BoolVar(&c.flags.trust, "trust", true, "install the CA into the system trust store")
	c.FlagSet.StringVar(&c.flags.defaultHost, "default-host", "", "certificate host for TLS clients that send no server name")
	c.FlagSet.DurationVar(&c.flags.leafTTL, "leaf-ttl", 0, "expire cached leaf certificates after this long (default never)")
	c.FlagSet.DurationVar(&c.flags.detectTimeout, "detect-timeout", 0, "limit the wait for a client's first bytes (default none)")
	c.FlagSet.DurationVar(&c.flags.statsInterval, "stats-interval", 0, "log proxy counters at this interval (default off)")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("MINUX")}
	c.Exec = c.entrypoint
	return c
}

type options struct {
	bind  netip.Addr
	ports [2]uint16

	paths        certstore.Paths
	installTrust bool
	leafTTL      time.Duration

	defaultHost   string
	detectTimeout time.Duration

	executor string

	dns     bool
	dnsPort int
	dnsTTL  uint32

	journalDir    string
	filters       []*filter.Filter
	log           bool
	statsInterval time.Duration
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

// options resolves positional arguments, the config file and flags. Flags
// set on the command line or through the environment win over the file.
func (c *Command) options(args []string) (*options, error) {
	var cfg config.Config
	if c.flags.config != "" {
		if err := cfg.Load(c.flags.config); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	set := make(map[string]bool)
	c.FlagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	o := &options{
		installTrust:  cfg.InstallTrust(),
		leafTTL:       time.Duration(cfg.LeafTTL),
		defaultHost:   cfg.TLS.DefaultHost,
		detectTimeout: time.Duration(cfg.TLS.DetectTimeout),
		executor:      cfg.Executor.URL,
		dns:           cfg.DNSEnabled(),
		dnsPort:       c.flags.dnsPort,
		dnsTTL:        uint32(c.flags.dnsTTL),
		journalDir:    cfg.Journal.Dir,
		log:           c.flags.log,
		statsInterval: c.flags.statsInterval,
	}
	if cfg.DNS.Port != 0 && !set["dns-port"] {
		o.dnsPort = cfg.DNS.Port
	}
	if cfg.DNS.TTL != 0 && !set["dns-ttl"] {
		o.dnsTTL = cfg.DNS.TTL
	}
	if set["trust"] {
		o.installTrust = c.flags.trust
	}
	if set["leaf-ttl"] {
		o.leafTTL = c.flags.leafTTL
	}
	if set["default-host"] {
		o.defaultHost = c.flags.defaultHost
	}
	if set["detect-timeout"] {
		o.detectTimeout = c.flags.detectTimeout
	}
	if set["executor"] {
		o.executor = c.flags.executor
	}
	if set["dns"] {
		o.dns = c.flags.dns
	}
	if set["journal"] {
		o.journalDir = c.flags.journal
	}

	caDir := cfg.CA.Dir
	if set["ca-dir"] {
		caDir = c.flags.caDir
	}
	o.paths = certstore.DefaultPaths()
	if caDir != "" {
		o.paths = certstore.PathsInDir(caDir)
	}

	filters, err := cfg.Filters()
	if err != nil {
		return nil, err
	}
	o.filters = filters

	bind, err := netip.ParseAddr(args[0])
	if err != nil {
		return nil, fmt.Errorf("parse bind address: %w", err)
	}
	if bind = bind.Unmap(); !bind.Is4() {
		return nil, fmt.Errorf("bind address %v: only IPv4 is supported", bind)
	}
	o.bind = bind

	for i, arg := range args[1:] {
		port, err := parsePort(arg)
		if err != nil {
			return nil, err
		}
		o.ports[i] = port
	}
	if o.dnsPort <= 0 || o.dnsPort > 65535 {
		return nil, fmt.Errorf("invalid dns port %d", o.dnsPort)
	}
	return o, nil
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()
	slog.Debug("starting minux", "release", version.Release, slog.Group("commit", "hash", version.CommitHash, "time", version.CommitTime), "build", version.BuildTime)

	if len(args) != 3 {
		fmt.Fprintf(os.Stderr, "error: expected 3 arguments, got %d\n", len(args))
		return flag.ErrHelp
	}

	o, err := c.options(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	return run(ctx, o)
}

func run(ctx context.Context, o *options) error {
	var storeOpts []certstore.Option
	if !o.installTrust {
		storeOpts = append(storeOpts, certstore.WithoutTrustInstall())
	}
	if o.leafTTL > 0 {
		storeOpts = append(storeOpts, certstore.WithLeafTTL(o.leafTTL))
	}
	if o.installTrust && !certstore.IsKnownBundlePath(o.paths.TrustBundle) {
		slog.Warn("trust bundle is not a known system path, clients may not pick up the CA", "bundle", o.paths.TrustBundle)
	}
	store := certstore.New(o.paths, storeOpts...)
	if err := store.EnsureCA(); err != nil {
		return fmt.Errorf("bootstrap CA: %w", err)
	}

	exec, closeExec, err := newExecutor(ctx, o.executor)
	if err != nil {
		return err
	}
	defer closeExec()

	counters := new(stats.Counters)
	srv := &socket.Server{
		Delegate:      fetch.NewDelegate(exec),
		DetectTimeout: o.detectTimeout,
		Stats:         counters,
	}

	var tlsOpts []tls.Option
	if o.defaultHost != "" {
		tlsOpts = append(tlsOpts, tls.WithDefaultHost(o.defaultHost))
	}
	srv.Terminator = tls.NewTerminator(store, tlsOpts...)

	if o.log {
		srv.Events = event.NewSink(os.Stdout)
	}
	if o.journalDir != "" {
		j, err := journal.New(o.journalDir, o.filters)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		srv.Journal = j
	}

	// Every listener is bound before anything is served so that a busy port
	// fails startup as a whole.
	var closers []func() error
	defer func() {
		for _, fn := range closers {
			fn()
		}
	}()

	var proxies []net.Listener
	for _, port := range o.ports {
		lis, err := socket.Listen(ctx, "tcp4", netip.AddrPortFrom(o.bind, port).String())
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", port, err)
		}
		closers = append(closers, lis.Close)
		proxies = append(proxies, lis)
	}

	var dnsUDP net.PacketConn
	var dnsTCP net.Listener
	if o.dns {
		addr := netip.AddrPortFrom(o.bind, uint16(o.dnsPort)).String()
		if dnsUDP, err = socket.ListenPacket(ctx, "udp4", addr); err != nil {
			return fmt.Errorf("listen dns udp: %w", err)
		}
		closers = append(closers, dnsUDP.Close)
		if dnsTCP, err = socket.Listen(ctx, "tcp4", addr); err != nil {
			return fmt.Errorf("listen dns tcp: %w", err)
		}
		closers = append(closers, dnsTCP.Close)
	}

	banner(store, o)

	var wg sync.WaitGroup
	errs := make(chan error, len(proxies)+2)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, lis := range proxies {
		spawn("proxy "+lis.Addr().String(), func() error { return srv.Serve(ctx, lis) })
	}
	if o.dns {
		ns := &nameserver.Server{Addr: o.bind, TTL: o.dnsTTL}
		spawn("dns udp", func() error { return ns.ServeUDP(ctx, dnsUDP) })
		spawn("dns tcp", func() error { return ns.ServeTCP(ctx, dnsTCP) })
	}
	go stats.Report(ctx, counters, o.statsInterval, func() []any {
		return []any{"certificates", store.Len()}
	})

	var all []error
	select {
	case <-ctx.Done():
	case err := <-errs:
		slog.Error("server failed, shutting down", "err", err)
		all = append(all, err)
	}
	cancel()
	wg.Wait()
	close(errs)

	for err := range errs {
		all = append(all, err)
	}
	slog.Info("shut down", "proxy", counters.Snapshot())
	return errors.Join(all...)
}

// newExecutor connects to a remote executor, or falls back to fetching
// in-process.
func newExecutor(ctx context.Context, url string) (fetch.Executor, func(), error) {
	if url == "" {
		slog.Debug("using in-process fetch executor")
		return fetch.NewLocal(fetch.HTTPRunner(nil)), func() {}, nil
	}

	r, err := fetch.DialRemote(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to executor: %w", err)
	}
	slog.Info("connected to fetch executor", "url", url)
	return r, func() { r.Close() }, nil
}
