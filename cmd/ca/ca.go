// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package ca

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"minux.dev/certstore"
	"minux.dev/logging"
)

type Command struct {
	flags struct {
		pem         bool
		fingerprint bool
		caDir       string
		trust       bool
	}

	out io.Writer
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	return &newCommand(os.Stdout).Command
}

func newCommand(out io.Writer) *Command {
	c := &Command{out: out}

	c.Name = "ca"
	c.ShortUsage = "minux ca [flags]"
	c.ShortHelp = "create or inspect the interception CA"
	c.LongHelp = `
The ca command loads the interception CA, creating it first if it does not
exist, and prints a summary. Clients that should accept intercepted
connections need to trust the printed certificate.

Examples:
  # Print the CA certificate for installation elsewhere
  minux ca -pem > minux-ca.crt

  # Create a CA in a custom directory without touching the trust store
  minux ca -ca-dir ./ca -trust=false
`

	c.FlagSet = flag.NewFlagSet("ca", flag.ContinueOnError)
	c.FlagSet.BoolVar(&c.flags.pem, "pem", false, "print the CA certificate in PEM format")
	c.FlagSet.BoolVar(&c.flags.fingerprint, "fingerprint", false, "print the SHA-256 fingerprint of the CA certificate")
	c.FlagSet.StringVar(&c.flags.caDir, "ca-dir", "", "directory holding mitm-ca.crt and mitm-ca.key (default /etc/ssl/minux)")
	c.FlagSet.BoolVar(&c.flags.trust, "trust", true, "install the CA into the system trust store")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("MINUX")}
	c.Exec = c.entrypoint
	return c
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	paths := certstore.DefaultPaths()
	if c.flags.caDir != "" {
		paths = certstore.PathsInDir(c.flags.caDir)
	}

	var opts []certstore.Option
	if !c.flags.trust {
		opts = append(opts, certstore.WithoutTrustInstall())
	}
	store := certstore.New(paths, opts...)
	if err := store.EnsureCA(); err != nil {
		return fmt.Errorf("bootstrap CA: %w", err)
	}

	switch {
	case c.flags.pem:
		_, err := c.out.Write(store.CAPEM())
		return err
	case c.flags.fingerprint:
		_, err := fmt.Fprintln(c.out, store.Fingerprint())
		return err
	}

	ca := store.CA()
	fmt.Fprintf(c.out, "subject      %s\n", ca.Subject)
	fmt.Fprintf(c.out, "fingerprint  %s\n", store.Fingerprint())
	fmt.Fprintf(c.out, "valid until  %s\n", ca.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(c.out, "certificate  %s\n", paths.Cert)
	fmt.Fprintf(c.out, "private key  %s\n", paths.Key)
	if c.flags.trust {
		c.writeTrustStatus(paths)
	}
	return nil
}

func (c *Command) writeTrustStatus(paths certstore.Paths) {
	status := "installed"
	if !certstore.IsKnownBundlePath(paths.TrustBundle) {
		status = "installed, not a known system bundle path"
	}
	fmt.Fprintf(c.out, "trust bundle %s (%s)\n", paths.TrustBundle, status)
}
