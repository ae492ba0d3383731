// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"minux.dev/cmd/ca"
	"minux.dev/cmd/executor"
	"minux.dev/cmd/serve"
	"minux.dev/cmd/tail"
	"minux.dev/cmd/validate"
	"minux.dev/cmd/version"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := serve.NewCommand()
	c.Subcommands = append(c.Subcommands, executor.NewCommand())
	c.Subcommands = append(c.Subcommands, ca.NewCommand())
	c.Subcommands = append(c.Subcommands, tail.NewCommand())
	c.Subcommands = append(c.Subcommands, validate.NewCommand())
	c.Subcommands = append(c.Subcommands, version.NewCommand())
	c.FlagSet.SetOutput(os.Stderr)

	switch err := c.Parse(os.Args[1:]); {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		return
	case strings.Contains(err.Error(), "flag provided but not defined"):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "minux: error: %v\n", err)
		os.Exit(1)
	}

	switch err := c.Run(ctx); {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		fmt.Fprintf(os.Stderr, "%s\n", c.UsageFunc(c))
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "minux: error: %v\n", err)
		os.Exit(1)
	}
}
