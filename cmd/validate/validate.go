// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package validate

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"minux.dev/config"
)

type Command struct {
	flags struct {
		config string
	}
	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "validate"
	c.ShortUsage = "minux validate [flags]"
	c.ShortHelp = "validate a minux configuration file"
	c.LongHelp = `
The validate command parses a configuration file and compiles every journal
rule without starting the proxy. It accepts a path either via the -config
flag or the MINUX_CONFIG environment variable.

Examples:
  # Validate a config file
  minux validate -config /etc/minux/minux.yaml

  # Validate the file named in the environment
  export MINUX_CONFIG=/etc/minux/minux.yaml
  minux validate

`

	c.FlagSet = flag.NewFlagSet("validate", flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file to validate")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("MINUX")}
	c.Exec = c.exec
	return &c.Command
}

func (c *Command) exec(ctx context.Context, args []string) error {
	if c.flags.config == "" {
		return fmt.Errorf("no config provided via -config flag or MINUX_CONFIG environment variable")
	}

	var cfg config.Config
	if err := cfg.Load(c.flags.config); err != nil {
		return fmt.Errorf("invalid config %s: %w", c.flags.config, err)
	}

	slog.Info("config validation successful", "path", c.flags.config, "rules", len(cfg.Journal.Rules), "executor", cfg.Executor.URL != "")
	return nil
}
