// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package config holds the optional YAML configuration file. Command-line
// flags override anything set here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"minux.dev/filter"
)

// Duration is a time.Duration that unmarshals from strings like "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	CA struct {
		// Dir holds mitm-ca.crt and mitm-ca.key. Empty means /etc/ssl/minux.
		Dir string `yaml:"dir"`
	} `yaml:"ca"`

	Trust struct {
		Install *bool `yaml:"install"`
	} `yaml:"trust"`

	DNS struct {
		Enabled *bool  `yaml:"enabled"`
		Port    int    `yaml:"port"`
		TTL     uint32 `yaml:"ttl"`
	} `yaml:"dns"`

	TLS struct {
		DefaultHost   string   `yaml:"default_host"`
		DetectTimeout Duration `yaml:"detect_timeout"`
	} `yaml:"tls"`

	LeafTTL Duration `yaml:"leaf_ttl"`

	Executor struct {
		URL string `yaml:"url"`
	} `yaml:"executor"`

	Journal struct {
		Dir   string `yaml:"dir"`
		Rules []Rule `yaml:"rules"`
	} `yaml:"journal"`
}

type Rule struct {
	If   string `yaml:"if"`
	Then string `yaml:"then"`
}

func (c *Config) Load(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := c.Parse(b); err != nil {
		return err
	}

	slog.Debug("parsed config", "path", path, "rules", len(c.Journal.Rules))
	return nil
}

func (c *Config) Parse(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DNS.Port < 0 || c.DNS.Port > 65535 {
		return fmt.Errorf("dns: invalid port %d", c.DNS.Port)
	}
	if c.LeafTTL < 0 {
		return fmt.Errorf("leaf_ttl: negative duration %v", time.Duration(c.LeafTTL))
	}
	if c.TLS.DetectTimeout < 0 {
		return fmt.Errorf("tls: negative detect_timeout %v", time.Duration(c.TLS.DetectTimeout))
	}
	if c.Executor.URL != "" {
		u, err := url.Parse(c.Executor.URL)
		if err != nil {
			return fmt.Errorf("executor: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss":
		default:
			return fmt.Errorf("executor: unsupported scheme %q: expected ws or wss", u.Scheme)
		}
	}
	if _, err := c.Filters(); err != nil {
		return err
	}
	return nil
}

// Filters compiles the journal rules in order.
func (c *Config) Filters() ([]*filter.Filter, error) {
	var fs []*filter.Filter
	for i, rule := range c.Journal.Rules {
		f, err := filter.NewFilter(rule.If, filter.Action(rule.Then))
		if err != nil {
			return nil, fmt.Errorf("journal: rule %d: %w", i, err)
		}
		fs = append(fs, f)
	}
	return fs, nil
}

// InstallTrust reports whether the CA should be added to the system trust
// store. Defaults to true.
func (c *Config) InstallTrust() bool {
	return c.Trust.Install == nil || *c.Trust.Install
}

// DNSEnabled defaults to true.
func (c *Config) DNSEnabled() bool {
	return c.DNS.Enabled == nil || *c.DNS.Enabled
}
