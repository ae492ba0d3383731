// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*options, error) {
	t.Helper()
	c := newCommand()
	require.NoError(t, c.Parse(args))
	return c.options(c.FlagSet.Args())
}

func TestOptionsDefaults(t *testing.T) {
	o, err := parse(t, "127.0.0.1", "80", "443")
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), o.bind)
	assert.Equal(t, [2]uint16{80, 443}, o.ports)
	assert.Equal(t, "/etc/ssl/minux/mitm-ca.crt", o.paths.Cert)
	assert.True(t, o.installTrust)
	assert.True(t, o.dns)
	assert.Equal(t, 53, o.dnsPort)
	assert.Equal(t, uint32(60), o.dnsTTL)
	assert.Empty(t, o.executor)
	assert.Empty(t, o.journalDir)
	assert.Zero(t, o.leafTTL)
}

func TestOptionsFlags(t *testing.T) {
	o, err := parse(t,
		"-dns=false",
		"-dns-port", "5353",
		"-executor", "ws://127.0.0.1:9000/fetch",
		"-ca-dir", "/tmp/ca",
		"-trust=false",
		"-leaf-ttl", "1h",
		"-default-host", "fallback.internal",
		"10.0.0.1", "8080", "8443",
	)
	require.NoError(t, err)

	assert.False(t, o.dns)
	assert.Equal(t, 5353, o.dnsPort)
	assert.Equal(t, "ws://127.0.0.1:9000/fetch", o.executor)
	assert.Equal(t, "/tmp/ca/mitm-ca.key", o.paths.Key)
	assert.False(t, o.installTrust)
	assert.Equal(t, time.Hour, o.leafTTL)
	assert.Equal(t, "fallback.internal", o.defaultHost)
}

func TestOptionsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ca:
  dir: /var/lib/minux
dns:
  port: 5300
  ttl: 10
tls:
  default_host: from-config.internal
journal:
  dir: /var/log/minux
  rules:
    - if: response.status == 204
      then: exclude
`), 0o644))

	o, err := parse(t, "-config", path, "-default-host", "from-flag.internal", "127.0.0.1", "80", "443")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/minux/mitm-ca.crt", o.paths.Cert)
	assert.Equal(t, 5300, o.dnsPort)
	assert.Equal(t, uint32(10), o.dnsTTL)
	assert.Equal(t, "from-flag.internal", o.defaultHost)
	assert.Equal(t, "/var/log/minux", o.journalDir)
	assert.Len(t, o.filters, 1)
}

func TestOptionsEnv(t *testing.T) {
	t.Setenv("MINUX_EXECUTOR", "wss://executor.internal/fetch")
	t.Setenv("MINUX_DNS", "false")

	o, err := parse(t, "127.0.0.1", "80", "443")
	require.NoError(t, err)
	assert.Equal(t, "wss://executor.internal/fetch", o.executor)
	assert.False(t, o.dns)
}

func TestOptionsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"IPv6", []string{"::1", "80", "443"}},
		{"BadAddress", []string{"localhost", "80", "443"}},
		{"BadPort", []string{"127.0.0.1", "http", "443"}},
		{"ZeroPort", []string{"127.0.0.1", "80", "0"}},
		{"PortRange", []string{"127.0.0.1", "80", "65536"}},
		{"MissingConfig", []string{"-config", "/nonexistent/minux.yaml", "127.0.0.1", "80", "443"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestBox(t *testing.T) {
	var b bytes.Buffer
	box(&b, false, "MINUX", "first line", "", "a somewhat longer second line of text")

	lines := strings.Split(strings.Trim(b.String(), "\n"), "\n")
	require.Len(t, lines, 7)
	want := utf8.RuneCountInString(lines[0])
	for _, line := range lines {
		assert.Equal(t, want, utf8.RuneCountInString(line), "%q", line)
	}
	assert.Contains(t, lines[0], " MINUX ")
}
