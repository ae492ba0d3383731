// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package certstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// ref: https://serverfault.com/a/722646
var KnownBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",                // Debian/Ubuntu/Gentoo etc.
	"/etc/pki/tls/certs/ca-bundle.crt",                  // Fedora/RHEL 6
	"/etc/ssl/ca-bundle.pem",                            // OpenSUSE
	"/etc/pki/tls/cacert.pem",                           // OpenELEC
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem", // CentOS/RHEL 7
	"/etc/ssl/cert.pem",                                 // Alpine Linux
}

// IsKnownBundlePath returns true if the given path is a known root CA bundle
// path on a Linux distro.
func IsKnownBundlePath(path string) bool {
	for i := range KnownBundlePaths {
		if path == KnownBundlePaths[i] {
			return true
		}
	}
	return false
}

// install copies the CA certificate into the trust source directory,
// overwrites the trust bundle with it and links it from the certs directory.
// Nothing is written if both installed copies are at least as new as the CA
// certificate on disk.
func (s *Store) install() error {
	if s.caCert == nil {
		return fmt.Errorf("no CA loaded")
	}

	if s.isInstalled() {
		slog.Debug("CA already installed in trust store", "source", s.paths.TrustSource, "bundle", s.paths.TrustBundle)
		return nil
	}

	b, err := os.ReadFile(s.paths.Cert)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}

	if s.paths.TrustSource != "" {
		if err := os.MkdirAll(filepath.Dir(s.paths.TrustSource), 0o755); err != nil {
			return fmt.Errorf("mkdir trust source: %w", err)
		}
		if err := os.WriteFile(s.paths.TrustSource, b, 0o644); err != nil {
			return fmt.Errorf("write trust source: %w", err)
		}
	}

	// The proxy is the only egress path, so the bundle only needs our CA.
	if s.paths.TrustBundle != "" {
		if err := os.WriteFile(s.paths.TrustBundle, b, 0o644); err != nil {
			return fmt.Errorf("write trust bundle: %w", err)
		}
	}

	if s.paths.CertsDir != "" && s.paths.TrustSource != "" {
		if fi, err := os.Stat(s.paths.CertsDir); err == nil && fi.IsDir() {
			link := filepath.Join(s.paths.CertsDir, filepath.Base(s.paths.TrustSource))
			if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove old symlink: %w", err)
			}
			if err := os.Symlink(s.paths.TrustSource, link); err != nil {
				return fmt.Errorf("symlink: %w", err)
			}
		}
	}

	slog.Info("installed CA into trust store", "source", s.paths.TrustSource, "bundle", s.paths.TrustBundle)
	return nil
}

func (s *Store) isInstalled() bool {
	cert, err := os.Stat(s.paths.Cert)
	if err != nil {
		return false
	}
	for _, path := range []string{s.paths.TrustSource, s.paths.TrustBundle} {
		if path == "" {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil || fi.ModTime().Before(cert.ModTime()) {
			return false
		}
	}
	return true
}
