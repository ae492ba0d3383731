// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ErrNoServerName is returned when a client omits SNI and no default host is
// configured.
var ErrNoServerName = errors.New("client did not send a TLS server name")

// Issuer maps a server name to a certificate. It is called from inside the
// handshake, so it must not block on anything other than issuance itself.
type Issuer interface {
	IssueForHost(host string) (*tls.Certificate, error)
}

// Info describes a completed (or failed) server-side handshake.
type Info struct {
	ServerName         string
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	HandshakeBegin     time.Time
	HandshakeEnd       time.Time
}

func (i *Info) LogValue() slog.Value {
	if i == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("serverName", i.ServerName),
		slog.String("version", tls.VersionName(i.Version)),
		slog.String("cipherSuite", tls.CipherSuiteName(i.CipherSuite)),
		slog.Duration("took", i.HandshakeEnd.Sub(i.HandshakeBegin)),
	)
}

// Terminator performs server-side TLS handshakes with certificates forged
// for whatever server name the client asks for.
type Terminator struct {
	issuer      Issuer
	defaultHost string
}

type Option func(*Terminator)

// WithDefaultHost makes clients that omit SNI receive a certificate for host
// instead of failing the handshake.
func WithDefaultHost(host string) Option {
	return func(t *Terminator) {
		t.defaultHost = host
	}
}

func NewTerminator(issuer Issuer, opts ...Option) *Terminator {
	t := &Terminator{issuer: issuer}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Certificate returns the certificate to present for serverName.
func (t *Terminator) Certificate(serverName string) (*tls.Certificate, error) {
	host := serverName
	if host == "" {
		if t.defaultHost == "" {
			return nil, ErrNoServerName
		}
		host = t.defaultHost
	}

	cert, err := t.issuer.IssueForHost(host)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %q: %w", host, err)
	}
	if cert == nil {
		return nil, fmt.Errorf("issue certificate for %q: no certificate", host)
	}
	return cert, nil
}

func (t *Terminator) config() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
}

// Handshake terminates TLS on conn. The certificate is chosen during the
// handshake from the ClientHello's server name. The returned Info is non-nil
// even when the handshake fails.
func (t *Terminator) Handshake(ctx context.Context, conn net.Conn) (*tls.Conn, *Info, error) {
	info := &Info{HandshakeBegin: time.Now()}

	base := t.config()
	base.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
		info.ServerName = chi.ServerName

		slog.Debug("selecting certificate for TLS client", "serverName", chi.ServerName, "remote", chi.Conn.RemoteAddr())
		cert, err := t.Certificate(chi.ServerName)
		if err != nil {
			return nil, err
		}
		if err := chi.SupportsCertificate(cert); err != nil {
			return nil, fmt.Errorf("ClientHello does not support forged server certificate: %w", err)
		}

		ret := t.config()
		ret.Certificates = []tls.Certificate{*cert}
		return ret, nil
	}

	plain := tls.Server(conn, base)
	err := plain.HandshakeContext(ctx)
	info.HandshakeEnd = time.Now()
	if err != nil {
		return nil, info, fmt.Errorf("handshake: %w", err)
	}

	state := plain.ConnectionState()
	info.Version = state.Version
	info.CipherSuite = state.CipherSuite
	info.NegotiatedProtocol = state.NegotiatedProtocol
	return plain, info, nil
}
