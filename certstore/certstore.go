// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package certstore owns the root CA used to intercept TLS connections and
// the per-hostname leaf certificates signed by it.
package certstore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	caCommonName = "Minux MITM CA"
	organization = "Minux"
	country      = "US"
)

var ErrEmptyHostname = errors.New("empty hostname")

// Paths lists the filesystem locations the store reads and writes.
type Paths struct {
	Cert string // PEM CA certificate
	Key  string // PEM CA private key

	TrustSource string // distribution trust-source copy of the CA
	TrustBundle string // system trust bundle, overwritten with the CA
	CertsDir    string // directory that receives a compatibility symlink
}

func DefaultPaths() Paths {
	return Paths{
		Cert:        "/etc/ssl/minux/mitm-ca.crt",
		Key:         "/etc/ssl/minux/mitm-ca.key",
		TrustSource: "/usr/local/share/ca-certificates/minux-mitm-ca.crt",
		TrustBundle: "/etc/ssl/cert.pem",
		CertsDir:    "/etc/ssl/certs",
	}
}

// PathsInDir returns DefaultPaths with the CA cert and key placed in dir.
func PathsInDir(dir string) Paths {
	p := DefaultPaths()
	p.Cert = filepath.Join(dir, "mitm-ca.crt")
	p.Key = filepath.Join(dir, "mitm-ca.key")
	return p
}

type leaf struct {
	der  []byte
	cert *x509.Certificate
	key  crypto.Signer
}

// Store is the CA and leaf certificate cache. A single mutex guards both the
// CA bootstrap and the cache: issuance happens at most once per hostname, so
// the coarse lock is not contended in practice.
type Store struct {
	paths        Paths
	installTrust bool

	mu     sync.Mutex
	loaded bool
	caCert *x509.Certificate
	caKey  crypto.Signer
	leaves *cache.Cache
}

type Option func(*Store)

// WithLeafTTL expires cached leaf certificates after d. The default (zero)
// keeps every leaf for the lifetime of the process.
func WithLeafTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.leaves = cache.New(d, 2*d)
		}
	}
}

// WithoutTrustInstall skips installing the CA into the system trust store.
func WithoutTrustInstall() Option {
	return func(s *Store) {
		s.installTrust = false
	}
}

func New(paths Paths, opts ...Option) *Store {
	s := &Store{
		paths:        paths,
		installTrust: true,
		leaves:       cache.New(cache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureCA loads the CA from disk, or generates and persists a new one if
// loading fails for any reason. It then installs the CA into the trust store.
func (s *Store) EnsureCA() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCALocked()
}

func (s *Store) ensureCALocked() error {
	if s.loaded {
		return nil
	}

	if err := s.load(); err != nil {
		slog.Debug("could not load existing CA, generating a new one", "cert", s.paths.Cert, "err", err)
		if err := s.create(); err != nil {
			return fmt.Errorf("create CA: %w", err)
		}
		if err := s.save(); err != nil {
			s.caCert, s.caKey = nil, nil
			return fmt.Errorf("save CA: %w", err)
		}
		slog.Info("generated new root CA", "cert", s.paths.Cert, "fingerprint", fingerprint(s.caCert))
	} else {
		slog.Debug("loaded existing root CA", "cert", s.paths.Cert, "fingerprint", fingerprint(s.caCert))
	}
	s.loaded = true

	if s.installTrust {
		if err := s.install(); err != nil {
			slog.Warn("failed to install CA into trust store", "err", err) // not fatal
		}
	}
	return nil
}

func (s *Store) load() error {
	certPEM, err := os.ReadFile(s.paths.Cert)
	if err != nil {
		return fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(s.paths.Key)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("decode cert: no CERTIFICATE block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse cert: %w", err)
	}
	if !cert.IsCA {
		return fmt.Errorf("cert is not a CA")
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("decode key: no PEM block")
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return fmt.Errorf("key does not match cert")
	}

	s.caCert, s.caKey = cert, key
	return nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := key.(type) {
		case *ecdsa.PrivateKey:
			return key, nil
		case *rsa.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unknown private key format")
}

func (s *Store) create() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	now := time.Now()
	name := pkix.Name{
		Country:      []string{country},
		Organization: []string{organization},
		CommonName:   caCommonName,
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               name,
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	s.caCert, s.caKey = cert, priv
	return nil
}

func (s *Store) save() error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(s.caKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	for _, dir := range []string{filepath.Dir(s.paths.Cert), filepath.Dir(s.paths.Key)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(s.paths.Key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(s.paths.Cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw}), 0o644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	return nil
}

// IssueForHost returns a leaf certificate for host signed by the CA. The
// first call for a host generates and caches the leaf; later calls return
// the cached leaf. If the CA is not loaded yet, it is bootstrapped first.
func (s *Store) IssueForHost(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, ErrEmptyHostname
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if val, ok := s.leaves.Get(host); ok {
		return val.(*leaf).tlsCertificate(), nil
	}

	if err := s.ensureCALocked(); err != nil {
		return nil, fmt.Errorf("ensure CA: %w", err)
	}

	l, err := s.newLeaf(host)
	if err != nil {
		return nil, fmt.Errorf("new leaf certificate: %s: %w", host, err)
	}
	s.leaves.Set(host, l, cache.DefaultExpiration)
	slog.Debug("issued leaf certificate", "host", host, "serial", l.cert.SerialNumber.Text(16), "cached", s.leaves.ItemCount())
	return l.tlsCertificate(), nil
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	return strings.ToLower(host)
}

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 160)

func (s *Store) newLeaf(host string) (*leaf, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      []string{country},
			Organization: []string{organization},
			CommonName:   host,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	if _, ok := s.caKey.(*ecdsa.PrivateKey); ok {
		template.SignatureAlgorithm = x509.ECDSAWithSHA256
	} else {
		template.SignatureAlgorithm = x509.SHA256WithRSA
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, priv.Public(), s.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &leaf{der: der, cert: cert, key: priv}, nil
}

// tlsCertificate returns a fresh tls.Certificate for every caller. The DER
// bytes are copied; the private key is shared.
func (l *leaf) tlsCertificate() *tls.Certificate {
	return &tls.Certificate{
		Certificate: [][]byte{bytes.Clone(l.der)},
		PrivateKey:  l.key,
		Leaf:        l.cert,
	}
}

// CA returns the root CA certificate, or nil if it has not been loaded.
func (s *Store) CA() *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caCert
}

// CAPEM returns the PEM encoding of the root CA certificate.
func (s *Store) CAPEM() []byte {
	ca := s.CA()
	if ca == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})
}

// Fingerprint returns the hex SHA-256 of the CA certificate.
func (s *Store) Fingerprint() string {
	return fingerprint(s.CA())
}

// Len returns the number of cached leaf certificates.
func (s *Store) Len() int {
	return s.leaves.ItemCount()
}

func (s *Store) Paths() Paths {
	return s.paths
}

func fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
