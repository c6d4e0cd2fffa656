// Package tlsconfig builds the tls.Config each Runtime Loop hands to
// quic-go, adapted from the teacher's tlsconfig/tlsconfig.go (same
// LoadCert/CurvePreferences shape). The teacher file imports a retired
// gopkg.in/urfave/cli.v2 and the long-gone top-level log package; this
// package drops both and depends on no CLI or logging package at all.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// ALPN is the protocol identifier negotiated over every tunnel
// connection.
const ALPN = "duskwire/1"

// LoadServerConfig builds the server-side tls.Config from a certificate
// and key pair on disk.
func LoadServerConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "tlsconfig: loading server certificate/key pair")
	}
	return &tls.Config{
		Certificates:     []tls.Certificate{cert},
		NextProtos:       []string{ALPN},
		CurvePreferences: []tls.CurveID{tls.CurveP256},
		MinVersion:       tls.VersionTLS13,
	}, nil
}

// LoadClientConfig builds the client-side tls.Config. If pinnedCertPath is
// non-empty, the PEM certificates found there replace the system root
// store: the server's certificate chain is verified against them (and the
// host name against serverName) — the "optional pinned certificate"
// SPEC_FULL.md §4.1 names.
func LoadClientConfig(pinnedCertPath, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:       serverName,
		NextProtos:       []string{ALPN},
		CurvePreferences: []tls.CurveID{tls.CurveP256},
		MinVersion:       tls.VersionTLS13,
	}
	if pinnedCertPath == "" {
		return cfg, nil
	}
	pool, err := LoadCert(pinnedCertPath)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	cfg.InsecureSkipVerify = false
	return cfg, nil
}

// LoadCert reads a CertPool from every PEM certificate in path.
func LoadCert(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "tlsconfig: reading certificate %q", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("tlsconfig: %q contains no usable PEM certificates", path)
	}
	return pool, nil
}
