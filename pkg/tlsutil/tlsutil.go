// Package tlsutil probes whether a candidate endpoint speaks TLS and builds
// the verify/no-verify context the agent connects with (spec §4.4).
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// ProbeTimeout bounds how long Probe waits for the TCP connect, and
// separately for the TLS handshake that follows it.
const ProbeTimeout = 3 * time.Second

// Probe opens a TCP connection to addr and attempts a TLS handshake with
// certificate verification disabled. It reports true iff the handshake
// succeeds, false if the handshake fails or the peer responds in plain TCP,
// and returns an error only for connection-level failures (refused,
// timeout) that the caller should treat as this candidate being entirely
// unreachable, per spec §4.4.
func Probe(ctx context.Context, addr string) (bool, error) {
	dialer := &net.Dialer{Timeout: ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("tlsutil: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(ProbeTimeout)); err != nil {
		return false, fmt.Errorf("tlsutil: set deadline: %w", err)
	}

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // probe only, never used for the real session
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return false, nil
	}
	return true, nil
}

// ContextOptions configures Context.
type ContextOptions struct {
	// Verify enables certificate chain and hostname verification.
	Verify bool
	// CertFile, if set and Verify is true, is loaded as the sole trust
	// anchor instead of the system roots.
	CertFile string
}

// Context builds the *tls.Config an agent connection dials with, per spec
// §4.4: permissive when verification is off, hostname-checked against
// either a supplied cert file or the system trust anchors otherwise.
func Context(opts ContextOptions) (*tls.Config, error) {
	if !opts.Verify {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // explicit no-verify mode requested by the caller
	}

	cfg := &tls.Config{}
	if opts.CertFile == "" {
		return cfg, nil // default system trust anchors
	}

	pem, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read cert file %s: %w", opts.CertFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsutil: no certificates found in %s", opts.CertFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
