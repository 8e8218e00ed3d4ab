package ghost

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/overlord-fabric/overlord/pkg/protocol"
	"github.com/overlord-fabric/overlord/pkg/tlsutil"
	"github.com/overlord-fabric/overlord/pkg/wsconn"
)

// dialControlChannel performs spec §4.5 steps (c)–(e) for one candidate: it
// opens the TCP connection (over TLS when tlsConfig is non-nil), performs
// the WebSocket upgrade+hijack on /connect, and wraps the result in a framed
// protocol.Conn with an empty head buffer.
//
// For the top-level AGENT connection, tlsConfig is resolved by the caller
// via resolveTLS (TLS is only probed for ModeAgent, per spec §4.5 step b).
// Spawned child sessions reuse the parent's already-decided TLS config.
func dialControlChannel(ctx context.Context, candidate string, tlsConfig *tls.Config) (*protocol.Conn, error) {
	raw, err := wsconn.Dial(candidate, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("ghost: dial control channel %s: %w", candidate, err)
	}
	return protocol.NewConn(raw), nil
}

// resolveTLS decides whether to speak TLS to candidate, either by honoring a
// forced override or by probing (spec §4.4/§4.5 step b). It returns nil for
// tlsConfig when TLS is not used.
func resolveTLS(ctx context.Context, candidate string, cfg Config) (*tls.Config, error) {
	useTLS := false
	if cfg.TLSForce != nil {
		useTLS = *cfg.TLSForce
	} else {
		ok, err := tlsutil.Probe(ctx, candidate)
		if err != nil {
			return nil, err
		}
		useTLS = ok
	}
	if !useTLS {
		return nil, nil
	}
	return tlsutil.Context(tlsutil.ContextOptions{Verify: cfg.TLSVerify, CertFile: cfg.TLSCertFile})
}

// dialTarget checks that candidate is in host:port form and returns it
// unchanged. Neither resolveTLS nor dialControlChannel calls it.
func dialTarget(candidate string) (string, error) {
	if _, _, err := net.SplitHostPort(candidate); err != nil {
		return "", fmt.Errorf("ghost: invalid candidate address %q: %w", candidate, err)
	}
	return candidate, nil
}
