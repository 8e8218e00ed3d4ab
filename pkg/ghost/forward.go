package ghost

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

const forwardDialTimeout = 3 * time.Second

// serveForward implements spec §4.10 (C10): dial the target (host, port),
// replay the leftover head, then bidirectionally bridge until either side
// closes.
func serveForward(_ context.Context, spec *forwardSpec, leftover []byte, conn net.Conn) error {
	defer conn.Close()
	if spec == nil {
		return fmt.Errorf("ghost: forward session with no target")
	}

	target := net.JoinHostPort(spec.host, fmt.Sprint(spec.port))
	upstream, err := net.DialTimeout("tcp", target, forwardDialTimeout)
	if err != nil {
		return fmt.Errorf("ghost: forward dial %s: %w", target, err)
	}
	defer upstream.Close()

	if len(leftover) > 0 {
		if _, err := upstream.Write(leftover); err != nil {
			return fmt.Errorf("ghost: forward write leftover: %w", err)
		}
	}

	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(upstream, conn); errCh <- err }()
	go func() { _, err := io.Copy(conn, upstream); errCh <- err }()
	return <-errCh
}
