package ghost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"syscall"
	"time"
)

// stdinClosedSentinel is spec §6's shell stdin-close marker: two adjacent
// copies close stdin at the split point.
const stdinClosedSentinel = "##STDIN_CLOSED##"
const stdinClosedPair = stdinClosedSentinel + stdinClosedSentinel

// serveShell implements spec §4.8 (C8): run one command under a shell,
// bridge its stdio to the detached session socket, and escalate
// SIGTERM→1s→SIGKILL on socket close.
func serveShell(ctx context.Context, sid string, spec *shellSpec, leftover []byte, conn net.Conn) error {
	defer conn.Close()

	command := ""
	if spec != nil {
		command = spec.command
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ghost: shell stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ghost: shell stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ghost: shell stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ghost: shell start: %w", err)
	}

	outCh := make(chan error, 2)
	go func() { _, err := io.Copy(conn, stdout); outCh <- err }()
	go func() { _, err := io.Copy(conn, stderr); outCh <- err }()

	// sockClosed fires only when the session socket itself errors or is
	// closed by the peer — never on the stdin-closed sentinel, which leaves
	// the socket open for the command's remaining stdout/stderr. ghost.py's
	// SpawnShellServer treats a closed Recv() as an immediate trigger for
	// the SIGTERM→1s→SIGKILL escalation regardless of whether the command
	// has exited, so this must force termination too instead of waiting
	// only on cmd.Wait()/ctx.Done().
	sockClosed := make(chan struct{})
	go func() {
		writeStdin(stdin, leftover)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if writeStdin(stdin, buf[:n]) {
					stdin.Close()
					return
				}
			}
			if err != nil {
				stdin.Close()
				close(sockClosed)
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-ctx.Done():
	case <-sockClosed:
	}

	terminateShell(cmd, done)
	return nil
}

// writeStdin writes data to the command's stdin, splitting on the doubled
// stdin-closed sentinel: the prefix is written and the function reports
// true so the caller closes stdin at that point.
func writeStdin(stdin io.WriteCloser, data []byte) (closed bool) {
	if idx := bytes.Index(data, []byte(stdinClosedPair)); idx >= 0 {
		if idx > 0 {
			stdin.Write(data[:idx])
		}
		return true
	}
	stdin.Write(data)
	return false
}

// terminateShell implements spec §4.8's exit escalation: SIGTERM, wait one
// second, then SIGKILL if the process hasn't exited.
func terminateShell(cmd *exec.Cmd, done chan error) {
	if cmd.Process == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("ghost: shell: sigterm: %v", err)
	}
	select {
	case <-done:
		return
	case <-time.After(1 * time.Second):
	}
	if err := cmd.Process.Kill(); err != nil {
		log.Printf("ghost: shell: sigkill: %v", err)
	}
	<-done
}
