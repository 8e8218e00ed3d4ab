package ghost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creack/pty"
)

// serveTerminal implements spec §4.7 (C7): either attach to an
// already-open raw tty device, or fork a pty running the login shell, then
// bridge the pty to the detached session socket until EOF.
//
// Grounded on the pty allocation shown in
// other_examples/a4eee857_ehrlich-b-wingthing__internal-egg-server.go.go
// (pty.StartWithSize / pty.Setsize), adapted from a per-client terminal
// multiplexer to this module's one-pty-per-session model.
func serveTerminal(ctx context.Context, a *Agent, sid string, spec *terminalSpec, leftover []byte, conn net.Conn) error {
	defer conn.Close()

	if spec != nil && spec.ttyDevice != "" {
		return serveRawTTY(spec.ttyDevice, leftover, conn)
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-l")
	cmd.Env = childEnviron()
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return fmt.Errorf("ghost: open pty: %w", err)
	}
	defer ptmx.Close()

	if a != nil && a.tables != nil {
		a.tables.RegisterTTY(ptmx.Name(), sid)
		if cmd.Process != nil {
			a.tables.RegisterSession(sid, cmd.Process.Pid)
		}
	}

	return bridgePTY(leftover, conn, ptmx, cmd)
}

// serveRawTTY attaches to an already-open device path, per spec §4.7's
// "tty-device path" branch: open raw, clear software/hardware flow control,
// set CLOCAL, then bridge like a pty.
func serveRawTTY(path string, leftover []byte, conn net.Conn) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ghost: open tty %s: %w", path, err)
	}
	defer f.Close()

	if err := setRawTTY(f); err != nil {
		log.Printf("ghost: tty %s: set raw attributes: %v", path, err)
	}

	return bridgePTY(leftover, conn, f, nil)
}

// bridgePTY runs spec §4.7's two-pipe bridge: pty→socket verbatim, and
// socket→pty through the resize-escape scanner, with leftover processed
// through the scanner first.
func bridgePTY(leftover []byte, conn net.Conn, pty *os.File, cmd *exec.Cmd) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(conn, pty)
		errCh <- err
	}()

	go func() {
		scanner := &resizeScanner{pty: pty}
		if len(leftover) > 0 {
			scanner.feed(leftover, pty)
		}
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				scanner.feed(buf[:n], pty)
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	err := <-errCh
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	return err
}

// resizeScanner implements spec §4.7/§6's in-band resize escape: it scans
// for `ESC [ 8 ; rows ; cols t`, consumes exactly those bytes and invokes
// the window-size ioctl, and passes every other byte through to the pty
// unchanged (including other CSI sequences).
type resizeScanner struct {
	pty *os.File
	buf []byte
}

func (s *resizeScanner) feed(data []byte, pty io.Writer) {
	s.buf = append(s.buf, data...)
	for {
		start := bytes.IndexByte(s.buf, 0x1b)
		if start < 0 {
			// No escape byte at all: flush everything through.
			if len(s.buf) > 0 {
				pty.Write(s.buf)
				s.buf = nil
			}
			return
		}
		if start > 0 {
			pty.Write(s.buf[:start])
			s.buf = s.buf[start:]
		}

		end, rows, cols, isResize, complete := parseResizeEscape(s.buf)
		if !complete {
			// Possibly a partial escape at the end of the buffer: wait for
			// more data, but flush anything before it we already know is
			// not part of an escape we recognize.
			return
		}
		if isResize {
			setWinsize(s.pty, rows, cols)
		} else {
			pty.Write(s.buf[:end])
		}
		s.buf = s.buf[end:]
	}
}

// parseResizeEscape inspects buf (which starts with ESC) for the pattern
// `ESC [ 8 ; rows ; cols t`. It returns the byte length of the full
// sequence if one is recognized and complete, whether it is a resize
// sequence at all (vs some other CSI terminator), and whether a decision
// could be made from the bytes available so far.
func parseResizeEscape(buf []byte) (end, rows, cols int, isResize, complete bool) {
	if len(buf) < 2 {
		return 0, 0, 0, false, false
	}
	if buf[1] != '[' {
		// Not a CSI sequence; treat the lone ESC as a literal pass-through
		// byte so it isn't held forever.
		return 1, 0, 0, false, true
	}
	// Scan for the terminating byte of the CSI sequence: the first byte in
	// 0x40-0x7E after the parameter/intermediate bytes.
	for i := 2; i < len(buf); i++ {
		b := buf[i]
		if b >= 0x40 && b <= 0x7e {
			params := string(buf[2:i])
			if b == 't' && strings.HasPrefix(params, "8;") {
				fields := strings.Split(params, ";")
				if len(fields) == 3 {
					r, errR := strconv.Atoi(fields[1])
					c, errC := strconv.Atoi(fields[2])
					if errR == nil && errC == nil {
						return i + 1, r, c, true, true
					}
				}
			}
			return i + 1, 0, 0, false, true
		}
	}
	// Sequence not yet terminated: need more bytes.
	return 0, 0, 0, false, false
}

// childEnviron rewrites USER/HOME and appends the agent's own directory to
// PATH for a forked login shell (spec §4.7).
func childEnviron() []string {
	env := os.Environ()
	home, _ := os.UserHomeDir()
	user := os.Getenv("USER")

	exe, err := os.Executable()
	agentDir := ""
	if err == nil {
		agentDir = filepath.Dir(exe)
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "USER="):
			if user != "" {
				out = append(out, "USER="+user)
			}
		case strings.HasPrefix(kv, "HOME="):
			if home != "" {
				out = append(out, "HOME="+home)
			}
		case strings.HasPrefix(kv, "PATH="):
			if agentDir != "" {
				out = append(out, kv+string(os.PathListSeparator)+agentDir)
			} else {
				out = append(out, kv)
			}
		default:
			out = append(out, kv)
		}
	}
	return out
}
