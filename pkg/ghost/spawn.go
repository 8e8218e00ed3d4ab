package ghost

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/overlord-fabric/overlord/pkg/identity"
	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// childSpec describes one session the spawner (C6) hands off to a child
// session runner, replacing the original fork-exec with an in-process
// goroutine that owns its own descriptor context (spec §9 "Fork-per-session"
// redesign — see SPEC_FULL.md REDESIGN FLAGS).
type childSpec struct {
	mode protocol.Mode
	sid  string

	terminal *terminalSpec
	shell    *shellSpec
	file     *fileSpec
	forward  *forwardSpec
}

type terminalSpec struct {
	ttyDevice string
}

type shellSpec struct {
	command string
}

type fileSpec struct {
	action      protocol.FileAction
	filename    string
	dest        string
	terminalSid string
	perm        *uint32
}

type forwardSpec struct {
	host string
	port int
}

// handleSpawn implements spec §4.6: read the target sid and mode-specific
// args, run any required precondition check, fork a child (in-process) in
// the requested mode, and reply on the control channel.
func (a *Agent) handleSpawn(registry *protocol.Registry, req *protocol.Request) {
	switch req.Name {
	case protocol.ReqTerminal:
		var p protocol.TerminalPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			a.replyBadRequest(registry, req, err)
			return
		}
		a.spawnChild(childSpec{mode: protocol.ModeTerminal, sid: p.Sid, terminal: &terminalSpec{ttyDevice: p.TtyDevice}})
		_ = registry.SendResponse(req, protocol.StatusSuccess, nil)

	case protocol.ReqShell:
		var p protocol.ShellPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			a.replyBadRequest(registry, req, err)
			return
		}
		a.spawnChild(childSpec{mode: protocol.ModeShell, sid: p.Sid, shell: &shellSpec{command: p.Command}})
		_ = registry.SendResponse(req, protocol.StatusSuccess, nil)

	case protocol.ReqFileDownload:
		var p protocol.FileDownloadPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			a.replyBadRequest(registry, req, err)
			return
		}
		path := resolveHomePath(p.Filename)
		f, err := os.Open(path)
		if err != nil {
			_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
			return
		}
		f.Close()
		a.spawnChild(childSpec{mode: protocol.ModeFile, sid: p.Sid, file: &fileSpec{action: protocol.FileDownload, filename: path}})
		_ = registry.SendResponse(req, protocol.StatusSuccess, nil)

	case protocol.ReqFileUpload:
		var p protocol.FileUploadPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			a.replyBadRequest(registry, req, err)
			return
		}
		dest, err := a.resolveUploadDest(p)
		if err != nil {
			_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
			return
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
			return
		}
		if p.CheckOnly {
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, filePerm(p.Perm))
			if err != nil {
				_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
				return
			}
			f.Close()
			_ = registry.SendResponse(req, protocol.StatusSuccess, nil)
			return
		}
		a.spawnChild(childSpec{mode: protocol.ModeFile, sid: p.Sid, file: &fileSpec{
			action: protocol.FileUpload, filename: dest, terminalSid: p.TerminalSid, perm: p.Perm,
		}})
		_ = registry.SendResponse(req, protocol.StatusSuccess, nil)

	case protocol.ReqForward:
		var p protocol.ForwardPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			a.replyBadRequest(registry, req, err)
			return
		}
		host := p.Host
		if host == "" {
			host = protocol.DefaultForwardHost
		}
		a.spawnChild(childSpec{mode: protocol.ModeForward, sid: p.Sid, forward: &forwardSpec{host: host, port: p.Port}})
		_ = registry.SendResponse(req, protocol.StatusSuccess, nil)
	}
}

func (a *Agent) replyBadRequest(registry *protocol.Registry, req *protocol.Request, err error) {
	log.Printf("ghost: bad payload for %s: %v", req.Name, err)
	_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": err.Error()})
}

// resolveUploadDest implements spec §4.6's file-upload routing: an explicit
// dest, a home-relative dest, or (via terminal_sid) the cwd of the shell
// registered against that session.
func (a *Agent) resolveUploadDest(p protocol.FileUploadPayload) (string, error) {
	if p.Dest != "" {
		return resolveHomePath(p.Dest), nil
	}
	if p.TerminalSid != "" {
		pid, ok := a.tables.PidForSession(p.TerminalSid)
		if !ok {
			return "", fmt.Errorf("no process registered for terminal session %s", p.TerminalSid)
		}
		cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
		if err != nil {
			return "", fmt.Errorf("resolve cwd of pid %d: %w", pid, err)
		}
		return filepath.Join(cwd, p.Filename), nil
	}
	return resolveHomePath(p.Filename), nil
}

func filePerm(p *uint32) os.FileMode {
	if p == nil {
		return 0o644
	}
	return os.FileMode(*p)
}

// resolveHomePath resolves a relative path against the user's home
// directory, per spec §6.
func resolveHomePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path)
}

// spawnChild launches the in-process equivalent of spec §4.6's forked child:
// a fresh connection to the currently-connected server, registered with the
// given mode and sid and a random machine id, handed off to the
// mode-specific session handler once registration succeeds.
func (a *Agent) spawnChild(spec childSpec) {
	candidate := a.currentCandidate
	tlsConfig := a.currentTLS
	go func() {
		if err := runChildSession(context.Background(), a, candidate, tlsConfig, spec); err != nil {
			log.Printf("ghost: child session sid=%s mode=%s exited: %v", spec.sid, spec.mode, err)
		}
	}()
}

// runChildSession re-runs the connect→register steps of spec §4.5 (skipping
// discovery: the child targets only the server the parent is already
// connected to) and, on success, detaches the connection and dispatches to
// the mode-specific session handler.
func runChildSession(ctx context.Context, a *Agent, candidate string, tlsConfig *tls.Config, spec childSpec) error {
	conn, err := dialControlChannel(ctx, candidate, tlsConfig)
	if err != nil {
		return err
	}

	mid := identity.Compute(identity.Options{ForceRandom: true})
	registry := protocol.NewRegistry(conn)

	result := make(chan bool, 1)
	_, err = registry.Send(protocol.ReqRegister, protocol.RegisterPayload{
		Mode: spec.mode,
		Mid:  mid,
		Sid:  spec.sid,
	}, a.cfg.RegisterTimeout, func(payload json.RawMessage, ok bool) {
		result <- ok
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("send register: %w", err)
	}

	// Block on exactly the register response/timeout by pumping reads
	// until it resolves; a child session only ever parses a single message
	// before registration completes (spec §4.1).
	ok, err := awaitRegistration(conn, registry, result)
	if err != nil {
		conn.Close()
		return err
	}
	if !ok {
		conn.Close()
		return fmt.Errorf("registration rejected")
	}

	// The FILE session is the one mode that still exchanges a short JSON
	// handshake (request_to_download/clear_to_download, or clear_to_upload)
	// after registration succeeds, before switching to a raw byte stream —
	// see DESIGN.md's note on this one exception to the "no further JSON
	// after registration" invariant. Every other mode detaches immediately.
	if spec.mode == protocol.ModeFile {
		return serveFile(ctx, conn, registry, spec.sid, spec.file)
	}

	leftover, raw := conn.Detach()

	switch spec.mode {
	case protocol.ModeTerminal:
		return serveTerminal(ctx, a, spec.sid, spec.terminal, leftover, raw)
	case protocol.ModeShell:
		return serveShell(ctx, spec.sid, spec.shell, leftover, raw)
	case protocol.ModeForward:
		return serveForward(ctx, spec.forward, leftover, raw)
	default:
		raw.Close()
		return fmt.Errorf("unknown child mode %s", spec.mode)
	}
}

// awaitRegistration pumps the connection's single-message reader until the
// register response (or its timeout) resolves the result channel. Reads run
// on a background goroutine so a ticker can drive registry.ScanTimeouts
// independently of the blocking read — otherwise a peer that never responds
// and never closes the socket would leave this goroutine (and the register
// response promise) hanging forever instead of resolving to the guaranteed
// response-or-null delivery.
func awaitRegistration(conn *protocol.Conn, registry *protocol.Registry, result chan bool) (bool, error) {
	readErrCh := make(chan error, 1)
	rawCh := make(chan []json.RawMessage, 16)
	stopReader := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopReader:
				return
			default:
			}
			msgs, err := conn.ReadMessages(true)
			if err != nil {
				readErrCh <- err
				return
			}
			if len(msgs) > 0 {
				select {
				case rawCh <- msgs:
				case <-stopReader:
					return
				}
			}
		}
	}()
	defer close(stopReader)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ok := <-result:
			return ok, nil

		case err := <-readErrCh:
			return false, err

		case msgs := <-rawCh:
			for _, raw := range msgs {
				isReq, isResp := protocol.Classify(raw)
				if isResp {
					var resp protocol.Response
					if json.Unmarshal(raw, &resp) == nil {
						registry.Dispatch(&resp)
					}
				} else if isReq {
					// A child session ignores inbound requests until it has
					// registered; none are expected before that point.
					_ = raw
				}
			}

		case <-ticker.C:
			registry.ScanTimeouts()
		}
	}
}
