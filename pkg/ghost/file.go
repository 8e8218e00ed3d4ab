package ghost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/overlord-fabric/overlord/pkg/protocol"
)

const fileBlockSize = 4 * 1024

// serveFile implements spec §4.9 (C9): a short JSON handshake over the
// still-framed connection (request_to_download/clear_to_download, or
// clear_to_upload), then a raw byte stream to or from the detached socket.
//
// This is the one session mode that still speaks line-JSON after
// registration, which is why conn/registry (rather than just the detached
// net.Conn) are threaded in: see DESIGN.md's "File-session handshake vs.
// the 'no JSON after registration' invariant" decision. serveFile itself calls conn.Detach
// once the handshake completes.
func serveFile(_ context.Context, conn *protocol.Conn, registry *protocol.Registry, sid string, spec *fileSpec) error {
	if spec == nil {
		conn.Close()
		return fmt.Errorf("ghost: file session with no spec")
	}

	switch spec.action {
	case protocol.FileDownload:
		return serveFileDownload(conn, registry, spec)
	case protocol.FileUpload:
		return serveFileUpload(conn, registry, spec)
	default:
		conn.Close()
		return fmt.Errorf("ghost: unknown file action %q", spec.action)
	}
}

// serveFileDownload sends request_to_download, waits for clear_to_download,
// detaches, then streams the file in 4 KiB blocks.
func serveFileDownload(conn *protocol.Conn, registry *protocol.Registry, spec *fileSpec) error {
	f, err := os.Open(spec.filename)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ghost: open %s for download: %w", spec.filename, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		conn.Close()
		return fmt.Errorf("ghost: stat %s: %w", spec.filename, err)
	}

	_, err = registry.Send(protocol.ReqRequestToDownload, protocol.RequestToDownloadPayload{
		TerminalSid: spec.terminalSid,
		Filename:    filepath.Base(spec.filename),
		Size:        info.Size(),
	}, protocol.NoTimeout, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ghost: send request_to_download: %w", err)
	}

	if err := waitForRequest(conn, registry, protocol.ReqClearToDownload); err != nil {
		conn.Close()
		return err
	}

	leftover, raw := conn.Detach()
	defer raw.Close()
	_ = leftover // a download has nothing further to read from the peer

	buf := make([]byte, fileBlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := raw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// serveFileUpload sends clear_to_upload (fire-and-forget), detaches, then
// writes the leftover head followed by the rest of the socket stream to the
// destination file.
func serveFileUpload(conn *protocol.Conn, registry *protocol.Registry, spec *fileSpec) error {
	if err := os.MkdirAll(filepath.Dir(spec.filename), 0o755); err != nil {
		conn.Close()
		return fmt.Errorf("ghost: mkdir for upload dest: %w", err)
	}

	perm := filePerm(spec.perm)
	out, err := os.OpenFile(spec.filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ghost: open %s for upload: %w", spec.filename, err)
	}
	defer out.Close()

	if _, err := registry.Send(protocol.ReqClearToUpload, struct{}{}, protocol.NoTimeout, nil); err != nil {
		conn.Close()
		return fmt.Errorf("ghost: send clear_to_upload: %w", err)
	}

	leftover, raw := conn.Detach()
	defer raw.Close()

	if len(leftover) > 0 {
		if _, err := out.Write(leftover); err != nil {
			return err
		}
	}
	_, err = io.Copy(out, raw)
	if err == io.EOF {
		return nil
	}
	return err
}

// waitForRequest blocks until a request named name arrives on conn, or the
// connection errors. Only the single short handshake messages are expected
// here, so a plain ReadMessages(true) loop suffices.
func waitForRequest(conn *protocol.Conn, registry *protocol.Registry, name string) error {
	for {
		msgs, err := conn.ReadMessages(true)
		if err != nil {
			return fmt.Errorf("ghost: waiting for %s: %w", name, err)
		}
		for _, m := range msgs {
			isReq, isResp := protocol.Classify(m)
			if isResp {
				var resp protocol.Response
				if json.Unmarshal(m, &resp) == nil {
					registry.Dispatch(&resp)
				}
				continue
			}
			if !isReq {
				continue
			}
			var req protocol.Request
			if json.Unmarshal(m, &req) != nil {
				continue
			}
			if req.Name == name {
				return nil
			}
		}
	}
}
