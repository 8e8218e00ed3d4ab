package ghost

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// ---------------------------------------------------------------------------
// serveFileDownload
// ---------------------------------------------------------------------------

func TestServeFileDownloadStreamsContentAfterHandshake(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	agentRaw, peerRaw := net.Pipe()
	agentConn := protocol.NewConn(agentRaw)
	registry := protocol.NewRegistry(agentConn)
	peerConn := protocol.NewConn(peerRaw)

	spec := &fileSpec{action: protocol.FileDownload, filename: src, terminalSid: "term-1"}

	downloadDone := make(chan error, 1)
	go func() { downloadDone <- serveFileDownload(agentConn, registry, spec) }()

	// Receive request_to_download.
	msgs, err := peerConn.ReadMessages(true)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadMessages request_to_download: msgs=%d err=%v", len(msgs), err)
	}
	var req protocol.Request
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Name != protocol.ReqRequestToDownload {
		t.Fatalf("request name = %q, want %q", req.Name, protocol.ReqRequestToDownload)
	}
	var rtd protocol.RequestToDownloadPayload
	if err := json.Unmarshal(req.Payload, &rtd); err != nil {
		t.Fatalf("unmarshal request_to_download payload: %v", err)
	}
	if rtd.Size != int64(len(content)) || rtd.Filename != "payload.bin" {
		t.Errorf("request_to_download payload = %+v", rtd)
	}

	// Acknowledge the request as a server would. The agent sent it
	// fire-and-forget, so its registry holds no entry and discards the reply.
	peerRegistry := protocol.NewRegistry(peerConn)
	if err := peerRegistry.SendResponse(&req, protocol.StatusSuccess, struct{}{}); err != nil {
		t.Fatalf("ack request_to_download: %v", err)
	}

	// Send clear_to_download.
	if _, err := peerRegistry.Send(protocol.ReqClearToDownload, struct{}{}, protocol.NoTimeout, nil); err != nil {
		t.Fatalf("send clear_to_download: %v", err)
	}

	peerRaw.SetDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(peerRaw)
	if err != nil {
		t.Fatalf("read streamed content: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("streamed content = %q, want %q", got, content)
	}

	select {
	case err := <-downloadDone:
		if err != nil {
			t.Errorf("serveFileDownload returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveFileDownload did not complete")
	}
}

// ---------------------------------------------------------------------------
// serveFileUpload
// ---------------------------------------------------------------------------

func TestServeFileUploadWritesLeftoverThenStream(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "upload.bin")

	agentRaw, peerRaw := net.Pipe()
	agentConn := protocol.NewConn(agentRaw)
	registry := protocol.NewRegistry(agentConn)
	peerConn := protocol.NewConn(peerRaw)

	spec := &fileSpec{action: protocol.FileUpload, filename: dest}

	uploadDone := make(chan error, 1)
	go func() { uploadDone <- serveFileUpload(agentConn, registry, spec) }()

	msgs, err := peerConn.ReadMessages(true)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadMessages clear_to_upload: msgs=%d err=%v", len(msgs), err)
	}
	var req protocol.Request
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Name != protocol.ReqClearToUpload {
		t.Fatalf("request name = %q, want %q", req.Name, protocol.ReqClearToUpload)
	}

	go func() {
		peerRaw.SetDeadline(time.Now().Add(5 * time.Second))
		peerRaw.Write([]byte("uploaded-bytes"))
		peerRaw.Close()
	}()

	select {
	case err := <-uploadDone:
		if err != nil {
			t.Fatalf("serveFileUpload returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveFileUpload did not complete")
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != "uploaded-bytes" {
		t.Errorf("uploaded content = %q, want %q", got, "uploaded-bytes")
	}
}
