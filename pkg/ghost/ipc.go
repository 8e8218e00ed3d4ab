package ghost

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
)

// ipcServer exposes spec §6's local-IPC surface on a loopback address:
// Reconnect, GetStatus, RegisterTTY, RegisterSession, AddToDownloadQueue.
// Grounded on the teacher's JSON-over-HTTP handler shape
// (strandapi/examples/httpbridge/main.go), scaled down to this module's five
// fixed operations instead of an OpenAI-compatible surface.
type ipcServer struct {
	agent *Agent
	addr  string
}

func newIPCServer(a *Agent) *ipcServer {
	return &ipcServer{agent: a, addr: a.cfg.IPCAddr}
}

// Serve runs the local-IPC HTTP server until ctx is cancelled, returning nil
// on a clean shutdown.
func (s *ipcServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/reconnect", s.handleReconnect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/register_tty", s.handleRegisterTTY)
	mux.HandleFunc("/register_session", s.handleRegisterSession)
	mux.HandleFunc("/enqueue_download", s.handleEnqueueDownload)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ghost: ipc listen %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ghost: ipc server: %w", err)
	}
	return nil
}

func (s *ipcServer) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.agent.Reconnect()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *ipcServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agent.Status())
}

type registerTTYRequest struct {
	Sid string `json:"sid"`
	Tty string `json:"ttyname"`
}

func (s *ipcServer) handleRegisterTTY(w http.ResponseWriter, r *http.Request) {
	var req registerTTYRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.agent.tables.RegisterTTY(req.Tty, req.Sid)
	writeJSON(w, map[string]bool{"ok": true})
}

type registerSessionRequest struct {
	Sid string `json:"sid"`
	Pid int    `json:"pid"`
}

func (s *ipcServer) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.agent.tables.RegisterSession(req.Sid, req.Pid)
	writeJSON(w, map[string]bool{"ok": true})
}

type enqueueDownloadRequest struct {
	TtyName string `json:"ttyname"`
	Path    string `json:"filepath"`
}

func (s *ipcServer) handleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var req enqueueDownloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.agent.tables.EnqueueDownload(DownloadRequest{TtyName: req.TtyName, Filename: req.Path})
	writeJSON(w, map[string]bool{"ok": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
