package overlordd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/overlord-fabric/overlord/pkg/protocol"
	"github.com/overlord-fabric/overlord/pkg/wsconn"
)

// defaultShutdownTimeout bounds how long Server.Shutdown waits for
// in-flight control connections to notice context cancellation.
const defaultShutdownTimeout = 5 * time.Second

// Server accepts /connect upgrades and feeds every resulting connection
// through the broker's register contract. Grounded on
// strandapi/pkg/server/server.go's ListenAndServe/Stop shape, adapted from
// an overlay-transport frame loop to an http.Server hosting one upgrade
// endpoint.
type Server struct {
	Broker *Broker
	Addr   string

	httpServer *http.Server
}

// ListenAndServe binds Addr and serves /connect until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(wsconn.ConnectPath, s.handleConnect)

	s.httpServer = &http.Server{Addr: s.Addr, Handler: mux}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("overlordd: listen %s: %w", s.Addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("overlordd: listening on %s%s", s.Addr, wsconn.ConnectPath)
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("overlordd: serve: %w", err)
	}
	return nil
}

// handleConnect upgrades the HTTP request to a raw socket (hijacking past
// the WebSocket framing entirely, per spec §4.5 step d) and hands it to the
// control-channel register loop.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	raw, err := wsconn.Upgrade(w, r)
	if err != nil {
		log.Printf("overlordd: upgrade failed: %v", err)
		return
	}
	go s.serveConnection(raw)
}

// serveConnection reads exactly one register request (spec §4.1: a single
// message is parsed before registration completes), dispatches it per spec
// §4.11, and for an AGENT connection continues running its control loop
// (ping acks, filesystem requests, spawn acknowledgements) until it drops.
func (s *Server) serveConnection(raw net.Conn) {
	conn := protocol.NewConn(raw)

	req, err := readOneRequest(conn)
	if err != nil {
		log.Printf("overlordd: read register request: %v", err)
		conn.Close()
		return
	}
	if req.Name != protocol.ReqRegister {
		log.Printf("overlordd: first message was %q, not register", req.Name)
		conn.Close()
		return
	}

	var payload protocol.RegisterPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		log.Printf("overlordd: malformed register payload: %v", err)
		conn.Close()
		return
	}

	registry := protocol.NewRegistry(conn)

	if payload.Mode == protocol.ModeAgent {
		s.serveAgentConnection(conn, registry, req, payload)
		return
	}

	if !s.Broker.RegisterChild(payload.Sid, conn) {
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": "no pending session for sid"})
		conn.Close()
		return
	}
	_ = registry.SendResponse(req, protocol.StatusSuccess, nil)
	// Ownership of conn now belongs to pairStreams (started by
	// RegisterChild); nothing further to do on this goroutine.
}

// serveAgentConnection runs the server-side control loop for one
// registered AGENT connection: acknowledge registration, then service
// ping/filesystem/spawn-ack traffic until the socket drops.
func (s *Server) serveAgentConnection(conn *protocol.Conn, registry *protocol.Registry, req *protocol.Request, payload protocol.RegisterPayload) {
	if err := registry.SendResponse(req, protocol.StatusSuccess, nil); err != nil {
		log.Printf("overlordd: ack register: %v", err)
		conn.Close()
		return
	}

	mid := payload.Mid
	s.Broker.RegisterAgent(mid, conn, registry, payload.Properties)
	defer s.Broker.UnregisterAgent(mid, conn)
	log.Printf("overlordd: agent mid=%s registered", mid)

	// Spawn/SendFSRequest register pending entries on this registry from
	// other goroutines (operator-facing calls); nothing else drives
	// ScanTimeouts, so a ticker here is what actually enforces their
	// timeouts while the connection is alive.
	stopScan := make(chan struct{})
	defer close(stopScan)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				registry.ScanTimeouts()
			case <-stopScan:
				return
			}
		}
	}()
	// A dropped connection never receives the responses those pending
	// entries were waiting for; fire them as failures so no Spawn/
	// SendFSRequest caller blocks forever on a socket that is already gone.
	defer registry.FailAll()

	for {
		msgs, err := conn.ReadMessages(false)
		if err != nil {
			log.Printf("overlordd: agent mid=%s connection dropped: %v", mid, err)
			conn.Close()
			return
		}
		for _, raw := range msgs {
			s.handleAgentMessage(conn, registry, mid, raw)
		}
	}
}

func (s *Server) handleAgentMessage(conn *protocol.Conn, registry *protocol.Registry, mid string, raw json.RawMessage) {
	isReq, isResp := protocol.Classify(raw)
	switch {
	case isResp:
		var resp protocol.Response
		if json.Unmarshal(raw, &resp) == nil {
			registry.Dispatch(&resp)
		}
	case isReq:
		var req protocol.Request
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		switch req.Name {
		case protocol.ReqPing:
			_ = registry.SendResponse(&req, protocol.StatusSuccess, nil)
		case protocol.ReqRequestToDownload, protocol.ReqClearToUpload:
			// These belong to a FILE child's own connection, never the
			// AGENT control channel; log and ignore if mis-routed.
			log.Printf("overlordd: mid=%s sent %s on AGENT channel, ignoring", mid, req.Name)
		default:
			log.Printf("overlordd: mid=%s unhandled request %q on AGENT channel", mid, req.Name)
		}
	default:
		log.Printf("overlordd: mid=%s malformed message", mid)
	}
}

// readOneRequest reads until exactly one Request is available, per spec
// §4.1's single-message-before-registration rule.
func readOneRequest(conn *protocol.Conn) (*protocol.Request, error) {
	for {
		msgs, err := conn.ReadMessages(true)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			isReq, _ := protocol.Classify(m)
			if !isReq {
				continue
			}
			var req protocol.Request
			if err := json.Unmarshal(m, &req); err != nil {
				return nil, fmt.Errorf("overlordd: unmarshal request: %w", err)
			}
			return &req, nil
		}
	}
}
