package overlordd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// ---------------------------------------------------------------------------
// readOneRequest
// ---------------------------------------------------------------------------

func TestReadOneRequestSkipsResponsesUntilRequest(t *testing.T) {
	serverRaw, clientRaw, closeFn := rawPipe()
	defer closeFn()
	serverConn := protocol.NewConn(serverRaw)
	clientConn := protocol.NewConn(clientRaw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// A stray response arrives before the real register request.
		clientConn.Send(&protocol.Response{Rid: "stray", Status: protocol.StatusSuccess})
		clientConn.Send(&protocol.Request{Rid: "1", Name: protocol.ReqRegister})
	}()

	req, err := readOneRequest(serverConn)
	if err != nil {
		t.Fatalf("readOneRequest: %v", err)
	}
	if req.Name != protocol.ReqRegister {
		t.Errorf("req.Name = %q, want %q", req.Name, protocol.ReqRegister)
	}
	<-done
}

// ---------------------------------------------------------------------------
// handleAgentMessage
// ---------------------------------------------------------------------------

func TestHandleAgentMessagePingRespondsSuccess(t *testing.T) {
	s := &Server{Broker: NewBroker()}

	serverRaw, clientRaw, closeFn := rawPipe()
	defer closeFn()
	serverConn := protocol.NewConn(serverRaw)
	clientConn := protocol.NewConn(clientRaw)
	registry := protocol.NewRegistry(serverConn)

	reqBytes, _ := json.Marshal(&protocol.Request{Rid: "ping-1", Name: protocol.ReqPing})

	go s.handleAgentMessage(serverConn, registry, "mid-1", reqBytes)

	msgs, err := clientConn.ReadMessages(true)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadMessages: msgs=%d err=%v", len(msgs), err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(msgs[0], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Rid != "ping-1" || resp.Status != protocol.StatusSuccess {
		t.Errorf("response = %+v, want rid=ping-1 status=success", resp)
	}
}

// ---------------------------------------------------------------------------
// serveConnection
// ---------------------------------------------------------------------------

func TestServeConnectionRegistersAgent(t *testing.T) {
	s := &Server{Broker: NewBroker()}

	serverRaw, clientRaw, closeFn := rawPipe()
	defer closeFn()
	clientConn := protocol.NewConn(clientRaw)

	go s.serveConnection(serverRaw)

	payload, _ := json.Marshal(protocol.RegisterPayload{Mode: protocol.ModeAgent, Mid: "mid-42"})
	if err := clientConn.Send(&protocol.Request{Rid: "r1", Name: protocol.ReqRegister, Payload: payload}); err != nil {
		t.Fatalf("send register: %v", err)
	}

	msgs, err := clientConn.ReadMessages(true)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadMessages ack: msgs=%d err=%v", len(msgs), err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(msgs[0], &resp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("register ack status = %v, want success", resp.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Broker.AgentRegistry("mid-42"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("mid-42 was never registered in the broker")
}

func TestServeConnectionChildWithNoPendingSessionFails(t *testing.T) {
	s := &Server{Broker: NewBroker()}

	serverRaw, clientRaw, closeFn := rawPipe()
	defer closeFn()
	clientConn := protocol.NewConn(clientRaw)

	go s.serveConnection(serverRaw)

	payload, _ := json.Marshal(protocol.RegisterPayload{Mode: protocol.ModeFile, Sid: "no-such-sid"})
	if err := clientConn.Send(&protocol.Request{Rid: "r1", Name: protocol.ReqRegister, Payload: payload}); err != nil {
		t.Fatalf("send register: %v", err)
	}

	msgs, err := clientConn.ReadMessages(true)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadMessages: msgs=%d err=%v", len(msgs), err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(msgs[0], &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != protocol.StatusFailed {
		t.Errorf("status = %v, want failed for an unknown sid", resp.Status)
	}
}

func TestServeConnectionRejectsNonRegisterFirstMessage(t *testing.T) {
	s := &Server{Broker: NewBroker()}

	serverRaw, clientRaw, closeFn := rawPipe()
	defer closeFn()
	clientConn := protocol.NewConn(clientRaw)

	go s.serveConnection(serverRaw)

	if err := clientConn.Send(&protocol.Request{Rid: "r1", Name: protocol.ReqPing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	buf := make([]byte, 1)
	clientRaw.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := clientRaw.Read(buf); err == nil {
		t.Error("connection stayed open after a non-register first message, want it closed")
	}
}
