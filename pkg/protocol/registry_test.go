package protocol

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"
)

// drain continuously reads and discards from conn so a synchronous net.Pipe
// write on the other end never blocks forever in tests that don't care what
// was sent.
func drain(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

// ---------------------------------------------------------------------------
// Send / Dispatch
// ---------------------------------------------------------------------------

func TestRegistrySendDispatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewConn(client)
	registry := NewRegistry(conn)

	result := make(chan struct {
		payload json.RawMessage
		ok      bool
	}, 1)

	sendErr := make(chan error, 1)
	go func() {
		_, err := registry.Send(ReqPing, nil, 5*time.Second, func(p json.RawMessage, ok bool) {
			result <- struct {
				payload json.RawMessage
				ok      bool
			}{p, ok}
		})
		sendErr <- err
	}()

	// Read the request off the wire so we know its rid, then dispatch a
	// matching response back through the same registry, as the owning
	// control loop would after receiving it from the peer.
	ss := NewConn(server)
	msgs, err := ss.ReadMessages(true)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	var req Request
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	registry.Dispatch(&Response{Rid: req.Rid, Status: StatusSuccess, Payload: json.RawMessage(`{"ok":true}`)})

	select {
	case r := <-result:
		if !r.ok {
			t.Error("handler invoked with ok=false, want true")
		}
		if string(r.payload) != `{"ok":true}` {
			t.Errorf("payload = %s, want {\"ok\":true}", r.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	if registry.Len() != 0 {
		t.Errorf("Len() = %d after dispatch, want 0", registry.Len())
	}
	if err := <-sendErr; err != nil {
		t.Errorf("Send: %v", err)
	}
}

// TestRegistryDispatchUnknownRidIsDiscarded verifies an unmatched response
// does not panic and leaves the pending table untouched.
func TestRegistryDispatchUnknownRidIsDiscarded(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()
	registry := NewRegistry(NewConn(client))

	registry.Dispatch(&Response{Rid: "never-sent", Status: StatusSuccess})
	if registry.Len() != 0 {
		t.Errorf("Len() = %d, want 0", registry.Len())
	}
}

// ---------------------------------------------------------------------------
// ScanTimeouts
// ---------------------------------------------------------------------------

func TestRegistryScanTimeoutsFiresExpiredEntries(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go drain(server)

	registry := NewRegistry(NewConn(client))

	fired := make(chan bool, 1)
	if _, err := registry.Send(ReqPing, nil, 10*time.Millisecond, func(_ json.RawMessage, ok bool) {
		fired <- ok
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	registry.ScanTimeouts()

	select {
	case ok := <-fired:
		if ok {
			t.Error("handler invoked with ok=true on timeout, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked on timeout")
	}
	if registry.Len() != 0 {
		t.Errorf("Len() = %d after timeout, want 0", registry.Len())
	}
}

func TestRegistryScanTimeoutsLeavesFreshEntriesPending(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go drain(server)

	registry := NewRegistry(NewConn(client))
	if _, err := registry.Send(ReqPing, nil, time.Hour, func(_ json.RawMessage, _ bool) {}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	registry.ScanTimeouts()
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (entry not yet expired)", registry.Len())
	}
}

// ---------------------------------------------------------------------------
// Reset / FailAll
// ---------------------------------------------------------------------------

func TestRegistryResetDiscardsWithoutInvokingHandlers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go drain(server)

	registry := NewRegistry(NewConn(client))
	invoked := false
	if _, err := registry.Send(ReqPing, nil, time.Hour, func(_ json.RawMessage, _ bool) { invoked = true }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	registry.Reset()
	if invoked {
		t.Error("Reset invoked a handler, want silent discard")
	}
	if registry.Len() != 0 {
		t.Errorf("Len() = %d after Reset, want 0", registry.Len())
	}
}

func TestRegistryFailAllInvokesEveryPendingHandler(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go drain(server)

	registry := NewRegistry(NewConn(client))

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		if _, err := registry.Send(ReqPing, nil, time.Hour, func(_ json.RawMessage, ok bool) {
			results <- ok
		}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	registry.FailAll()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Error("handler invoked with ok=true on FailAll, want false")
			}
		case <-time.After(time.Second):
			t.Fatal("handler never invoked by FailAll")
		}
	}
	if registry.Len() != 0 {
		t.Errorf("Len() = %d after FailAll, want 0", registry.Len())
	}
}
