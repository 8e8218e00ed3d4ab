package protocol

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResponseHandler is invoked exactly once per pending request: either with
// the decoded response payload, or with a nil payload on timeout/
// cancellation (spec §4.2's "null sentinel").
type ResponseHandler func(payload json.RawMessage, ok bool)

type pendingEntry struct {
	issued  time.Time
	timeout time.Duration
	handler ResponseHandler
}

// Registry correlates outbound requests with their eventual response,
// enforcing the exactly-once delivery guarantee of spec §4.2/§8. It is
// owned by a single control loop and must not be touched concurrently from
// more than one goroutine except through Dispatch/ScanTimeouts, which are
// internally synchronized so that a response racing a timeout can never
// invoke the same handler twice.
type Registry struct {
	conn *Conn

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewRegistry creates a Registry that sends requests over conn.
func NewRegistry(conn *Conn) *Registry {
	return &Registry{
		conn:    conn,
		pending: make(map[string]*pendingEntry),
	}
}

// Send mints a request id, sends {rid, name, payload, timeout} over the
// connection, and — unless timeout is NoTimeout — registers handler to be
// invoked exactly once with the eventual response or a timeout.
func (r *Registry) Send(name string, payload interface{}, timeout time.Duration, handler ResponseHandler) (string, error) {
	rid := uuid.NewString()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("protocol: marshal payload for %s: %w", name, err)
		}
		raw = b
	}

	timeoutSeconds := float64(NoTimeout)
	if timeout >= 0 {
		timeoutSeconds = timeout.Seconds()
	}

	req := &Request{Rid: rid, Name: name, Payload: raw, Timeout: timeoutSeconds}

	if timeout >= 0 && handler != nil {
		r.mu.Lock()
		r.pending[rid] = &pendingEntry{issued: time.Now(), timeout: timeout, handler: handler}
		r.mu.Unlock()
	}

	if err := r.conn.Send(req); err != nil {
		if timeout >= 0 {
			r.mu.Lock()
			delete(r.pending, rid)
			r.mu.Unlock()
		}
		return "", err
	}
	return rid, nil
}

// SendResponse echoes req's rid back with the given status and payload. It
// does not touch any registry state — a response is a reply, never a
// request that itself awaits a reply.
func (r *Registry) SendResponse(req *Request, status Status, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("protocol: marshal response payload for %s: %w", req.Name, err)
		}
		raw = b
	}
	return r.conn.Send(&Response{Rid: req.Rid, Status: status, Payload: raw})
}

// Dispatch pops the pending entry matching resp.Rid and invokes its handler
// with the response payload. An unmatched rid is logged and discarded, per
// spec §4.2.
func (r *Registry) Dispatch(resp *Response) {
	r.mu.Lock()
	entry, ok := r.pending[resp.Rid]
	if ok {
		delete(r.pending, resp.Rid)
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("protocol: response for unknown rid %s, discarding", resp.Rid)
		return
	}
	entry.handler(resp.Payload, resp.Status == StatusSuccess)
}

// ScanTimeouts pops and fires every pending entry whose deadline has
// elapsed, invoking each handler with ok=false. Called once per control-loop
// tick (spec §4.2, §5).
func (r *Registry) ScanTimeouts() {
	now := time.Now()

	var fired []*pendingEntry
	r.mu.Lock()
	for rid, entry := range r.pending {
		if now.Sub(entry.issued) > entry.timeout {
			fired = append(fired, entry)
			delete(r.pending, rid)
		}
	}
	r.mu.Unlock()

	for _, entry := range fired {
		entry.handler(nil, false)
	}
}

// Reset discards all pending entries without invoking their handlers. Used
// when the control loop tears down a connection entirely (reconnect) — the
// handlers belonged to a dead socket and firing them would be misleading;
// the caller is about to rebuild from scratch.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.pending = make(map[string]*pendingEntry)
	r.mu.Unlock()
}

// FailAll pops every pending entry and invokes its handler with ok=false.
// Unlike Reset, this is for a connection teardown whose callers are still
// waiting on a result (e.g. a server-side Spawn blocked on an agent's ack) —
// discarding silently would leave them blocked forever.
func (r *Registry) FailAll() {
	r.mu.Lock()
	fired := make([]*pendingEntry, 0, len(r.pending))
	for rid, entry := range r.pending {
		fired = append(fired, entry)
		delete(r.pending, rid)
	}
	r.mu.Unlock()

	for _, entry := range fired {
		entry.handler(nil, false)
	}
}

// Len reports the number of currently pending requests (for tests/status).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
