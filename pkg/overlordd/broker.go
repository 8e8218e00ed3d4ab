// Package overlordd implements the server side of the Overlord fabric
// (C11): the broker that tracks one control connection per registered
// agent, mints and pairs session ids for spawned operator connections, and
// the HTTP listener that accepts /connect upgrades.
//
// Grounded on strand-cloud/pkg/store/memory.go's sync.RWMutex-guarded
// map-of-struct store shape and strand-cloud/pkg/agent/agent.go's plain-log
// connection-lifecycle style.
package overlordd

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// PendingGrace is how long a spawned session's pending operator slot
// survives before being expired, absent a child registration (spec §4.11,
// recommended default — see DESIGN.md's Open Question decisions).
const PendingGrace = 30 * time.Second

// agentConn is one registered AGENT-mode control connection.
type agentConn struct {
	mid        string
	conn       *protocol.Conn
	registry   *protocol.Registry
	properties map[string]interface{}
}

// pendingSession is a sid minted by Spawn, holding the operator's own
// connection until the matching child session registers (spec §4.11).
type pendingSession struct {
	sid          string
	mid          string
	mode         protocol.Mode
	operatorConn *protocol.Conn
}

// Broker holds all server-side session state: one control connection per
// agent mid, and one pending slot per sid awaiting a child session.
type Broker struct {
	mu     sync.RWMutex
	agents map[string]*agentConn
	sids   map[string]*pendingSession
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		agents: make(map[string]*agentConn),
		sids:   make(map[string]*pendingSession),
	}
}

// RegisterAgent implements spec §4.11's register(AGENT, mid, ...): any prior
// connection for mid is displaced (tie-break "latest wins", see DESIGN.md).
// properties is the agent's self-reported register payload; its "ip" entry
// is always overwritten from the connection's actual remote address, the
// way the prior Go port's ConnServer.SetProperties does, so a misreporting
// or absent agent can never claim a false address.
func (b *Broker) RegisterAgent(mid string, conn *protocol.Conn, registry *protocol.Registry, properties map[string]interface{}) {
	if properties == nil {
		properties = make(map[string]interface{})
	}
	properties["ip"] = remoteIP(conn)

	b.mu.Lock()
	old, existed := b.agents[mid]
	b.agents[mid] = &agentConn{mid: mid, conn: conn, registry: registry, properties: properties}
	b.mu.Unlock()

	if existed {
		log.Printf("overlordd: displacing prior connection for mid=%s", mid)
		old.conn.Close()
	}
}

// remoteIP extracts the host portion of conn's remote address, dropping the
// port the way SetProperties does.
func remoteIP(conn *protocol.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// AgentProperties returns the registered properties (with the server-side
// "ip" overwrite applied) for mid, if connected.
func (b *Broker) AgentProperties(mid string) (map[string]interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[mid]
	if !ok {
		return nil, false
	}
	return a.properties, true
}

// UnregisterAgent removes mid's control connection, if it still refers to
// conn (avoids racing a newer registration's removal of an older entry).
func (b *Broker) UnregisterAgent(mid string, conn *protocol.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.agents[mid]; ok && cur.conn == conn {
		delete(b.agents, mid)
	}
}

// AgentRegistry returns the registered control-channel registry for mid, if
// connected.
func (b *Broker) AgentRegistry(mid string) (*protocol.Registry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[mid]
	if !ok {
		return nil, false
	}
	return a.registry, true
}

// RegisterChild implements spec §4.11's register(mode≠AGENT, sid): look up
// the pending operator stream keyed by sid; if none, the caller replies
// failure. On success the pending entry is removed and the two byte streams
// are paired with a raw bidirectional copy on a new goroutine; RegisterChild
// itself returns true at once, without waiting for either side to close.
func (b *Broker) RegisterChild(sid string, childConn *protocol.Conn) bool {
	b.mu.Lock()
	pending, ok := b.sids[sid]
	if ok {
		delete(b.sids, sid)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	go pairStreams(pending.operatorConn, childConn)
	return true
}

// pairStreams detaches both connections from JSON framing and bridges them
// byte-for-byte in both directions until either side closes.
func pairStreams(a, c *protocol.Conn) {
	aLeftover, aRaw := a.Detach()
	cLeftover, cRaw := c.Detach()
	defer aRaw.Close()
	defer cRaw.Close()

	if len(aLeftover) > 0 {
		if _, err := cRaw.Write(aLeftover); err != nil {
			log.Printf("overlordd: pair: write operator leftover to child: %v", err)
			return
		}
	}
	if len(cLeftover) > 0 {
		if _, err := aRaw.Write(cLeftover); err != nil {
			log.Printf("overlordd: pair: write child leftover to operator: %v", err)
			return
		}
	}

	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(cRaw, aRaw); errCh <- err }()
	go func() { _, err := io.Copy(aRaw, cRaw); errCh <- err }()
	<-errCh
}

// Spawn implements spec §4.11's spawn(mid, mode, payload) → sid: mint a sid,
// hold the operator's own connection pending under that sid, send the
// corresponding request to the agent's control channel, and return the sid
// once the agent acknowledges success. operatorConn is detached and paired
// with the child's connection once RegisterChild observes it (or closed
// outright if the grace period expires unpaired).
func (b *Broker) Spawn(mid string, mode protocol.Mode, reqName string, payload interface{}, operatorConn *protocol.Conn) (string, error) {
	registry, ok := b.AgentRegistry(mid)
	if !ok {
		return "", fmt.Errorf("overlordd: no agent registered for mid=%s", mid)
	}

	sid := uuid.NewString()
	pending := &pendingSession{sid: sid, mid: mid, mode: mode, operatorConn: operatorConn}
	b.mu.Lock()
	b.sids[sid] = pending
	b.mu.Unlock()

	acked := make(chan bool, 1)
	_, err := registry.Send(reqName, payload, 10*time.Second, func(_ json.RawMessage, ok bool) {
		acked <- ok
	})
	if err != nil {
		b.expireSid(sid)
		return "", fmt.Errorf("overlordd: send %s to mid=%s: %w", reqName, mid, err)
	}

	if !<-acked {
		b.expireSid(sid)
		return "", fmt.Errorf("overlordd: mid=%s rejected %s", mid, reqName)
	}

	go b.expireAfterGrace(sid)
	return sid, nil
}

// expireAfterGrace closes the pending operator connection if no child has
// registered for sid within PendingGrace (spec §4.11's bounded grace
// period).
func (b *Broker) expireAfterGrace(sid string) {
	time.Sleep(PendingGrace)
	b.mu.Lock()
	pending, ok := b.sids[sid]
	if ok {
		delete(b.sids, sid)
	}
	b.mu.Unlock()
	if ok {
		log.Printf("overlordd: pending session sid=%s expired after %s with no child", sid, PendingGrace)
		pending.operatorConn.Close()
	}
}

func (b *Broker) expireSid(sid string) {
	b.mu.Lock()
	delete(b.sids, sid)
	b.mu.Unlock()
}

// FSRequestTimeout bounds the filesystem introspection requests (spec §6:
// list_tree, fstat, create_symlink, mkdir) the broker forwards to an agent
// on an operator's behalf.
const FSRequestTimeout = 30 * time.Second

// SendFSRequest forwards a list_tree/fstat/create_symlink/mkdir request to
// mid's control channel and returns the raw response payload.
func (b *Broker) SendFSRequest(mid, name string, payload interface{}) (json.RawMessage, error) {
	registry, ok := b.AgentRegistry(mid)
	if !ok {
		return nil, fmt.Errorf("overlordd: no agent registered for mid=%s", mid)
	}

	type result struct {
		payload json.RawMessage
		ok      bool
	}
	done := make(chan result, 1)
	_, err := registry.Send(name, payload, FSRequestTimeout, func(p json.RawMessage, ok bool) {
		done <- result{payload: p, ok: ok}
	})
	if err != nil {
		return nil, fmt.Errorf("overlordd: send %s to mid=%s: %w", name, mid, err)
	}

	r := <-done
	if !r.ok {
		return nil, fmt.Errorf("overlordd: mid=%s %s timed out or failed", mid, name)
	}
	return r.payload, nil
}
