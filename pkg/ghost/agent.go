// Package ghost implements the Overlord agent: the control loop that
// discovers, connects to, and registers with a server (spec §4.5), and the
// session spawner and session handlers that a registered control channel
// gives rise to (spec §4.6–§4.10).
//
// The name matches the original implementation's agent process
// (aitjcize/Overlord's py/ghost.py), which this module's control loop is
// grounded on for ordering and edge-case behavior; the Go shape — context
// cancellation, ticker-driven loops, sync-guarded shared state — is grounded
// on strand-cloud/pkg/agent/agent.go and heartbeat.go.
package ghost

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/overlord-fabric/overlord/pkg/discovery"
	"github.com/overlord-fabric/overlord/pkg/identity"
	"github.com/overlord-fabric/overlord/pkg/protocol"
)

// state is the agent control loop's lifecycle stage (spec §4.5).
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateRegistering
	stateRegistered
)

// Agent runs the top-level AGENT-mode control loop for one machine.
type Agent struct {
	cfg    Config
	mid    string
	tables *Tables

	beacon *discovery.Listener

	ipc *ipcServer

	resetCh   chan struct{}
	connected bool

	// statusMu guards the fields Status() reads, since it runs on the local
	// IPC server's own goroutine while listen() updates them from the
	// control loop's goroutine.
	statusMu   sync.Mutex
	lastPingAt time.Time

	// currentCandidate/currentTLS record the server address and TLS
	// decision of the connection currently being served, so a spawned
	// child session (spec §4.6) can dial the same server without
	// re-running discovery or TLS negotiation.
	currentCandidate string
	currentTLS       *tls.Config

	// pendingBeacons accumulates beacon addresses since the last candidate
	// rebuild, drained at the top of every connect attempt (spec §4.5 step
	// 1-2).
	pendingBeacons []string
}

// StatusReply is returned by the local IPC GetStatus call (spec §6). Sid is
// intentionally absent: unlike ghost.py's forked child processes, a spawned
// session here is an in-process goroutine with no IPC surface of its own
// (see spawn.go), so only the top-level AGENT connection ever answers
// GetStatus and no spawned session's id is reported through it.
type StatusReply struct {
	Mid         string  `json:"mid"`
	Connected   bool    `json:"connected"`
	Mode        string  `json:"mode"`
	LastPingAgo float64 `json:"last_ping_ago,omitempty"`
}

// NewAgent builds an Agent ready to Run. cfg.Mode and cfg.Sid are not read:
// the Agent always registers as ModeAgent, and spawned sessions run through
// runChildSession instead.
func NewAgent(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:     cfg,
		tables:  NewTables(),
		resetCh: make(chan struct{}, 1),
	}
	if !cfg.DisableBeacon {
		a.beacon = discovery.NewListener()
	}
	if cfg.IPCAddr != "" {
		a.ipc = newIPCServer(a)
	}
	return a
}

// Reconnect requests that the control loop tear down its current connection
// (if any) and start over from candidate discovery (spec §5 "external
// reset").
func (a *Agent) Reconnect() {
	select {
	case a.resetCh <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the agent's current state for the local IPC
// GetStatus call.
func (a *Agent) Status() StatusReply {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()

	reply := StatusReply{
		Mid:       a.mid,
		Connected: a.connected,
		Mode:      protocol.ModeAgent.String(),
	}
	if !a.lastPingAt.IsZero() {
		reply.LastPingAgo = time.Since(a.lastPingAt).Seconds()
	}
	return reply
}

// setConnected records the current connection state under statusMu.
func (a *Agent) setConnected(connected bool) {
	a.statusMu.Lock()
	a.connected = connected
	a.statusMu.Unlock()
}

// touchPing records that a ping was just sent or acknowledged, for
// GetStatus's last_ping_ago.
func (a *Agent) touchPing() {
	a.statusMu.Lock()
	a.lastPingAt = time.Now()
	a.statusMu.Unlock()
}

// Run is the outer retry loop (spec §4.5 step 4): try every candidate in
// order, and on exhaustion sleep RetryInterval and rebuild the candidate
// list from scratch. Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	// Background services run under an errgroup so that an unexpected exit
	// from either one (not just ctx cancellation) tears the whole agent
	// down instead of leaving the retry loop spinning against a dead
	// beacon listener or IPC server.
	g, gctx := errgroup.WithContext(ctx)

	if a.beacon != nil {
		g.Go(func() error { return a.beacon.Run(gctx, a.cfg.BeaconPort) })
		go a.drainBeacons(gctx)
	}
	if a.ipc != nil {
		g.Go(func() error { return a.ipc.Serve(gctx) })
	}
	go func() {
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			log.Printf("ghost: background service exited: %v", err)
		}
	}()

	ctx = gctx
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		a.drainPendingEvents()
		candidates := discovery.BuildCandidates(a.cfg.discoveryOptions(a.takeBeacons()))

		registered := false
		for _, candidate := range candidates {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			a.tables.Reset()

			ok, err := a.attempt(ctx, candidate)
			if err != nil {
				log.Printf("ghost: candidate %s failed: %v", candidate, err)
				continue
			}
			// Whether attempt returned because of a clean reset or a
			// transient failure, move to the next candidate only if we
			// never registered; once registered+disconnected we restart
			// discovery from the top (spec §4.5 step 4).
			if ok {
				registered = true
				break
			}
		}

		if !registered {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.RetryInterval):
			}
		}
	}
}

// attempt performs spec §4.5 steps 3(a)-(h) against one candidate. It
// returns true if registration ever succeeded during this attempt (even if
// the connection later dropped), so Run knows whether to treat the
// candidate list as exhausted.
func (a *Agent) attempt(ctx context.Context, candidate string) (bool, error) {
	tlsConfig, err := resolveTLS(ctx, candidate, a.cfg)
	if err != nil {
		return false, fmt.Errorf("tls negotiation: %w", err)
	}

	conn, err := dialControlChannel(ctx, candidate, tlsConfig)
	if err != nil {
		return false, err
	}

	a.mid = identity.Compute(a.cfg.Identity)
	a.currentCandidate = candidate
	a.currentTLS = tlsConfig

	registry := protocol.NewRegistry(conn)

	registered := make(chan bool, 1)
	_, err = registry.Send(protocol.ReqRegister, protocol.RegisterPayload{
		Mode: protocol.ModeAgent,
		Mid:  a.mid,
		Sid:  uuid.NewString(),
	}, a.cfg.RegisterTimeout, func(payload json.RawMessage, ok bool) {
		registered <- ok
	})
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("send register: %w", err)
	}

	a.setConnected(false)
	ok := a.listen(ctx, conn, registry, registered)
	conn.Close()
	registry.Reset()
	if a.beacon != nil {
		a.beacon.Resume()
	}
	a.setConnected(false)
	return ok, nil
}

// listen is spec §4.5 step (h): the per-connection event loop. It reads
// messages, dispatches requests/responses, sends periodic pings, scans
// request timeouts, and drains the download queue, until the connection
// drops or an external reset is requested.
//
// listen returns true iff the register(AGENT) response was ever observed as
// successful during this call.
func (a *Agent) listen(ctx context.Context, conn *protocol.Conn, registry *protocol.Registry, registered chan bool) bool {
	everRegistered := false
	lastPing := time.Now()
	tick := a.cfg.PingInterval / 2
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}

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
			msgs, err := conn.ReadMessages(!everRegistered)
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

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return everRegistered

		case ok := <-registered:
			everRegistered = ok
			if !ok {
				log.Printf("ghost: registration failed or timed out for mid=%s", a.mid)
				return everRegistered
			}
			a.setConnected(true)
			if a.beacon != nil {
				a.beacon.Pause()
			}
			lastPing = time.Now()
			a.touchPing()
			log.Printf("ghost: registered as AGENT mid=%s", a.mid)

		case err := <-readErrCh:
			log.Printf("ghost: connection dropped: %v", err)
			return everRegistered

		case msgs := <-rawCh:
			for _, raw := range msgs {
				a.handleRaw(registry, raw)
			}

		case <-ticker.C:
			registry.ScanTimeouts()

			if everRegistered && time.Since(lastPing) >= a.cfg.PingInterval {
				lastPing = time.Now()
				a.touchPing()
				a.sendPing(registry)
			}

			if everRegistered {
				a.drainOneDownload(registry)
			}

		case <-a.resetCh:
			log.Printf("ghost: external reset requested")
			return everRegistered
		}
	}
}

// sendPing sends a keep-alive ping; a timeout (null response) is treated as
// a connection failure and forces the listener to exit (spec §4.5
// "Keep-alive").
func (a *Agent) sendPing(registry *protocol.Registry) {
	_, err := registry.Send(protocol.ReqPing, struct{}{}, a.cfg.PingTimeout, func(payload json.RawMessage, ok bool) {
		if !ok {
			log.Printf("ghost: ping timeout, forcing reconnect")
			a.Reconnect()
		}
	})
	if err != nil {
		log.Printf("ghost: send ping: %v", err)
	}
}

// handleRaw classifies one decoded object as a request or response and
// dispatches it accordingly (spec §4.1).
func (a *Agent) handleRaw(registry *protocol.Registry, raw json.RawMessage) {
	isReq, isResp := protocol.Classify(raw)
	switch {
	case isResp:
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Printf("ghost: malformed response: %v", err)
			return
		}
		registry.Dispatch(&resp)
	case isReq:
		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Printf("ghost: malformed request: %v", err)
			return
		}
		a.handleRequest(registry, &req)
	default:
		log.Printf("ghost: message with neither name nor status, skipping")
	}
}

// handleRequest dispatches an inbound server request on the AGENT control
// channel (spec §6's request table).
func (a *Agent) handleRequest(registry *protocol.Registry, req *protocol.Request) {
	switch req.Name {
	case protocol.ReqTerminal, protocol.ReqShell, protocol.ReqFileDownload, protocol.ReqFileUpload, protocol.ReqForward:
		a.handleSpawn(registry, req)
	case protocol.ReqListTree:
		a.handleListTree(registry, req)
	case protocol.ReqFstat:
		a.handleFstat(registry, req)
	case protocol.ReqCreateSymlink:
		a.handleCreateSymlink(registry, req)
	case protocol.ReqMkdir:
		a.handleMkdir(registry, req)
	case protocol.ReqUpgrade:
		log.Printf("ghost: upgrade requested (out of scope), replying failed")
		_ = registry.SendResponse(req, protocol.StatusFailed, map[string]string{"error": "self-upgrade not implemented"})
	default:
		log.Printf("ghost: unhandled request %q", req.Name)
	}
}

func (a *Agent) drainPendingEvents() {
	// Placeholder hook for future cross-task events beyond beacons; kept
	// distinct from takeBeacons so Run's step ordering matches spec §4.5
	// step 1 ("Drain the event queue") even as more event sources are added.
}

func (a *Agent) drainBeacons(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-a.beacon.Events:
			a.pendingBeacons = append(a.pendingBeacons, b.Addr)
		}
	}
}

func (a *Agent) takeBeacons() []string {
	b := a.pendingBeacons
	a.pendingBeacons = nil
	return b
}

func (a *Agent) drainOneDownload(registry *protocol.Registry) {
	req, ok := a.tables.PopDownload()
	if !ok {
		return
	}
	sid, ok := a.tables.SidForTTY(req.TtyName)
	if !ok {
		log.Printf("ghost: no session registered for tty %q, dropping queued download of %q", req.TtyName, req.Filename)
		return
	}
	a.spawnChild(childSpec{
		mode: protocol.ModeFile,
		sid:  sid,
		file: &fileSpec{action: protocol.FileDownload, filename: req.Filename, terminalSid: sid},
	})
}
