// Package wsconn performs the WebSocket upgrade handshake on /connect and
// then hijacks the underlying byte stream so the rest of the session uses
// raw reads/writes instead of WebSocket framing (spec §4.5 step d).
//
// Grounded on github.com/gorilla/websocket, the library the prior Go port
// of this server (_examples/botristarobotics-Overlord) already used for its
// control connection.
package wsconn

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectPath is the fixed HTTP path the control channel upgrades on.
const ConnectPath = "/connect"

// handshakeTimeout bounds the HTTP upgrade round trip.
const handshakeTimeout = 3 * time.Second

// Dial opens a TCP connection to addr (already wrapped in tlsConfig if
// non-nil), performs the WebSocket upgrade handshake against ConnectPath,
// and returns the raw net.Conn with the WebSocket layer discarded. The
// returned connection carries no further WebSocket framing — every byte
// after this call belongs to the framed-JSON control protocol (spec §6).
func Dial(addr string, tlsConfig *tls.Config) (net.Conn, error) {
	scheme := "ws"
	if tlsConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, addr, ConnectPath)

	dialer := &websocket.Dialer{
		NetDial:          nil,
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeTimeout,
	}

	wsConn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}

	return wsConn.UnderlyingConn(), nil
}

// upgrader is shared across all server-side upgrades; it performs no origin
// checking because the control channel is agent-initiated, not
// browser-initiated.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade completes the server side of the handshake for an incoming HTTP
// request at ConnectPath and returns the hijacked raw net.Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return wsConn.UnderlyingConn(), nil
}
