package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
)

// separator is the two-byte delimiter required after every framed JSON
// object on the control channel (spec §6).
var separator = []byte{'\r', '\n'}

// maxMessageSize bounds a single framed JSON object, preventing an
// unbounded buffer grow from a peer that never sends the separator.
const maxMessageSize = 16 << 20 // 16 MiB

// ErrConnClosed names a closed connection. Conn's own methods do not return
// it: after Close they return the underlying net.Conn's error.
var ErrConnClosed = fmt.Errorf("protocol: connection closed")

// Conn is the framed-JSON channel (C1): a duplex byte stream with a head
// buffer ("unrecv") that lets the last partial read be pushed back, and that
// gives a raw-mode session handler the exact leftover bytes once the control
// channel hands off.
//
// Conn owns no parsing state beyond the head buffer; ReadMessages is called
// repeatedly by the control loop, and Detach is called exactly once, at the
// moment a session stops being JSON-framed and starts being a raw byte pipe.
type Conn struct {
	raw net.Conn

	writeMu sync.Mutex

	readMu sync.Mutex
	head   []byte // unrecv buffer: bytes read but not yet consumed as a message
}

// NewConn wraps raw in a framed channel with an empty head buffer.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Send serializes msg to UTF-8 JSON, appends the separator, and writes it as
// a single atomic write. Safe for concurrent use: writers are serialized by
// an internal mutex, matching spec §4.1's "one message = one write" rule.
func (c *Conn) Send(msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}
	body = append(body, separator...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(body); err != nil {
		return fmt.Errorf("protocol: write message: %w", err)
	}
	return nil
}

// ReadMessages performs one underlying Read, splits the accumulated bytes
// (head buffer + new bytes) on the separator, and returns every complete
// JSON object found. Any trailing partial object is kept in the head buffer
// for the next call.
//
// singleMessage restricts parsing to at most one object per call, even if
// more are available — required before registration succeeds, since the
// remaining bytes may belong to a mode the stream is about to switch into
// (spec §4.1).
func (c *Conn) ReadMessages(singleMessage bool) ([]json.RawMessage, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	buf := make([]byte, 64*1024)
	n, err := c.raw.Read(buf)
	if n > 0 {
		c.head = append(c.head, buf[:n]...)
	}
	if err != nil && n == 0 {
		return nil, err
	}

	if len(c.head) > maxMessageSize {
		return nil, fmt.Errorf("protocol: pending buffer exceeds %d bytes without a separator", maxMessageSize)
	}

	var out []json.RawMessage
	for {
		idx := bytes.Index(c.head, separator)
		if idx < 0 {
			break
		}
		chunk := c.head[:idx]
		c.head = c.head[idx+len(separator):]

		trimmed := bytes.TrimSpace(chunk)
		if len(trimmed) == 0 {
			continue
		}
		if !json.Valid(trimmed) {
			log.Printf("protocol: malformed JSON chunk, skipping: %q", truncate(trimmed, 200))
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), trimmed...)))

		if singleMessage {
			break
		}
	}
	return out, nil
}

// Detach stops JSON framing on this connection and returns whatever bytes
// are already sitting in the head buffer (possibly none) along with the
// underlying net.Conn. The caller — a session handler — must consume the
// leftover bytes first, then read raw from the returned net.Conn. No further
// JSON parsing may occur on this socket afterward (spec §8 invariant).
func (c *Conn) Detach() ([]byte, net.Conn) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	leftover := c.head
	c.head = nil
	return leftover, c.raw
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// NewLeftoverReader builds an io.Reader that yields leftover first, then
// continues reading from conn — the hand-off shape every raw-mode session
// handler needs (spec §4.1, §9 "raw-mode hand-off").
func NewLeftoverReader(leftover []byte, conn net.Conn) io.Reader {
	if len(leftover) == 0 {
		return conn
	}
	return io.MultiReader(bytes.NewReader(leftover), conn)
}
