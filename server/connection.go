// Package server is the connection engine: the TLS listener, the
// per-connection read loop and write serializer, and the command
// dispatcher that turns JSON envelopes into chat.Manager operations, built
// around a length-prefixed binary frame codec and a full command registry.
package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"qlserver/protocol"
)

// Connection owns one TLS-terminated peer socket: a write path serialized
// by writeMu (concurrent senders never interleave their frames), and a
// reassembly buffer consumed only by this connection's own read loop.
type Connection struct {
	conn       net.Conn
	remoteAddr string
	traceID    string

	writeMu      sync.Mutex
	writeTimeout time.Duration
	sequence     uint32

	buf protocol.Buffer
}

// newConnection wraps an already-handshaked net.Conn (a *tls.Conn in
// production, anything satisfying net.Conn in tests).
func newConnection(c net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		conn:         c,
		remoteAddr:   c.RemoteAddr().String(),
		traceID:      uuid.NewString(),
		writeTimeout: writeTimeout,
	}
}

// RemoteAddr implements chat.Conn.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// TraceID is the per-connection correlation id attached to every log line
// about this connection.
func (c *Connection) TraceID() string { return c.traceID }

func (c *Connection) nextSequence() uint32 {
	return atomic.AddUint32(&c.sequence, 1)
}

// writeFrame encodes and writes f, serialized against every other writer
// on this connection.
func (c *Connection) writeFrame(f protocol.Frame) error {
	wire := protocol.Encode(f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(wire)
	return err
}

// Send implements chat.Conn: it frames payload as a TEXT frame with a
// fresh sequence number and no particular request id, used for fanout
// pushes that are not a reply to any one request.
func (c *Connection) Send(payload []byte) error {
	return c.writeFrame(protocol.Frame{
		Type:      protocol.TypeText,
		Sequence:  c.nextSequence(),
		RequestID: 0,
		Payload:   payload,
	})
}

// Reply writes payload as a TEXT frame carrying requestID, so the caller
// can correlate it with the request that produced it.
func (c *Connection) Reply(requestID uint64, payload []byte) error {
	return c.writeFrame(protocol.Frame{
		Type:      protocol.TypeText,
		Sequence:  c.nextSequence(),
		RequestID: requestID,
		Payload:   payload,
	})
}

// Close closes the underlying stream.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// readInto reads a chunk from the socket into the reassembly buffer, ready
// for the caller to drain complete frames with buf.CanRead()/buf.Read().
func (c *Connection) readInto(readTimeout time.Duration, scratch []byte) (int, error) {
	if readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	n, err := c.conn.Read(scratch)
	if n > 0 {
		c.buf.Write(scratch[:n])
	}
	return n, err
}
