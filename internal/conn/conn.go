// Package conn implements the per-connection state machine: the
// AwaitingHeader -> AwaitingBody -> Write -> Closed cycle driven by
// reads and writes off a single transport. Grounded on
// original_source/libxenstore/src/server.rs's Connection/State (the
// mio-based variant, not the simpler 407-line src/server.rs), translated
// from mio's EventSet/PollOpt idiom to this module's own epoll reactor
// (internal/reactor) and from a VecDeque<Buffer> transmit queue to a
// single growable byte slice with a write offset.
package conn

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/leengari/xenstored/internal/wire"
)

// ID identifies one connection: a random token (so ids aren't guessable
// or reused across accepts, unlike a slab index) paired with the domain
// id this connection currently speaks for. Comparable, so it works
// directly as a map key (internal/watch.List[conn.ID]) and a key in
// Server's connection table.
type ID struct {
	Token uuid.UUID
	Dom   wire.DomainID
}

func (id ID) String() string { return fmt.Sprintf("%s/dom%d", id.Token, id.Dom) }

// State is the connection's position in its read/write cycle.
type State int

const (
	AwaitingHeader State = iota
	AwaitingBody
	Write
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "AwaitingHeader"
	case AwaitingBody:
		return "AwaitingBody"
	case Write:
		return "Write"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Transport is the minimal byte-stream surface a Connection needs. A
// *net.UnixConn, a net.Pipe half (for internal/conntest), or a raw
// nonblocking fd wrapper (see internal/conn's Server) all satisfy it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrWouldBlock is the sentinel a Transport returns for "no data/buffer
// space right now" — the signal to wait for the next readiness
// notification rather than treat the operation as failed.
var ErrWouldBlock = errors.New("conn: would block")

// Connection tracks one client's read/write cycle. It holds no socket
// registration state of its own; Server owns the reactor plumbing and
// calls OnReadable/OnWritable in response to readiness events.
type Connection struct {
	ID ID

	tr    Transport
	state State

	inbuf []byte

	outbuf []byte
	outoff int
}

// New wraps tr as a fresh connection that speaks for dom. The domain is
// fixed for the connection's lifetime; Server accepts every client as
// Dom0.
func New(tr Transport, dom wire.DomainID) *Connection {
	return &Connection{
		ID:    ID{Token: uuid.New(), Dom: dom},
		tr:    tr,
		state: AwaitingHeader,
	}
}

// State reports the connection's current position in its cycle.
func (c *Connection) State() State { return c.state }

// OnReadable is called when the transport is readable. It reads once,
// accumulates into the frame buffer, and reports a fully decoded frame
// when one becomes available. A partial frame reports ok=false with a
// nil error — the caller should wait for the next readiness event.
func (c *Connection) OnReadable() (h wire.Header, body []byte, ok bool, err error) {
	if c.state != AwaitingHeader && c.state != AwaitingBody {
		return wire.Header{}, nil, false, fmt.Errorf("conn: read while in state %s", c.state)
	}

	chunk := make([]byte, wire.HeaderSize+wire.BodyMax)
	n, rerr := c.tr.Read(chunk)
	if n > 0 {
		c.inbuf = append(c.inbuf, chunk[:n]...)
	}
	if rerr != nil && !errors.Is(rerr, ErrWouldBlock) {
		if errors.Is(rerr, io.EOF) {
			return wire.Header{}, nil, false, io.EOF
		}
		return wire.Header{}, nil, false, rerr
	}
	if n == 0 && rerr == nil {
		return wire.Header{}, nil, false, io.EOF
	}

	h, body, consumed, ok, derr := wire.DecodeFrame(c.inbuf)
	if derr != nil {
		return wire.Header{}, nil, false, derr
	}
	if !ok {
		if len(c.inbuf) >= wire.HeaderSize {
			c.state = AwaitingBody
		}
		return wire.Header{}, nil, false, nil
	}

	remainder := make([]byte, len(c.inbuf)-consumed)
	copy(remainder, c.inbuf[consumed:])
	c.inbuf = remainder
	return h, body, true, nil
}

// Enqueue appends an encoded frame to the outbound buffer and, if the
// connection was idle, transitions it to Write so the caller re-arms the
// reactor for write readiness.
func (c *Connection) Enqueue(h wire.Header, body []byte) {
	c.outbuf = append(c.outbuf, wire.EncodeFrame(h, body)...)
	c.state = Write
}

// HasPendingWrite reports whether Enqueue has buffered bytes not yet
// flushed by OnWritable.
func (c *Connection) HasPendingWrite() bool { return c.state == Write }

// OnWritable is called when the transport is writable. It flushes as
// much of the outbound buffer as the transport accepts and reports
// done=true once everything enqueued has been written, transitioning
// back to AwaitingHeader for the next request.
func (c *Connection) OnWritable() (done bool, err error) {
	if c.state != Write {
		return false, fmt.Errorf("conn: write while in state %s", c.state)
	}

	n, werr := c.tr.Write(c.outbuf[c.outoff:])
	if n > 0 {
		c.outoff += n
	}
	if werr != nil && !errors.Is(werr, ErrWouldBlock) {
		return false, werr
	}

	if c.outoff >= len(c.outbuf) {
		c.outbuf = nil
		c.outoff = 0
		c.state = AwaitingHeader
		return true, nil
	}
	return false, nil
}

// Close marks the connection closed and releases its transport. The
// caller is still responsible for reactor deregistration and for
// resetting this connection's watches/transactions in the store's
// registries.
func (c *Connection) Close() error {
	c.state = Closed
	return c.tr.Close()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool { return c.state == Closed }
