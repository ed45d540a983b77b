// Package conntest provides a net.Pipe-backed harness for driving
// internal/conn.Connection and internal/dispatch end to end without a
// real socket or epoll reactor — grounded on the teacher's
// internal/integration_test package (full-stack tests against a live,
// in-process component rather than mocks).
//
// net.Pipe is fully synchronous: a Write blocks until every byte has
// been consumed by the other side's Read(s). Every method here that
// writes therefore runs the write on its own goroutine and hands back a
// channel for the eventual error, so callers can drive the matching read
// first without deadlocking.
package conntest

import (
	"net"

	"github.com/leengari/xenstored/internal/conn"
	"github.com/leengari/xenstored/internal/wire"
)

// Harness wires one conn.Connection to the near end of a net.Pipe,
// keeping the far end for the test to play a client against.
type Harness struct {
	Conn   *conn.Connection
	Client net.Conn
}

// New creates a harness for a connection owned by dom.
func New(dom wire.DomainID) *Harness {
	serverSide, clientSide := net.Pipe()
	return &Harness{
		Conn:   conn.New(serverSide, dom),
		Client: clientSide,
	}
}

// SendRequest writes one frame from the client side on a background
// goroutine; call ReadRequest (or drain the returned channel) to
// complete the handoff.
func (h *Harness) SendRequest(hdr wire.Header, body []byte) <-chan error {
	errc := make(chan error, 1)
	go func() {
		_, err := h.Client.Write(wire.EncodeFrame(hdr, body))
		errc <- err
	}()
	return errc
}

// ReadRequest drives Conn.OnReadable until a full frame is decoded.
func (h *Harness) ReadRequest() (wire.Header, []byte, error) {
	for {
		hdr, body, ok, err := h.Conn.OnReadable()
		if err != nil {
			return wire.Header{}, nil, err
		}
		if ok {
			return hdr, body, nil
		}
	}
}

// Reply enqueues a response on Conn and flushes it to the client side on
// a background goroutine, simulating the reactor calling OnWritable
// until the buffer drains; call ReadReply to complete the handoff.
func (h *Harness) Reply(hdr wire.Header, body []byte) <-chan error {
	errc := make(chan error, 1)
	go func() {
		h.Conn.Enqueue(hdr, body)
		for h.Conn.HasPendingWrite() {
			if _, err := h.Conn.OnWritable(); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	return errc
}

// ReadReply reads one full frame from the client side.
func (h *Harness) ReadReply() (wire.Header, []byte, error) {
	buf := make([]byte, 0, wire.HeaderSize+wire.BodyMax)
	chunk := make([]byte, wire.HeaderSize+wire.BodyMax)
	for {
		hdr, body, _, ok, derr := wire.DecodeFrame(buf)
		if derr != nil {
			return wire.Header{}, nil, derr
		}
		if ok {
			return hdr, body, nil
		}
		n, err := h.Client.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return wire.Header{}, nil, err
		}
	}
}

// Close closes both ends of the pipe.
func (h *Harness) Close() {
	h.Client.Close()
	h.Conn.Close()
}
