package conn

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/leengari/xenstored/internal/reactor"
	"github.com/leengari/xenstored/internal/wire"
)

// DefaultCapacity mirrors the teacher's... rather, the upstream
// mio::util::Slab::new_starting_at(Token(1), 1024) capacity: a generous
// but bounded number of simultaneous connections.
const DefaultCapacity = 1024

// OutgoingEvent instructs Server to enqueue an already-encoded frame on
// a connection other than the one whose readiness triggered Dispatch —
// how watch fan-out reaches every subscriber, not just the writer that
// caused the change.
type OutgoingEvent struct {
	To   ID
	Hdr  wire.Header
	Body []byte
}

// DispatchFunc processes one decoded request and produces the reply to
// send back to its own connection plus any side-effect events (watch
// fires) to deliver elsewhere.
type DispatchFunc func(from ID, h wire.Header, body []byte) (reply wire.Header, replyBody []byte, events []OutgoingEvent)

// CloseFunc is invoked once a connection is torn down, so the caller can
// reset that connection's transactions and watches.
type CloseFunc func(id ID)

// fdTransport adapts a raw nonblocking fd to Transport, translating
// EAGAIN into ErrWouldBlock so Connection's state machine doesn't need
// to know about syscall-level error values.
type fdTransport struct{ fd int }

func (t fdTransport) Read(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (t fdTransport) Write(p []byte) (int, error) {
	n, err := unix.Write(t.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (t fdTransport) Close() error { return unix.Close(t.fd) }

type slot struct {
	conn *Connection
	fd   int
	srv  *Server
}

func (s *slot) HandleReady(events reactor.Events) {
	s.srv.serviceConn(s, events)
}

// Server owns the listening socket and the table of live connections. It
// registers every fd it touches with a single Reactor and never spawns a
// goroutine per connection — the cooperative, single-threaded dispatch
// model the store/txn/watch packages assume.
type Server struct {
	log      logr.Logger
	rx       *reactor.Reactor
	dispatch DispatchFunc
	onClose  CloseFunc
	capacity int

	lnFd int

	bySlotFd map[int32]*slot
	byID     map[ID]*slot
}

// Listen binds a unix socket at path, removing any stale socket file
// left behind by a previous run.
func Listen(path string, capacity int, rx *reactor.Reactor, log logr.Logger, dispatch DispatchFunc, onClose CloseFunc) (*Server, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}

	sc, err := unixLn.SyscallConn()
	if err != nil {
		unixLn.Close()
		return nil, err
	}
	var lnFd int
	var ctrlErr error
	err = sc.Control(func(fd uintptr) {
		lnFd = int(fd)
		ctrlErr = unix.SetNonblock(lnFd, true)
	})
	if err != nil {
		unixLn.Close()
		return nil, err
	}
	if ctrlErr != nil {
		unixLn.Close()
		return nil, ctrlErr
	}

	srv := &Server{
		log:      log,
		rx:       rx,
		dispatch: dispatch,
		onClose:  onClose,
		capacity: capacity,
		lnFd:     lnFd,
		bySlotFd: map[int32]*slot{},
		byID:     map[ID]*slot{},
	}

	if err := rx.Add(lnFd, reactor.Readable, listenerHandler{srv: srv}); err != nil {
		unixLn.Close()
		return nil, err
	}

	return srv, nil
}

type listenerHandler struct{ srv *Server }

func (h listenerHandler) HandleReady(events reactor.Events) {
	h.srv.accept()
}

func (srv *Server) accept() {
	for {
		nfd, _, err := unix.Accept(srv.lnFd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			srv.log.Error(err, "accept failed")
			break
		}

		if len(srv.byID) >= srv.capacity {
			srv.log.Info("connection slab full, rejecting new connection", "capacity", srv.capacity)
			_ = unix.Close(nfd)
			continue
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			srv.log.Error(err, "set nonblocking failed")
			_ = unix.Close(nfd)
			continue
		}

		c := New(fdTransport{fd: nfd}, Dom0)
		sl := &slot{conn: c, fd: nfd, srv: srv}
		srv.bySlotFd[int32(nfd)] = sl
		srv.byID[c.ID] = sl

		if err := srv.rx.Add(nfd, reactor.Readable, sl); err != nil {
			srv.log.Error(err, "register connection failed")
			srv.teardown(sl)
		}
	}

	if err := srv.rx.Modify(srv.lnFd, reactor.Readable); err != nil {
		srv.log.Error(err, "re-arm listener failed")
	}
}

// Dom0 is this package's own constant mirroring store.Dom0, kept free of
// an import on internal/store so conn doesn't need to know about the
// data model beyond a bare domain id.
const Dom0 wire.DomainID = 0

func (srv *Server) serviceConn(sl *slot, events reactor.Events) {
	if events&reactor.Err != 0 || events&reactor.Hup != 0 {
		srv.teardown(sl)
		return
	}

	switch sl.conn.State() {
	case AwaitingHeader, AwaitingBody:
		h, body, ok, err := sl.conn.OnReadable()
		if err != nil {
			srv.teardown(sl)
			return
		}
		if !ok {
			if rerr := srv.rx.Modify(sl.fd, reactor.Readable); rerr != nil {
				srv.teardown(sl)
			}
			return
		}

		reply, replyBody, outgoing := srv.dispatch(sl.conn.ID, h, body)
		sl.conn.Enqueue(reply, replyBody)
		srv.deliver(outgoing)

		if err := srv.rx.Modify(sl.fd, reactor.Writable); err != nil {
			srv.teardown(sl)
		}

	case Write:
		done, err := sl.conn.OnWritable()
		if err != nil {
			srv.teardown(sl)
			return
		}
		want := reactor.Writable
		if done {
			want = reactor.Readable
		}
		if err := srv.rx.Modify(sl.fd, want); err != nil {
			srv.teardown(sl)
		}
	}
}

// deliver enqueues each outgoing event on its target connection,
// arming it for write readiness if it was otherwise idle.
func (srv *Server) deliver(events []OutgoingEvent) {
	for _, ev := range events {
		sl, ok := srv.byID[ev.To]
		if !ok {
			continue
		}
		wasIdle := !sl.conn.HasPendingWrite()
		sl.conn.Enqueue(ev.Hdr, ev.Body)
		if wasIdle {
			if err := srv.rx.Modify(sl.fd, reactor.Writable); err != nil {
				srv.teardown(sl)
			}
		}
	}
}

func (srv *Server) teardown(sl *slot) {
	srv.rx.Remove(sl.fd)
	delete(srv.bySlotFd, int32(sl.fd))
	delete(srv.byID, sl.conn.ID)
	_ = sl.conn.Close()
	if srv.onClose != nil {
		srv.onClose(sl.conn.ID)
	}
}

// Close shuts down the listening socket and every live connection.
func (srv *Server) Close() error {
	for _, sl := range srv.bySlotFd {
		srv.teardown(sl)
	}
	srv.rx.Remove(srv.lnFd)
	return unix.Close(srv.lnFd)
}
