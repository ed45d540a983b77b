// Package dispatch implements the request dispatcher: it parses a
// decoded frame's body according to its msg_type, drives the
// store/txn/watch aggregate through the System-style do_store_mut/
// do_store/do_watch_mut/do_transaction_mut shape, and encodes the reply
// plus any watch fan-out. Grounded on
// original_source/libxenstore/src/message/{mod,ingress,egress}.rs —
// ProcessMessage's per-msg_type impls, translated from one-trait-impl-
// per-struct dispatch into a Go switch over wire.MsgType (this module's
// own tagged-union idiom, per the spec's redesign guidance away from
// trait-object dispatch) and from System's MutexGuard-borrowed thunks
// into direct method calls, since this package itself is the single
// point of serialized access the reactor calls into.
package dispatch

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/leengari/xenstored/internal/conn"
	"github.com/leengari/xenstored/internal/metrics"
	"github.com/leengari/xenstored/internal/store"
	"github.com/leengari/xenstored/internal/txn"
	"github.com/leengari/xenstored/internal/watch"
	"github.com/leengari/xenstored/internal/wire"
	"github.com/leengari/xenstored/internal/xserr"
)

// Dispatcher owns the three shared aggregates and processes one decoded
// frame at a time. It carries no lock of its own — see internal/txn and
// internal/watch's package docs — because the reactor (internal/reactor)
// only ever calls Dispatch from its own single goroutine.
type Dispatcher struct {
	Store   *store.Store
	Txns    *txn.List[conn.ID]
	Watches *watch.List[conn.ID]

	Metrics *metrics.Metrics // optional; nil disables instrument recording
	Tracer  trace.Tracer     // optional; nil disables span creation
	Log     logr.Logger
}

// domOf is the watch.DomainOf callback: conn.ID already carries the
// domain it's currently registered under.
func domOf(id conn.ID) wire.DomainID { return id.Dom }

// Dispatch satisfies conn.DispatchFunc. It never returns an error itself:
// every documented failure mode becomes an XS_ERROR reply instead, per
// the protocol's error handling design.
func (d *Dispatcher) Dispatch(from conn.ID, h wire.Header, body []byte) (wire.Header, []byte, []conn.OutgoingEvent) {
	ctx := context.Background()
	if d.Tracer != nil {
		var span trace.Span
		ctx, span = d.Tracer.Start(ctx, h.MsgType.String())
		defer span.End()
	}
	if d.Metrics != nil {
		d.Metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("msg_type", h.MsgType.String())))
	}

	replyBody, events, err := d.handle(from, h, body)
	if err != nil {
		code := xserr.CodeOf(err)
		d.Log.V(1).Info("request failed", "msg_type", h.MsgType, "conn", from, "code", code, "error", err)
		if d.Metrics != nil {
			d.Metrics.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
		}
		reply := wire.Header{MsgType: wire.ErrorMsg, ReqID: h.ReqID, TxID: h.TxID}
		return reply, wire.EncodeBodyStrings(string(code)), nil
	}

	if d.Metrics != nil && len(events) > 0 {
		d.Metrics.WatchFires.Add(ctx, int64(len(events)))
	}
	reply := wire.Header{MsgType: h.MsgType, ReqID: h.ReqID, TxID: h.TxID}
	return reply, replyBody, events
}

// handle parses and executes one request, returning the reply body and
// any watch-fire side effects.
func (d *Dispatcher) handle(from conn.ID, h wire.Header, body []byte) ([]byte, []conn.OutgoingEvent, error) {
	fields := wire.DecodeBody(body)
	dom := from.Dom

	switch h.MsgType {
	case wire.Directory:
		path, err := d.path(dom, fields, 0)
		if err != nil {
			return nil, nil, err
		}
		cs, err := d.changeSet(from, h.TxID)
		if err != nil {
			return nil, nil, err
		}
		children, err := d.Store.Directory(cs, dom, path)
		if err != nil {
			return nil, nil, err
		}
		return wire.EncodeBodyStrings(children...), nil, nil

	case wire.Read:
		path, err := d.path(dom, fields, 0)
		if err != nil {
			return nil, nil, err
		}
		cs, err := d.changeSet(from, h.TxID)
		if err != nil {
			return nil, nil, err
		}
		value, err := d.Store.Read(cs, dom, path)
		if err != nil {
			return nil, nil, err
		}
		return wire.EncodeBody(value), nil, nil

	case wire.GetPerms:
		path, err := d.path(dom, fields, 0)
		if err != nil {
			return nil, nil, err
		}
		cs, err := d.changeSet(from, h.TxID)
		if err != nil {
			return nil, nil, err
		}
		perms, err := d.Store.GetPerms(cs, dom, path)
		if err != nil {
			return nil, nil, err
		}
		return wire.EncodeBodyStrings(encodePerms(perms)...), nil, nil

	case wire.Write:
		if len(fields) < 2 {
			return nil, nil, xserr.New(xserr.EINVAL, "WRITE needs a path and a value")
		}
		path, err := store.NewPath(dom, fields[0])
		if err != nil {
			return nil, nil, err
		}
		return d.mutate(from, h.TxID, func(cs store.ChangeSet) (store.ChangeSet, error) {
			return d.Store.Write(cs, dom, path, store.Value(fields[1]))
		})

	case wire.Mkdir:
		path, err := d.path(dom, fields, 0)
		if err != nil {
			return nil, nil, err
		}
		return d.mutate(from, h.TxID, func(cs store.ChangeSet) (store.ChangeSet, error) {
			return d.Store.Mkdir(cs, dom, path)
		})

	case wire.Rm:
		path, err := d.path(dom, fields, 0)
		if err != nil {
			return nil, nil, err
		}
		return d.mutate(from, h.TxID, func(cs store.ChangeSet) (store.ChangeSet, error) {
			return d.Store.Rm(cs, dom, path)
		})

	case wire.SetPerms:
		if len(fields) < 1 {
			return nil, nil, xserr.New(xserr.EINVAL, "SET_PERMS needs a path")
		}
		path, err := store.NewPath(dom, fields[0])
		if err != nil {
			return nil, nil, err
		}
		perms, err := decodePerms(fields[1:])
		if err != nil {
			return nil, nil, err
		}
		return d.mutate(from, h.TxID, func(cs store.ChangeSet) (store.ChangeSet, error) {
			return d.Store.SetPerms(cs, dom, path, perms)
		})

	case wire.Watch:
		if len(fields) < 2 {
			return nil, nil, xserr.New(xserr.EINVAL, "WATCH needs a node and a token")
		}
		node, err := watch.ParseWPath(dom, fields[0])
		if err != nil {
			return nil, nil, err
		}
		if err := d.Watches.Watch(from, node, fields[1]); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil

	case wire.Unwatch:
		if len(fields) < 2 {
			return nil, nil, xserr.New(xserr.EINVAL, "UNWATCH needs a node and a token")
		}
		node, err := watch.ParseWPath(dom, fields[0])
		if err != nil {
			return nil, nil, err
		}
		if err := d.Watches.Unwatch(from, node, fields[1]); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil

	case wire.TransactionStart:
		id := d.Txns.Start(from, d.Store)
		return wire.EncodeBodyStrings(strconv.FormatUint(uint64(id), 10)), nil, nil

	case wire.TransactionEnd:
		if len(fields) < 1 {
			return nil, nil, xserr.New(xserr.EINVAL, "TRANSACTION_END needs a bool")
		}
		success, err := parseBool(fields[0])
		if err != nil {
			return nil, nil, err
		}
		applied, err := d.Txns.End(d.Store, from, h.TxID, success)
		if err != nil {
			return nil, nil, err
		}
		return nil, d.fire(applied), nil

	case wire.GetDomainPath:
		return wire.EncodeBodyStrings(store.DomainPath(dom)), nil, nil

	case wire.IsDomainIntroduced:
		return wire.EncodeBodyStrings("F"), nil, nil

	case wire.ResetWatches:
		d.Watches.Reset(from)
		d.Txns.Reset(from)
		return nil, nil, nil

	case wire.Release, wire.Resume, wire.Restrict, wire.SetTarget, wire.Debug, wire.Introduce:
		return nil, nil, nil

	default:
		return nil, nil, xserr.New(xserr.EINVAL, "unrecognized msg_type %s", h.MsgType)
	}
}

// path parses fields[idx] as a dom-owned path, failing EINVAL if the
// field is absent.
func (d *Dispatcher) path(dom wire.DomainID, fields []string, idx int) (store.Path, error) {
	if idx >= len(fields) {
		return store.Path{}, xserr.New(xserr.EINVAL, "missing path argument")
	}
	return store.NewPath(dom, fields[idx])
}

// changeSet resolves the ChangeSet a read should run against: the
// transaction's stashed overlay if txID != 0, otherwise a fresh overlay
// parented at the store's current generation (the implicit root view).
// Transaction ownership is checked against the full connection identity,
// not just its domain — see internal/txn.
func (d *Dispatcher) changeSet(from conn.ID, txID wire.TxID) (store.ChangeSet, error) {
	if txID == txn.Root {
		return store.NewChangeSet(d.Store), nil
	}
	return d.Txns.Get(from, txID)
}

// mutate runs fn against the appropriate ChangeSet and either stashes the
// result back into the transaction registry (txID != 0) or applies it to
// the store immediately and fires watches for whatever was applied
// (txID == 0, the implicit root transaction of §5).
func (d *Dispatcher) mutate(from conn.ID, txID wire.TxID, fn func(store.ChangeSet) (store.ChangeSet, error)) ([]byte, []conn.OutgoingEvent, error) {
	cs, err := d.changeSet(from, txID)
	if err != nil {
		return nil, nil, err
	}
	next, err := fn(cs)
	if err != nil {
		return nil, nil, err
	}

	if txID != txn.Root {
		if err := d.Txns.Put(from, txID, next); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	applied, ok := d.Store.Apply(next)
	if !ok {
		return nil, nil, xserr.New(xserr.EAGAIN, "store advanced past this request's view")
	}
	return nil, d.fire(applied), nil
}

// fire runs the watch list against applied and translates every fired
// watch into a WATCH_EVENT addressed to its owning connection.
func (d *Dispatcher) fire(applied []store.AppliedChange) []conn.OutgoingEvent {
	if len(applied) == 0 {
		return nil
	}
	fired := d.Watches.Fire(applied, domOf)
	if len(fired) == 0 {
		return nil
	}
	events := make([]conn.OutgoingEvent, 0, len(fired))
	for _, w := range fired {
		hdr := wire.Header{MsgType: wire.WatchEvent, ReqID: 0, TxID: 0}
		events = append(events, conn.OutgoingEvent{
			To:   w.Conn,
			Hdr:  hdr,
			Body: wire.EncodeBodyStrings(w.Node.String(), w.Token),
		})
	}
	return events
}

func parseBool(s string) (bool, error) {
	switch s {
	case "T":
		return true, nil
	case "F":
		return false, nil
	default:
		return false, xserr.New(xserr.EINVAL, "expected T or F, got %q", s)
	}
}

func encodePerms(perms []store.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = modeChar(p.Mode) + strconv.FormatUint(uint64(p.Domain), 10)
	}
	return out
}

func modeChar(m store.Mode) string {
	switch m &^ store.ModeOwner {
	case store.ModeBoth:
		return "b"
	case store.ModeRead:
		return "r"
	case store.ModeWrite:
		return "w"
	default:
		return "n"
	}
}

func decodePerms(fields []string) ([]store.Permission, error) {
	out := make([]store.Permission, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			return nil, xserr.New(xserr.EINVAL, "malformed permission string %q", f)
		}
		var mode store.Mode
		switch f[0] {
		case 'r':
			mode = store.ModeRead
		case 'w':
			mode = store.ModeWrite
		case 'b':
			mode = store.ModeBoth
		case 'n':
			mode = store.ModeNone
		default:
			return nil, xserr.New(xserr.EINVAL, "unknown permission letter %q", f[0])
		}
		id, convErr := strconv.ParseUint(strings.TrimLeft(f[1:], " "), 10, 32)
		if convErr != nil {
			return nil, xserr.New(xserr.EINVAL, "malformed domain id in permission string %q", f)
		}
		out = append(out, store.Permission{Domain: wire.DomainID(id), Mode: mode})
	}
	return out, nil
}
