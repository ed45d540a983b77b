package dispatch

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/leengari/xenstored/internal/conn"
	"github.com/leengari/xenstored/internal/store"
	"github.com/leengari/xenstored/internal/txn"
	"github.com/leengari/xenstored/internal/watch"
	"github.com/leengari/xenstored/internal/wire"
)

func newDispatcher() *Dispatcher {
	return &Dispatcher{
		Store:   store.New(),
		Txns:    txn.NewList[conn.ID](),
		Watches: watch.NewList[conn.ID](),
		Log:     logr.Discard(),
	}
}

func connFor(dom wire.DomainID) conn.ID {
	return conn.ID{Token: uuid.New(), Dom: dom}
}

func req(msgType wire.MsgType, reqID, txID uint32) wire.Header {
	return wire.Header{MsgType: msgType, ReqID: reqID, TxID: txID}
}

func decodeErrCode(t *testing.T, hdr wire.Header, body []byte) string {
	t.Helper()
	if hdr.MsgType != wire.ErrorMsg {
		t.Fatalf("expected ERROR reply, got %s", hdr.MsgType)
	}
	fields := wire.DecodeBody(body)
	if len(fields) != 1 {
		t.Fatalf("expected a single error code field, got %v", fields)
	}
	return fields[0]
}

func mustOK(t *testing.T, hdr wire.Header, wantType wire.MsgType) {
	t.Helper()
	if hdr.MsgType != wantType {
		t.Fatalf("expected %s reply, got %s", wantType, hdr.MsgType)
	}
}

// S1 - basic write/read.
func TestBasicWriteRead(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	hdr, _, _ := d.Dispatch(dom0, req(wire.Write, 1, 0), wire.EncodeBody([]byte("/a"), []byte("hello")))
	mustOK(t, hdr, wire.Write)

	hdr, body, _ := d.Dispatch(dom0, req(wire.Read, 2, 0), wire.EncodeBodyStrings("/a"))
	mustOK(t, hdr, wire.Read)
	if got := wire.DecodeBody(body); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

// S2 - writing a deep path creates every missing ancestor.
func TestRecursiveCreate(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	hdr, _, _ := d.Dispatch(dom0, req(wire.Write, 1, 0), wire.EncodeBody([]byte("/a/b/c"), []byte("v")))
	mustOK(t, hdr, wire.Write)

	hdr, body, _ := d.Dispatch(dom0, req(wire.Directory, 2, 0), wire.EncodeBodyStrings("/a"))
	mustOK(t, hdr, wire.Directory)
	if got := wire.DecodeBody(body); len(got) != 1 || got[0] != "b" {
		t.Fatalf("got %v", got)
	}

	hdr, body, _ = d.Dispatch(dom0, req(wire.Read, 3, 0), wire.EncodeBodyStrings("/a/b/c"))
	mustOK(t, hdr, wire.Read)
	if got := wire.DecodeBody(body); len(got) != 1 || got[0] != "v" {
		t.Fatalf("got %v", got)
	}
}

// S5 - permission denial.
func TestPermissionDenial(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)
	dom1 := connFor(1)
	dom2 := connFor(2)

	hdr, _, _ := d.Dispatch(dom0, req(wire.Mkdir, 1, 0), wire.EncodeBodyStrings("/local/domain/1"))
	mustOK(t, hdr, wire.Mkdir)

	hdr, _, _ = d.Dispatch(dom0, req(wire.SetPerms, 2, 0), wire.EncodeBodyStrings("/local/domain/1", "n1"))
	mustOK(t, hdr, wire.SetPerms)

	hdr, _, _ = d.Dispatch(dom1, req(wire.Write, 3, 0), wire.EncodeBody([]byte("/local/domain/1/foo"), []byte("v")))
	mustOK(t, hdr, wire.Write)

	hdr, body, _ := d.Dispatch(dom2, req(wire.Read, 4, 0), wire.EncodeBodyStrings("/local/domain/1/foo"))
	if code := decodeErrCode(t, hdr, body); code != "EACCES" {
		t.Fatalf("expected EACCES, got %s", code)
	}

	hdr, body, _ = d.Dispatch(dom0, req(wire.Read, 5, 0), wire.EncodeBodyStrings("/local/domain/1/foo"))
	mustOK(t, hdr, wire.Read)
	if got := wire.DecodeBody(body); len(got) != 1 || got[0] != "v" {
		t.Fatalf("got %v", got)
	}
}

// S6 - subtree removal.
func TestSubtreeRemoval(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	for _, p := range []string{"/b/x", "/b/y"} {
		hdr, _, _ := d.Dispatch(dom0, req(wire.Write, 1, 0), wire.EncodeBody([]byte(p), []byte("v")))
		mustOK(t, hdr, wire.Write)
	}

	hdr, body, _ := d.Dispatch(dom0, req(wire.Rm, 2, 0), wire.EncodeBodyStrings("/b"))
	mustOK(t, hdr, wire.Rm)
	if len(body) != 0 {
		t.Fatalf("expected empty reply body, got %q", body)
	}

	for _, p := range []string{"/b", "/b/x", "/b/y"} {
		hdr, body, _ := d.Dispatch(dom0, req(wire.Read, 3, 0), wire.EncodeBodyStrings(p))
		if code := decodeErrCode(t, hdr, body); code != "ENOENT" {
			t.Fatalf("read %s: expected ENOENT, got %s", p, code)
		}
	}

	hdr, body, _ = d.Dispatch(dom0, req(wire.Rm, 4, 0), wire.EncodeBodyStrings("/"))
	if code := decodeErrCode(t, hdr, body); code != "EINVAL" {
		t.Fatalf("expected EINVAL removing root, got %s", code)
	}
}

// A write staged inside an open transaction fires no watch; the matching
// watch fires once the transaction ends successfully.
func TestTransactionCommitDefersWatchFire(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	hdr, _, _ := d.Dispatch(dom0, req(wire.Watch, 1, 0), wire.EncodeBodyStrings("/a", "tok"))
	mustOK(t, hdr, wire.Watch)

	hdr, body, _ := d.Dispatch(dom0, req(wire.TransactionStart, 2, 0))
	mustOK(t, hdr, wire.TransactionStart)
	txFields := wire.DecodeBody(body)
	if len(txFields) != 1 {
		t.Fatalf("expected a single tx id field, got %v", txFields)
	}
	var txID uint32
	for _, c := range txFields[0] {
		txID = txID*10 + uint32(c-'0')
	}

	hdr, _, events := d.Dispatch(dom0, req(wire.Write, 3, txID), wire.EncodeBody([]byte("/a"), []byte("v")))
	mustOK(t, hdr, wire.Write)
	if len(events) != 0 {
		t.Fatalf("expected no watch fire while the write is only staged, got %d events", len(events))
	}

	hdr, _, events = d.Dispatch(dom0, req(wire.TransactionEnd, 4, txID), wire.EncodeBodyStrings("T"))
	mustOK(t, hdr, wire.TransactionEnd)
	if len(events) != 1 {
		t.Fatalf("expected one watch fire on commit, got %d", len(events))
	}
	if events[0].To != dom0 {
		t.Fatalf("expected the watch fire addressed to dom0, got %v", events[0].To)
	}
	fields := wire.DecodeBody(events[0].Body)
	if len(fields) != 2 || fields[0] != "/a" || fields[1] != "tok" {
		t.Fatalf("got %v", fields)
	}
}

// Removing a node fires a watch registered on its parent (via the
// parent-rewrite Write that Rm always performs), not on the removed node
// itself.
func TestRemoveFiresParentWatchNotLeafWatch(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	hdr, _, _ := d.Dispatch(dom0, req(wire.Write, 1, 0), wire.EncodeBody([]byte("/p/c"), []byte("v")))
	mustOK(t, hdr, wire.Write)

	hdr, _, _ = d.Dispatch(dom0, req(wire.Watch, 2, 0), wire.EncodeBodyStrings("/p", "parent-tok"))
	mustOK(t, hdr, wire.Watch)
	hdr, _, _ = d.Dispatch(dom0, req(wire.Watch, 3, 0), wire.EncodeBodyStrings("/p/c", "leaf-tok"))
	mustOK(t, hdr, wire.Watch)

	hdr, _, events := d.Dispatch(dom0, req(wire.Rm, 4, 0), wire.EncodeBodyStrings("/p/c"))
	mustOK(t, hdr, wire.Rm)
	if len(events) != 1 {
		t.Fatalf("expected exactly one watch fire, got %d", len(events))
	}
	fields := wire.DecodeBody(events[0].Body)
	if fields[1] != "parent-tok" {
		t.Fatalf("expected the parent watch to fire, got token %q", fields[1])
	}
}

func TestStubAndSentinelHandlers(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	for _, mt := range []wire.MsgType{wire.Release, wire.Resume, wire.Restrict, wire.SetTarget, wire.Debug, wire.Introduce} {
		hdr, body, _ := d.Dispatch(dom0, req(mt, 1, 0))
		mustOK(t, hdr, mt)
		if len(body) != 0 {
			t.Fatalf("%s: expected empty ack body, got %q", mt, body)
		}
	}

	hdr, body, _ := d.Dispatch(dom0, req(wire.IsDomainIntroduced, 2, 0))
	mustOK(t, hdr, wire.IsDomainIntroduced)
	if got := wire.DecodeBody(body); len(got) != 1 || got[0] != "F" {
		t.Fatalf("expected [F], got %v", got)
	}

	hdr, body, _ = d.Dispatch(dom0, req(wire.GetDomainPath, 3, 0))
	mustOK(t, hdr, wire.GetDomainPath)
	if got := wire.DecodeBody(body); len(got) != 1 || got[0] != "/local/domain/0/" {
		t.Fatalf("got %v", got)
	}
}

func TestResetWatchesDropsWatchesAndTransactions(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	hdr, _, _ := d.Dispatch(dom0, req(wire.Watch, 1, 0), wire.EncodeBodyStrings("/a", "tok"))
	mustOK(t, hdr, wire.Watch)
	hdr, txBody, _ := d.Dispatch(dom0, req(wire.TransactionStart, 2, 0))
	mustOK(t, hdr, wire.TransactionStart)
	var txID uint32
	for _, c := range wire.DecodeBody(txBody)[0] {
		txID = txID*10 + uint32(c-'0')
	}

	hdr, body, _ := d.Dispatch(dom0, req(wire.ResetWatches, 3, 0))
	mustOK(t, hdr, wire.ResetWatches)
	if len(body) != 0 {
		t.Fatalf("expected empty ack body, got %q", body)
	}

	hdr, body, _ = d.Dispatch(dom0, req(wire.Unwatch, 4, 0), wire.EncodeBodyStrings("/a", "tok"))
	if code := decodeErrCode(t, hdr, body); code != "ENOENT" {
		t.Fatalf("expected ResetWatches to have dropped the watch, got %s", code)
	}

	hdr, body, _ = d.Dispatch(dom0, req(wire.Read, 5, txID), wire.EncodeBodyStrings("/tool"))
	if code := decodeErrCode(t, hdr, body); code != "ENOENT" {
		t.Fatalf("expected ResetWatches to have dropped the transaction, got %s", code)
	}
}

func TestUnknownMsgTypeIsEinval(t *testing.T) {
	d := newDispatcher()
	dom0 := connFor(store.Dom0)

	hdr, body, _ := d.Dispatch(dom0, req(wire.MsgType(9999), 1, 0))
	if code := decodeErrCode(t, hdr, body); code != "EINVAL" {
		t.Fatalf("expected EINVAL, got %s", code)
	}
}
