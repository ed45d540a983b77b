// Package txn implements the transaction registry: named, per-connection
// ChangeSet overlays that commit against the store's generation counter.
// Grounded on original_source/src/transaction.rs (xenstore-rs)
// TransactionList, translated from its Rng-parameterized HashMap registry
// into a plain map keyed by wire.TxID. Not safe for concurrent use — the
// reactor dispatches one request at a time, so List carries no locking of
// its own (see internal/reactor).
package txn

import (
	crand "crypto/rand"
	"math/rand"

	"github.com/leengari/xenstored/internal/store"
	"github.com/leengari/xenstored/internal/wire"
	"github.com/leengari/xenstored/internal/xserr"
)

// Root is the reserved id denoting the implicit, non-transactional view.
const Root = wire.RootTransaction

type entry[C comparable] struct {
	conn    C
	changes store.ChangeSet
}

// List is the live set of open transactions for one connection type C
// (normally conn.ID), keyed by randomly generated, non-zero ids. Ownership
// is the full connection identity, not just its domain id — two
// connections speaking for the same domain must not be able to see or
// end each other's transactions (see internal/watch.List[C], which keys
// the same way).
type List[C comparable] struct {
	rand *rand.Rand
	list map[wire.TxID]entry[C]
}

// NewList creates an empty transaction registry.
func NewList[C comparable]() *List[C] {
	return &List[C]{
		rand: rand.New(rand.NewSource(randSeed())),
		list: map[wire.TxID]entry[C]{},
	}
}

// randSeed seeds the per-registry PRNG from the OS random source, once,
// at construction.
func randSeed() int64 {
	var buf [8]byte
	_, _ = crand.Read(buf[:])
	var seed int64
	for _, b := range buf {
		seed = seed<<8 | int64(b)
	}
	if seed == 0 {
		seed = 1
	}
	return seed
}

func (l *List[C]) generateID() wire.TxID {
	for {
		id := l.rand.Uint32()
		if id == Root {
			continue
		}
		if _, exists := l.list[id]; !exists {
			return id
		}
	}
}

// Start opens a new transaction owned by conn, parented at store's
// current generation, and returns its id.
func (l *List[C]) Start(conn C, s *store.Store) wire.TxID {
	id := l.generateID()
	l.list[id] = entry[C]{conn: conn, changes: store.NewChangeSet(s)}
	return id
}

// Get returns the ChangeSet registered under id, owned by conn.
func (l *List[C]) Get(conn C, id wire.TxID) (store.ChangeSet, error) {
	e, ok := l.list[id]
	if !ok || e.conn != conn {
		return store.ChangeSet{}, xserr.New(xserr.ENOENT, "no such transaction %d", id)
	}
	return e.changes, nil
}

// Put replaces the ChangeSet registered under id, owned by conn.
func (l *List[C]) Put(conn C, id wire.TxID, changes store.ChangeSet) error {
	e, ok := l.list[id]
	if !ok || e.conn != conn {
		return xserr.New(xserr.ENOENT, "no such transaction %d", id)
	}
	e.changes = changes
	l.list[id] = e
	return nil
}

// End closes a transaction. On success it applies the transaction's
// ChangeSet to s; a stale parent generation surfaces as EAGAIN so the
// caller can tell the client to retry. On failure (abort) the ChangeSet is
// simply discarded.
func (l *List[C]) End(s *store.Store, conn C, id wire.TxID, success bool) ([]store.AppliedChange, error) {
	e, ok := l.list[id]
	if !ok || e.conn != conn {
		return nil, xserr.New(xserr.ENOENT, "no such transaction %d", id)
	}
	delete(l.list, id)

	if !success {
		return nil, nil
	}

	applied, applyOK := s.Apply(e.changes)
	if !applyOK {
		return nil, xserr.New(xserr.EAGAIN, "transaction %d conflicts with a newer commit", id)
	}
	return applied, nil
}

// Reset discards every open transaction owned by conn — used on
// RESET_WATCHES re-registration and on connection teardown.
func (l *List[C]) Reset(conn C) {
	for id, e := range l.list {
		if e.conn == conn {
			delete(l.list, id)
		}
	}
}
