// Package watch implements watch registration and firing. Grounded on
// original_source/src/watch.rs (xenstore-rs) WPath/Watch/WatchList,
// translated from its enum+HashSet idiom into a tagged struct plus a Go
// map-backed set.
package watch

import (
	"github.com/leengari/xenstored/internal/store"
	"github.com/leengari/xenstored/internal/wire"
	"github.com/leengari/xenstored/internal/xserr"
)

// WPathKind distinguishes a normal node path from the two pseudo-path
// sentinels used for domain lifecycle notifications.
type WPathKind int

const (
	WPathNormal WPathKind = iota
	WPathIntroduceDomain
	WPathReleaseDomain
)

const (
	introduceDomainToken = "@introduceDomain"
	releaseDomainToken   = "@releaseDomain"
)

// WPath is either a concrete store path or one of the two pseudo-path
// sentinels a client can watch instead of a path.
type WPath struct {
	Kind WPathKind
	Path store.Path
}

// ParseWPath recognizes the two pseudo-path sentinels and otherwise
// validates s as a normal, dom-relative store path.
func ParseWPath(dom wire.DomainID, s string) (WPath, error) {
	switch s {
	case introduceDomainToken:
		return WPath{Kind: WPathIntroduceDomain}, nil
	case releaseDomainToken:
		return WPath{Kind: WPathReleaseDomain}, nil
	default:
		p, err := store.NewPath(dom, s)
		if err != nil {
			return WPath{}, err
		}
		return WPath{Kind: WPathNormal, Path: p}, nil
	}
}

func (w WPath) String() string {
	switch w.Kind {
	case WPathIntroduceDomain:
		return introduceDomainToken
	case WPathReleaseDomain:
		return releaseDomainToken
	default:
		return w.Path.String()
	}
}

// Watch is one (connection, watched node, token) registration. Token is
// a plain string: an opaque NUL-free value the client supplies and gets
// back verbatim in WATCH_EVENT.
type Watch[C comparable] struct {
	Conn  C
	Node  WPath
	Token string
}

// List is the live set of registered watches for one connection type C
// (normally conn.ID). Not safe for concurrent use — see internal/txn.
type List[C comparable] struct {
	watches map[Watch[C]]struct{}
}

// NewList creates an empty watch registry.
func NewList[C comparable]() *List[C] {
	return &List[C]{watches: map[Watch[C]]struct{}{}}
}

// Watch registers a new watch. Fails EEXIST if conn already watches node
// under the same token.
func (l *List[C]) Watch(conn C, node WPath, token string) error {
	w := Watch[C]{Conn: conn, Node: node, Token: token}
	if _, exists := l.watches[w]; exists {
		return xserr.New(xserr.EEXIST, "watch %s already exists for this connection", node)
	}
	l.watches[w] = struct{}{}
	return nil
}

// Unwatch removes a previously registered watch.
func (l *List[C]) Unwatch(conn C, node WPath, token string) error {
	w := Watch[C]{Conn: conn, Node: node, Token: token}
	if _, exists := l.watches[w]; !exists {
		return xserr.New(xserr.ENOENT, "watch %s did not exist for this connection", node)
	}
	delete(l.watches, w)
	return nil
}

// Reset removes every watch registered by conn.
func (l *List[C]) Reset(conn C) {
	for w := range l.watches {
		if w.Conn == conn {
			delete(l.watches, w)
		}
	}
}

// matches reports whether change should fire w, using exact-path
// equality (not subtree/prefix matching) between the change and the
// watched node, and re-checking read permission against the change's own
// retained permissions.
func (w Watch[C]) matches(dom wire.DomainID, change store.AppliedChange) bool {
	switch w.Node.Kind {
	case WPathNormal:
		return change.Kind == store.AppliedWrite &&
			change.Path == w.Node.Path &&
			change.PermsOK(dom, store.ModeRead)
	case WPathIntroduceDomain:
		return change.Kind == store.AppliedIntroduceDomain
	case WPathReleaseDomain:
		return change.Kind == store.AppliedReleaseDomain
	default:
		return false
	}
}

// DomainOf resolves the domain id a watch's owning connection should be
// permission-checked as. Kept as a function parameter (rather than baked
// into Watch) because C is an opaque connection identifier to this
// package; callers supply the mapping.
type DomainOf[C comparable] func(C) wire.DomainID

// FireSingle returns every watch in l that should fire for a single
// applied change.
func (l *List[C]) FireSingle(change store.AppliedChange, domOf DomainOf[C]) []Watch[C] {
	var fired []Watch[C]
	for w := range l.watches {
		if w.matches(domOf(w.Conn), change) {
			fired = append(fired, w)
		}
	}
	return fired
}

// Fire returns the de-duplicated union of FireSingle across every change
// in changes.
func (l *List[C]) Fire(changes []store.AppliedChange, domOf DomainOf[C]) []Watch[C] {
	seen := map[Watch[C]]struct{}{}
	var fired []Watch[C]
	for _, change := range changes {
		for _, w := range l.FireSingle(change, domOf) {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			fired = append(fired, w)
		}
	}
	return fired
}
