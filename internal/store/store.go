// Package store implements the hierarchical node tree, its copy-on-write
// changeset overlay, and per-node permission checks. Grounded directly on
// original_source/src/store.rs (xenstore-rs) — perms_ok, get_node,
// construct_node's ancestor-chain creation, and rm's parent-rewrite-then-
// breadth-first-removal are all ported from there, Rust ownership/
// Result<T,E> idiom translated to Go value types and (T, error) returns.
package store

import (
	"sort"

	"github.com/leengari/xenstored/internal/wire"
	"github.com/leengari/xenstored/internal/xserr"
)

// Dom0 is the privileged domain id; it bypasses all per-node permission
// checks.
const Dom0 wire.DomainID = 0

// Mode is a permission bitmask.
type Mode uint8

const (
	ModeNone  Mode = 0
	ModeRead  Mode = 1 << 0
	ModeWrite Mode = 1 << 1
	ModeOwner Mode = 1 << 2
	ModeBoth  Mode = ModeRead | ModeWrite
)

// Permission pairs a domain id with the mode it holds on a node. The
// element at index 0 of a node's permission list denotes both the node's
// owner and the default mode for any domain without an explicit entry.
type Permission struct {
	Domain wire.DomainID
	Mode   Mode
}

func permsOK(dom wire.DomainID, perms []Permission, want Mode) bool {
	mask := ModeRead | ModeWrite | ModeOwner
	if dom == Dom0 || perms[0].Domain == dom {
		return mask&want == want
	}
	for _, p := range perms[1:] {
		if p.Domain == dom {
			return p.Mode&want == want
		}
	}
	return perms[0].Mode&want == want
}

// Value is the opaque payload stored at a node.
type Value []byte

// Basename is a single path component.
type Basename = string

// Node is one entry in the tree.
type Node struct {
	Path        Path
	Value       Value
	Children    map[Basename]struct{}
	Permissions []Permission
}

func (n Node) clone() Node {
	children := make(map[Basename]struct{}, len(n.Children))
	for k := range n.Children {
		children[k] = struct{}{}
	}
	perms := make([]Permission, len(n.Permissions))
	copy(perms, n.Permissions)
	value := make(Value, len(n.Value))
	copy(value, n.Value)
	return Node{Path: n.Path, Value: value, Children: children, Permissions: perms}
}

func (n Node) permsOK(dom wire.DomainID, want Mode) bool {
	return permsOK(dom, n.Permissions, want)
}

// sortedChildren returns n's children sorted lexicographically.
func (n Node) sortedChildren() []Basename {
	out := make([]Basename, 0, len(n.Children))
	for c := range n.Children {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ChangeKind distinguishes a write from a removal within a ChangeSet.
type ChangeKind int

const (
	ChangeWrite ChangeKind = iota
	ChangeRemove
)

// Change is one overlay entry.
type Change struct {
	Kind ChangeKind
	Node Node
}

// ChangeSet is a parent-generation-tagged, copy-on-write overlay of writes
// and removes. It is the only means of mutating the store: callers build
// one via Store's read/write helpers and either Apply it directly (the
// root transaction) or stash it in the transaction registry.
type ChangeSet struct {
	parentGeneration uint64
	changes          map[Path]Change
	order            []Path
}

// NewChangeSet creates an empty overlay parented at s's current
// generation.
func NewChangeSet(s *Store) ChangeSet {
	return ChangeSet{parentGeneration: s.generation, changes: map[Path]Change{}}
}

// clone returns an independent copy of cs sharing no mutable state.
func (cs ChangeSet) clone() ChangeSet {
	changes := make(map[Path]Change, len(cs.changes))
	for k, v := range cs.changes {
		changes[k] = v
	}
	order := make([]Path, len(cs.order))
	copy(order, cs.order)
	return ChangeSet{parentGeneration: cs.parentGeneration, changes: changes, order: order}
}

func (cs *ChangeSet) insert(c Change) {
	p := c.Node.Path
	if _, exists := cs.changes[p]; !exists {
		cs.order = append(cs.order, p)
	}
	cs.changes[p] = c
}

// AppliedChangeKind distinguishes the four kinds of applied change.
type AppliedChangeKind int

const (
	AppliedWrite AppliedChangeKind = iota
	AppliedRemove
	AppliedIntroduceDomain
	AppliedReleaseDomain
)

// AppliedChange is one entry in the ordered record produced by Apply.
// Permissions are retained on AppliedWrite so watch matching can re-check
// read permission at fire time without consulting the (possibly already
// superseded) live store.
type AppliedChange struct {
	Kind        AppliedChangeKind
	Path        Path
	Permissions []Permission
}

// PermsOK reports whether dom may access ac under want, consulting the
// change's own retained permissions for a Write and always permitting
// Remove/pseudo-events (there is nothing left to read permissions from
// once a node is gone, and pseudo-events carry no node permissions at
// all).
func (ac AppliedChange) PermsOK(dom wire.DomainID, want Mode) bool {
	switch ac.Kind {
	case AppliedWrite:
		return permsOK(dom, ac.Permissions, want)
	default:
		return true
	}
}

// Store owns the node map and the monotonic generation counter. It is
// mutated only by Apply.
type Store struct {
	generation uint64
	nodes      map[Path]Node
}

// New creates a Store with the standard initial tree: "/" with child
// "tool", "/tool" with child "xenstored", "/tool/xenstored" empty — all
// owned by Dom0 with mode None.
func New() *Store {
	s := &Store{nodes: map[Path]Node{}}
	manual(s, Root, "tool")
	manual(s, Path{clean: "/tool"}, "xenstored")
	manual(s, Path{clean: "/tool/xenstored"})
	return s
}

func manual(s *Store, p Path, children ...Basename) {
	cset := make(map[Basename]struct{}, len(children))
	for _, c := range children {
		cset[c] = struct{}{}
	}
	s.nodes[p] = Node{
		Path:        p,
		Value:       Value{},
		Children:    cset,
		Permissions: []Permission{{Domain: Dom0, Mode: ModeNone}},
	}
}

// Generation returns the store's current generation counter.
func (s *Store) Generation() uint64 { return s.generation }

// Apply commits cs atomically if cs was parented at the store's current
// generation, returning the ordered list of changes actually applied. It
// fails (ok=false) on a stale parent generation — the caller must
// translate that into EAGAIN for a transaction commit (P4).
func (s *Store) Apply(cs ChangeSet) (applied []AppliedChange, ok bool) {
	if cs.parentGeneration != s.generation {
		return nil, false
	}
	applied = make([]AppliedChange, 0, len(cs.order))
	for _, p := range cs.order {
		change := cs.changes[p]
		switch change.Kind {
		case ChangeWrite:
			s.nodes[p] = change.Node
			applied = append(applied, AppliedChange{Kind: AppliedWrite, Path: p, Permissions: change.Node.Permissions})
		case ChangeRemove:
			delete(s.nodes, p)
			applied = append(applied, AppliedChange{Kind: AppliedRemove, Path: p})
		}
	}
	s.generation++
	return applied, true
}

// getNode resolves path through the overlay first, falling through to the
// backing store, then checks permissions.
func (s *Store) getNode(cs *ChangeSet, dom wire.DomainID, path Path, want Mode) (Node, error) {
	var n Node
	if change, ok := cs.changes[path]; ok {
		switch change.Kind {
		case ChangeRemove:
			return Node{}, xserr.New(xserr.ENOENT, "no such node %s", path)
		default:
			n = change.Node
		}
	} else if live, ok := s.nodes[path]; ok {
		n = live
	} else {
		return Node{}, xserr.New(xserr.ENOENT, "no such node %s", path)
	}

	if !n.permsOK(dom, want) {
		return Node{}, xserr.New(xserr.EACCES, "permission denied for %s", path)
	}
	return n, nil
}

// constructNode builds the minimal chain of missing ancestors up to the
// nearest existing writable ancestor. The returned nodes run root-first:
// a rewritten copy of that ancestor with the new child added, then each
// newly created node (interleaved with its own rewritten copy once it
// gains a child), ending with the new leaf carrying value.
func (s *Store) constructNode(cs *ChangeSet, dom wire.DomainID, path Path, value Value) ([]Node, error) {
	var toCreate []Path
	cur := path
	for {
		if _, err := s.getNode(cs, dom, cur, ModeWrite); err == nil {
			break
		} else if xserr.CodeOf(err) != xserr.ENOENT {
			return nil, err
		}
		toCreate = append(toCreate, cur)
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		cur = parent
	}

	if len(toCreate) == 0 {
		return nil, xserr.New(xserr.EACCES, "could not create %s", path)
	}

	deepest := toCreate[len(toCreate)-1]
	parentPath, ok := deepest.Parent()
	if !ok {
		return nil, xserr.New(xserr.EACCES, "could not create %s", path)
	}
	parent, err := s.getNode(cs, dom, parentPath, ModeWrite)
	if err != nil {
		return nil, err
	}

	// toCreate is ordered deepest-first; walk it root-first (reverse) so each
	// new node's parent is the previous iteration's freshly-created node.
	out := make([]Node, 0, 2*len(toCreate))
	for i := len(toCreate) - 1; i >= 0; i-- {
		p := toCreate[i]

		newParent := parent.clone()
		newParent.Children[p.Basename()] = struct{}{}

		perms := make([]Permission, len(parent.Permissions))
		copy(perms, parent.Permissions)
		if dom != Dom0 {
			perms[0].Domain = dom
		}

		child := Node{Path: p, Value: Value{}, Children: map[Basename]struct{}{}, Permissions: perms}
		out = append(out, newParent, child)
		parent = child
	}

	out[len(out)-1].Value = value
	return out, nil
}

// Write sets value at path, creating any missing ancestors. See
// original_source/src/store.rs write()/construct_node().
func (s *Store) Write(cs ChangeSet, dom wire.DomainID, path Path, value Value) (ChangeSet, error) {
	out := cs.clone()

	if n, err := s.getNode(&cs, dom, path, ModeWrite); err == nil {
		n = n.clone()
		n.Value = append(Value{}, value...)
		out.insert(Change{Kind: ChangeWrite, Node: n})
		return out, nil
	} else if xserr.CodeOf(err) != xserr.ENOENT {
		return ChangeSet{}, err
	}

	nodes, err := s.constructNode(&cs, dom, path, value)
	if err != nil {
		return ChangeSet{}, err
	}
	for _, n := range nodes {
		out.insert(Change{Kind: ChangeWrite, Node: n})
	}
	return out, nil
}

// Read returns the value at path.
func (s *Store) Read(cs ChangeSet, dom wire.DomainID, path Path) (Value, error) {
	n, err := s.getNode(&cs, dom, path, ModeRead)
	if err != nil {
		return nil, err
	}
	return n.Value, nil
}

// Mkdir is idempotent: an existing writable node is left unchanged,
// otherwise it behaves exactly like Write(path, "").
func (s *Store) Mkdir(cs ChangeSet, dom wire.DomainID, path Path) (ChangeSet, error) {
	if _, err := s.getNode(&cs, dom, path, ModeWrite); err == nil {
		return cs, nil
	} else if xserr.CodeOf(err) != xserr.ENOENT {
		return ChangeSet{}, err
	}
	return s.Write(cs, dom, path, Value{})
}

// Directory lists path's children, sorted lexicographically.
func (s *Store) Directory(cs ChangeSet, dom wire.DomainID, path Path) ([]Basename, error) {
	n, err := s.getNode(&cs, dom, path, ModeRead)
	if err != nil {
		return nil, err
	}
	return n.sortedChildren(), nil
}

// Rm removes path and its entire subtree. Fails EINVAL on the root.
func (s *Store) Rm(cs ChangeSet, dom wire.DomainID, path Path) (ChangeSet, error) {
	if path.IsRoot() {
		return ChangeSet{}, xserr.New(xserr.EINVAL, "cannot remove root directory")
	}

	out := cs.clone()

	parentPath, _ := path.Parent()
	parent, err := s.getNode(&cs, dom, parentPath, ModeWrite)
	if err != nil {
		return ChangeSet{}, err
	}
	parent = parent.clone()
	delete(parent.Children, path.Basename())
	out.insert(Change{Kind: ChangeWrite, Node: parent})

	queue := []Path{path}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		n, err := s.getNode(&cs, dom, p, ModeWrite)
		if err != nil {
			return ChangeSet{}, err
		}
		for _, c := range n.sortedChildren() {
			queue = append(queue, p.Push(c))
		}
		out.insert(Change{Kind: ChangeRemove, Node: n})
	}

	return out, nil
}

// GetPerms returns path's permission list.
func (s *Store) GetPerms(cs ChangeSet, dom wire.DomainID, path Path) ([]Permission, error) {
	n, err := s.getNode(&cs, dom, path, ModeRead)
	if err != nil {
		return nil, err
	}
	out := make([]Permission, len(n.Permissions))
	copy(out, n.Permissions)
	return out, nil
}

// SetPerms replaces path's permission list verbatim.
func (s *Store) SetPerms(cs ChangeSet, dom wire.DomainID, path Path, perms []Permission) (ChangeSet, error) {
	n, err := s.getNode(&cs, dom, path, ModeWrite)
	if err != nil {
		return ChangeSet{}, err
	}
	n = n.clone()
	n.Permissions = make([]Permission, len(perms))
	copy(n.Permissions, perms)

	out := cs.clone()
	out.insert(Change{Kind: ChangeWrite, Node: n})
	return out, nil
}
