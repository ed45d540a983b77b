package store

import (
	"fmt"
	"strings"

	"github.com/leengari/xenstored/internal/wire"
	"github.com/leengari/xenstored/internal/xserr"
)

// Path is a canonical absolute xenstore path: "/" or "/"-rooted segments
// with no empty components and no trailing slash. It is its own value
// type, not a wrapper over path/filepath, because xenstore paths are a
// POSIX-like grammar with per-domain relative-path rewriting, not OS
// filesystem paths.
type Path struct {
	clean string
}

// Root is the always-present store root.
var Root = Path{clean: "/"}

// DomainPath returns the canonical "/local/domain/<dom-id>/" prefix used
// to rewrite relative paths and reported verbatim in GET_DOMAIN_PATH
// replies. It is a plain string, not a Path, because its trailing slash
// would violate Path's own no-trailing-slash invariant.
func DomainPath(dom wire.DomainID) string {
	return fmt.Sprintf("/local/domain/%d/", dom)
}

// NewPath constructs a Path owned by dom from a client-supplied string. A
// relative string (one not starting with "/") is rewritten under
// DomainPath(dom).
func NewPath(dom wire.DomainID, s string) (Path, error) {
	if s == "" {
		return Path{}, xserr.New(xserr.EINVAL, "empty path")
	}

	abs := strings.HasPrefix(s, "/")
	if !abs {
		if len(s) > wire.RelPathMax {
			return Path{}, xserr.New(xserr.EINVAL, "relative path length %d exceeds max %d", len(s), wire.RelPathMax)
		}
		s = DomainPath(dom) + s
	}

	if len(s) > wire.AbsPathMax {
		return Path{}, xserr.New(xserr.EINVAL, "absolute path length %d exceeds max %d", len(s), wire.AbsPathMax)
	}

	if strings.Contains(s, "//") {
		return Path{}, xserr.New(xserr.EINVAL, "path %q contains an empty component", s)
	}

	if s != "/" && strings.HasSuffix(s, "/") {
		return Path{}, xserr.New(xserr.EINVAL, "path %q has a trailing slash", s)
	}

	return Path{clean: s}, nil
}

// String returns the canonical textual form.
func (p Path) String() string { return p.clean }

// IsRoot reports whether p is "/".
func (p Path) IsRoot() bool { return p.clean == "/" }

// Basename returns the final path component, or "" for the root.
func (p Path) Basename() string {
	if p.IsRoot() {
		return ""
	}
	idx := strings.LastIndexByte(p.clean, '/')
	return p.clean[idx+1:]
}

// Parent returns p's parent path. The root has no parent.
func (p Path) Parent() (Path, bool) {
	if p.IsRoot() {
		return Path{}, false
	}
	idx := strings.LastIndexByte(p.clean, '/')
	if idx == 0 {
		return Root, true
	}
	return Path{clean: p.clean[:idx]}, true
}

// Push appends a single path component.
func (p Path) Push(component string) Path {
	if p.IsRoot() {
		return Path{clean: "/" + component}
	}
	return Path{clean: p.clean + "/" + component}
}

// IsDescendantOf reports whether p lies at or under ancestor.
func (p Path) IsDescendantOf(ancestor Path) bool {
	if ancestor.IsRoot() {
		return true
	}
	return p.clean == ancestor.clean || strings.HasPrefix(p.clean, ancestor.clean+"/")
}

// Ancestors yields p, then each ancestor up to and including the root, in
// that order — "self-then-ancestors" per the data model.
func (p Path) Ancestors() []Path {
	out := []Path{p}
	cur := p
	for {
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		out = append(out, parent)
		cur = parent
	}
	return out
}
