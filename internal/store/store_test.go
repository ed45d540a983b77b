package store

import (
	"testing"

	"github.com/leengari/xenstored/internal/xserr"
)

func mustPath(t *testing.T, dom uint32, s string) Path {
	t.Helper()
	p, err := NewPath(dom, s)
	if err != nil {
		t.Fatalf("NewPath(%d, %q): %v", dom, s, err)
	}
	return p
}

func applyOK(t *testing.T, s *Store, cs ChangeSet) []AppliedChange {
	t.Helper()
	applied, ok := s.Apply(cs)
	if !ok {
		t.Fatal("apply unexpectedly failed (stale generation)")
	}
	return applied
}

func TestBasicWriteRead(t *testing.T) {
	s := New()
	p := mustPath(t, Dom0, "/a")

	cs, err := s.Write(NewChangeSet(s), Dom0, p, Value("v"))
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	v, err := s.Read(NewChangeSet(s), Dom0, p)
	if err != nil || string(v) != "v" {
		t.Fatalf("got %q err %v", v, err)
	}

	dir, err := s.Directory(NewChangeSet(s), Dom0, Root)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(dir, "a") {
		t.Fatalf("expected / to contain a, got %v", dir)
	}
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func TestRecursiveCreate(t *testing.T) {
	s := New()
	p := mustPath(t, Dom0, "/x/y/z")

	cs, err := s.Write(NewChangeSet(s), Dom0, p, Value("leaf"))
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	for _, want := range []struct {
		path string
		val  string
	}{
		{"/x", ""},
		{"/x/y", ""},
		{"/x/y/z", "leaf"},
	} {
		v, err := s.Read(NewChangeSet(s), Dom0, mustPath(t, Dom0, want.path))
		if err != nil {
			t.Fatalf("read %s: %v", want.path, err)
		}
		if string(v) != want.val {
			t.Fatalf("read %s: got %q want %q", want.path, v, want.val)
		}
	}

	dir, err := s.Directory(NewChangeSet(s), Dom0, mustPath(t, Dom0, "/x/y"))
	if err != nil {
		t.Fatal(err)
	}
	if len(dir) != 1 || dir[0] != "z" {
		t.Fatalf("got %v want [z]", dir)
	}
}

func TestMkdirIdempotent(t *testing.T) {
	s := New()
	p := mustPath(t, Dom0, "/m")

	cs1, err := s.Mkdir(NewChangeSet(s), Dom0, p)
	if err != nil {
		t.Fatal(err)
	}
	applied1 := applyOK(t, s, cs1)
	if len(applied1) == 0 {
		t.Fatal("expected first mkdir to apply a change")
	}

	cs2, err := s.Mkdir(NewChangeSet(s), Dom0, p)
	if err != nil {
		t.Fatal(err)
	}
	applied2, ok := s.Apply(cs2)
	if !ok {
		t.Fatal("apply of idempotent mkdir failed")
	}
	if len(applied2) != 0 {
		t.Fatalf("second mkdir should be a no-op changeset, got %d changes", len(applied2))
	}
}

func TestPermissionDenial(t *testing.T) {
	s := New()
	path1 := mustPath(t, Dom0, "/local/domain/1")

	cs, err := s.Mkdir(NewChangeSet(s), Dom0, path1)
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	cs, err = s.SetPerms(NewChangeSet(s), Dom0, path1, []Permission{{Domain: 1, Mode: ModeNone}})
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	foo := path1.Push("foo")
	cs, err = s.Write(NewChangeSet(s), 1, foo, Value("secret"))
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	if _, err := s.Read(NewChangeSet(s), 2, foo); xserr.CodeOf(err) != xserr.EACCES {
		t.Fatalf("expected EACCES for dom 2, got %v", err)
	}

	if v, err := s.Read(NewChangeSet(s), Dom0, foo); err != nil || string(v) != "secret" {
		t.Fatalf("dom0 read: got %q err %v", v, err)
	}
}

func TestSubtreeRemoval(t *testing.T) {
	s := New()
	for _, p := range []string{"/b/x", "/b/y"} {
		cs, err := s.Write(NewChangeSet(s), Dom0, mustPath(t, Dom0, p), Value(""))
		if err != nil {
			t.Fatal(err)
		}
		applyOK(t, s, cs)
	}

	cs, err := s.Rm(NewChangeSet(s), Dom0, mustPath(t, Dom0, "/b"))
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	for _, p := range []string{"/b", "/b/x", "/b/y"} {
		if _, err := s.Read(NewChangeSet(s), Dom0, mustPath(t, Dom0, p)); xserr.CodeOf(err) != xserr.ENOENT {
			t.Fatalf("read %s: expected ENOENT, got %v", p, err)
		}
	}

	if _, err := s.Rm(NewChangeSet(s), Dom0, Root); xserr.CodeOf(err) != xserr.EINVAL {
		t.Fatalf("rm / : expected EINVAL, got %v", err)
	}
}

func TestGetSetPermsRoundTrip(t *testing.T) {
	s := New()
	p := mustPath(t, Dom0, "/perm")
	cs, err := s.Mkdir(NewChangeSet(s), Dom0, p)
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	want := []Permission{{Domain: Dom0, Mode: ModeNone}, {Domain: 7, Mode: ModeBoth}}
	cs, err = s.SetPerms(NewChangeSet(s), Dom0, p, want)
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, cs)

	got, err := s.GetPerms(NewChangeSet(s), Dom0, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestApplyFailsOnStaleGeneration(t *testing.T) {
	s := New()
	p := mustPath(t, Dom0, "/a")

	cs := NewChangeSet(s)
	cs, err := s.Write(cs, Dom0, p, Value("v1"))
	if err != nil {
		t.Fatal(err)
	}

	// A racing root-transaction write bumps the generation first.
	other, err := s.Write(NewChangeSet(s), Dom0, mustPath(t, Dom0, "/other"), Value("x"))
	if err != nil {
		t.Fatal(err)
	}
	applyOK(t, s, other)

	if _, ok := s.Apply(cs); ok {
		t.Fatal("expected apply to fail on stale parent generation")
	}
}

func TestPathBoundaries(t *testing.T) {
	rel := make([]byte, 2048)
	for i := range rel {
		rel[i] = 'a'
	}
	if _, err := NewPath(Dom0, string(rel)); err != nil {
		t.Fatalf("2048-byte relative path should be accepted: %v", err)
	}
	rel = append(rel, 'a')
	if _, err := NewPath(Dom0, string(rel)); xserr.CodeOf(err) != xserr.EINVAL {
		t.Fatalf("2049-byte relative path should be rejected, got %v", err)
	}
}
