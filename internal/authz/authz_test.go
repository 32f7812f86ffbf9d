package authz

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func testGate() *Gate {
	return NewGate(map[string][]string{
		"admin":    {"*"},
		"guest":    {"search", "web_search"},
		"operator": {"git_*", "read_file"},
	})
}

func TestCheck_WildcardAll(t *testing.T) {
	g := testGate()
	if !g.Check("admin", "anything") {
		t.Fatal("admin with * must be allowed any tool")
	}
	if !g.Check("admin", "database_query") {
		t.Fatal("admin with * must be allowed database_query")
	}
}

func TestCheck_ExactMatch(t *testing.T) {
	g := testGate()
	if !g.Check("guest", "search") {
		t.Fatal("guest should be allowed search")
	}
	if !g.Check("guest", "web_search") {
		t.Fatal("guest should be allowed web_search")
	}
	if g.Check("guest", "database_query") {
		t.Fatal("guest must not be allowed database_query")
	}
}

func TestCheck_PrefixWildcard(t *testing.T) {
	g := testGate()
	if !g.Check("operator", "git_commit") {
		t.Fatal("operator should match git_* prefix")
	}
	if !g.Check("operator", "git_push") {
		t.Fatal("operator should match git_* prefix")
	}
	if g.Check("operator", "gitlab") {
		t.Fatal("gitlab must not match git_*")
	}
	if g.Check("operator", "svn_commit") {
		t.Fatal("operator must not be allowed svn_commit")
	}
}

func TestCheck_UnknownRoleDenied(t *testing.T) {
	g := testGate()
	if g.Check("intruder", "search") {
		t.Fatal("unknown role must always be denied")
	}
}

func TestCheck_EmptyToolDenied(t *testing.T) {
	g := testGate()
	if g.Check("admin", "") {
		t.Fatal("empty tool name must be denied even for wildcard roles")
	}
}

func TestCheck_ImmutableAfterConstruction(t *testing.T) {
	matrix := map[string][]string{"guest": {"search"}}
	g := NewGate(matrix)
	matrix["guest"] = append(matrix["guest"], "database_query")
	if g.Check("guest", "database_query") {
		t.Fatal("gate must copy the matrix at construction")
	}
}

// fakeRoleStore returns a canned matrix or error.
type fakeRoleStore struct {
	matrix map[string][]string
	err    error
}

func (s *fakeRoleStore) LoadPermissions(context.Context) (map[string][]string, error) {
	return s.matrix, s.err
}

func TestLoadGate_FromStore(t *testing.T) {
	store := &fakeRoleStore{matrix: map[string][]string{
		"admin": {"*"},
		"guest": {"search"},
	}}
	g, err := loadGate(context.Background(), store, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.Check("guest", "search") || g.Check("guest", "other") {
		t.Fatal("loaded gate does not match store contents")
	}
}

func TestLoadGate_EmptyTableRefused(t *testing.T) {
	store := &fakeRoleStore{matrix: map[string][]string{}}
	if _, err := loadGate(context.Background(), store, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty permission table")
	}
}

func TestLoadGate_StoreError(t *testing.T) {
	store := &fakeRoleStore{err: errors.New("connection refused")}
	if _, err := loadGate(context.Background(), store, zap.NewNop()); err == nil {
		t.Fatal("expected store error to propagate")
	}
}
