package hive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
)

func TestFindHivePathPrefersFlakeNix(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "flake.nix"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hive.nix"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindHivePath(sub)
	if err != nil {
		t.Fatalf("FindHivePath: %v", err)
	}
	if got != filepath.Join(dir, "flake.nix") {
		t.Fatalf("got %q, want flake.nix to win over hive.nix", got)
	}
}

func TestFindHivePathFallsBackToHiveNix(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hive.nix"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindHivePath(sub)
	if err != nil {
		t.Fatalf("FindHivePath: %v", err)
	}
	if got != filepath.Join(dir, "hive.nix") {
		t.Fatalf("got %q, want %q", got, filepath.Join(dir, "hive.nix"))
	}
}

func TestFindHivePathErrorsWhenNothingFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindHivePath(dir); err == nil {
		t.Fatal("expected an error when no flake.nix/hive.nix exists up the tree")
	}
}

func newTestHive() *Hive {
	return &Hive{
		Path: "/dev/null",
		Nodes: map[Name]*Node{
			"web-1": {BuildRemotely: true, Tags: map[string]struct{}{"web": {}}},
			"db-1":  {BuildRemotely: true, Tags: map[string]struct{}{"db": {}}},
		},
	}
}

func TestForceAlwaysLocal(t *testing.T) {
	h := newTestHive()
	if err := h.ForceAlwaysLocal([]string{"web-1"}); err != nil {
		t.Fatalf("ForceAlwaysLocal: %v", err)
	}
	if h.Nodes["web-1"].BuildRemotely {
		t.Fatal("expected web-1.BuildRemotely to be forced false")
	}
	if !h.Nodes["db-1"].BuildRemotely {
		t.Fatal("db-1 must be untouched")
	}
}

func TestForceAlwaysLocalUnknownNode(t *testing.T) {
	h := newTestHive()
	err := h.ForceAlwaysLocal([]string{"does-not-exist"})
	var notFound *fleeterrors.NodeDoesNotExistError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *fleeterrors.NodeDoesNotExistError, got %T: %v", err, err)
	}
}

func TestSelectWithNoSelectorsReturnsEverything(t *testing.T) {
	h := newTestHive()
	got := h.Select(nil, nil)
	if len(got) != 2 {
		t.Fatalf("got %d nodes, want 2", len(got))
	}
}

func TestSelectByName(t *testing.T) {
	h := newTestHive()
	got := h.Select([]string{"web-1"}, nil)
	if len(got) != 1 {
		t.Fatalf("got %d nodes, want 1", len(got))
	}
	if _, ok := got["web-1"]; !ok {
		t.Fatal("expected web-1 to be selected")
	}
}

func TestSelectByTag(t *testing.T) {
	h := newTestHive()
	got := h.Select(nil, []string{"db"})
	if len(got) != 1 {
		t.Fatalf("got %d nodes, want 1", len(got))
	}
	if _, ok := got["db-1"]; !ok {
		t.Fatal("expected db-1 to be selected")
	}
}

func TestSelectUnionsNamesAndTags(t *testing.T) {
	h := newTestHive()
	got := h.Select([]string{"web-1"}, []string{"db"})
	if len(got) != 2 {
		t.Fatalf("got %d nodes, want 2 (union of name and tag selectors)", len(got))
	}
}
