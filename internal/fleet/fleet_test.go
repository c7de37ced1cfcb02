package fleet

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
)

// localHive builds a minimal *hive.Hive with a single node named after this
// machine's hostname and marked deployable-locally, with no keys configured.
// With Goal==Keys and NoKeys==true every canonical step's ShouldExecute
// (including Ping, which is only skipped for a locally-applied node)
// evaluates to false, so the pipeline runs no real subprocess at all.
func localHive(tag string) *hive.Hive {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &hive.Hive{
		Path: "/dev/null",
		Nodes: map[hive.Name]*hive.Node{
			hive.Name(hostname): {
				Target:               hive.Target{Hosts: []string{hostname}},
				AllowLocalDeployment: true,
				Tags:                 map[string]struct{}{tag: {}},
			},
		},
	}
}

func TestApplyRunsEveryNodeWithNoOpPipeline(t *testing.T) {
	h := localHive("web")
	err := Apply(context.Background(), h, Options{
		Goal:   hive.GoalKeys,
		NoKeys: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplySelectsByTag(t *testing.T) {
	h := localHive("db")

	// Selecting by a tag that matches no node should produce an empty
	// working set (a no-op), not an error.
	if err := Apply(context.Background(), h, Options{Goal: hive.GoalKeys, NoKeys: true, Tags: []string{"web"}}); err != nil {
		t.Fatalf("unexpected error selecting a non-matching tag: %v", err)
	}

	// Selecting by the node's actual tag runs its (no-op) pipeline.
	if err := Apply(context.Background(), h, Options{Goal: hive.GoalKeys, NoKeys: true, Tags: []string{"db"}}); err != nil {
		t.Fatalf("unexpected error selecting a matching tag: %v", err)
	}
}

func TestApplyPropagatesForceAlwaysLocalError(t *testing.T) {
	h := localHive("web")
	err := Apply(context.Background(), h, Options{
		Goal:             hive.GoalKeys,
		NoKeys:           true,
		AlwaysBuildLocal: []string{"does-not-exist"},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown --always-build-local node")
	}
	var notFound *fleeterrors.NodeDoesNotExistError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected a *fleeterrors.NodeDoesNotExistError, got %T: %v", err, err)
	}
}

func TestApplyEmptySelectionIsANoOp(t *testing.T) {
	h := &hive.Hive{Path: "/dev/null", Nodes: map[hive.Name]*hive.Node{}}
	if err := Apply(context.Background(), h, Options{Goal: hive.GoalKeys, NoKeys: true}); err != nil {
		t.Fatalf("unexpected error on an empty hive: %v", err)
	}
}
