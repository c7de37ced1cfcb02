package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/steps"
)

type fakeBoard struct {
	running  []string
	finalize string
}

func (b *fakeBoard) SetRunning(name, step string) { b.running = append(b.running, step) }
func (b *fakeBoard) SetSucceeded(name string)      { b.finalize = "succeeded" }
func (b *fakeBoard) SetFailed(name string)         { b.finalize = "failed" }

// fakeStep is a directly constructible steps.Step for exercising the
// executor's filtering/ordering/short-circuit behavior without shelling out
// to real commands.
type fakeStep struct {
	name     string
	applies  bool
	err      error
	executed *[]string
}

func (s fakeStep) String() string                      { return s.name }
func (s fakeStep) ShouldExecute(ctx *hive.Context) bool { return s.applies }
func (s fakeStep) Execute(ctx context.Context, pctx *hive.Context) error {
	if s.executed != nil {
		*s.executed = append(*s.executed, s.name)
	}
	return s.err
}

func testContext() *hive.Context {
	return &hive.Context{
		Name: hive.Name("n1"),
		Node: &hive.Node{Target: hive.Target{Hosts: []string{"h1"}}},
		Goal: hive.GoalKeys,
		Lock: hive.NoopLock(),
	}
}

func TestRunFiltersAndExecutesInOrder(t *testing.T) {
	pctx := testContext()
	board := &fakeBoard{}
	var executed []string

	candidates := []steps.Step{
		fakeStep{name: "skip-me", applies: false, executed: &executed},
		fakeStep{name: "first", applies: true, executed: &executed},
		fakeStep{name: "second", applies: true, executed: &executed},
	}

	if err := Run(context.Background(), pctx, candidates, board, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []string{"first", "second"}; len(executed) != len(want) || executed[0] != want[0] || executed[1] != want[1] {
		t.Fatalf("got executed %v, want %v", executed, want)
	}
	if len(board.running) != 2 || board.running[0] != "first" || board.running[1] != "second" {
		t.Fatalf("unexpected board.running: %v", board.running)
	}
	if board.finalize != "succeeded" {
		t.Fatalf("expected board to be marked succeeded, got %q", board.finalize)
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	pctx := testContext()
	board := &fakeBoard{}
	var executed []string
	boom := errors.New("boom")

	candidates := []steps.Step{
		fakeStep{name: "first", applies: true, executed: &executed},
		fakeStep{name: "failing", applies: true, err: boom, executed: &executed},
		fakeStep{name: "never-runs", applies: true, executed: &executed},
	}

	err := Run(context.Background(), pctx, candidates, board, nil)
	if err == nil {
		t.Fatal("expected an error")
	}

	var nodeErr *fleeterrors.NodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("expected a *fleeterrors.NodeError, got %T: %v", err, err)
	}
	if nodeErr.Name != "n1" {
		t.Fatalf("unexpected node name: %s", nodeErr.Name)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected the causal chain to reach %v, got %v", boom, err)
	}

	if want := []string{"first", "failing"}; len(executed) != len(want) || executed[0] != want[0] || executed[1] != want[1] {
		t.Fatalf("got executed %v, want %v (never-runs must not execute)", executed, want)
	}
	if board.finalize != "failed" {
		t.Fatalf("expected board to be marked failed, got %q", board.finalize)
	}
}
