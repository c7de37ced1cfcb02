package nonpty

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
)

func TestRunCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Argv0:   "sh",
		Args:    []string{"-c"},
		Command: "echo one; echo two",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Stdout) != 2 || res.Stdout[0] != "one" || res.Stdout[1] != "two" {
		t.Fatalf("unexpected stdout: %v", res.Stdout)
	}
}

func TestRunReturnsCommandFailedOnNonZeroExit(t *testing.T) {
	_, err := Run(context.Background(), Options{
		Argv0:   "sh",
		Args:    []string{"-c"},
		Command: "echo boom >&2; exit 1",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	var cfe *fleeterrors.CommandFailedError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected *fleeterrors.CommandFailedError, got %T: %v", err, err)
	}
	if cfe.Reason != "known-status" {
		t.Fatalf("unexpected reason: %s", cfe.Reason)
	}
}

func TestSessionStdinRoundTrip(t *testing.T) {
	s, err := Start(context.Background(), Options{
		Argv0:   "sh",
		Args:    []string{"-c"},
		Command: "cat",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	res, err := s.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "hello" {
		t.Fatalf("unexpected stdout: %v", res.Stdout)
	}
}

func TestLocalRunnerSurfacesSpawnFailure(t *testing.T) {
	r := LocalRunner{}
	_, err := r.Run(context.Background(), "sh", "-c", "exit 3")
	if err == nil {
		t.Fatal("expected an error")
	}
	var sfe *fleeterrors.SpawnFailedError
	if !errors.As(err, &sfe) {
		t.Fatalf("expected *fleeterrors.SpawnFailedError, got %T: %v", err, err)
	}
}
