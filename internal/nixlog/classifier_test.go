package nixlog

import (
	"reflect"
	"testing"
)

func TestClassifyStructuredMessage(t *testing.T) {
	e := Classify(`@nix {"action":"msg","level":0,"msg":"boom"}`)
	if e.Raw {
		t.Fatal("expected structured entry, got raw")
	}
	if e.Level != LevelError || e.Message != "boom" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !e.IsError() {
		t.Fatal("expected level-0 message to be classified as an error")
	}
}

func TestClassifyStopIsDiscarded(t *testing.T) {
	e := Classify(`@nix {"action":"stop"}`)
	if !e.Stop {
		t.Fatal("expected stop action to be marked Stop")
	}
}

func TestClassifyUnparseableLineIsRaw(t *testing.T) {
	e := Classify("just some plain stderr output")
	if !e.Raw || e.Level != LevelInfo {
		t.Fatalf("expected raw info-level entry, got %+v", e)
	}
}

func TestRingRetainsMostRecentN(t *testing.T) {
	r := NewRing(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		r.Push(l)
	}
	got := r.Lines()
	want := []string{"c", "d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestClassifierTracksErrorsOnly(t *testing.T) {
	c := NewClassifier(nil, 20)
	c.Feed(`@nix {"action":"msg","level":0,"msg":"err1"}`)
	c.Feed(`@nix {"action":"msg","level":3,"msg":"info1"}`)
	c.Feed(`@nix {"action":"msg","level":0,"msg":"err2"}`)

	got := c.ErrorLines()
	want := []string{"err1", "err2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
