package status

import (
	"bytes"
	"strings"
	"testing"
)

type fakeLock struct{ available bool }

func (f fakeLock) Available() bool { return f.available }

func TestWriteAboveStatusSkipsWhileLocked(t *testing.T) {
	b := New([]string{"a"}, true, fakeLock{available: false})

	var buf bytes.Buffer
	n, err := b.WriteAboveStatus(&buf, []byte("hello\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes written while locked, got %d", n)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no bytes produced while locked, got %q", buf.String())
	}
}

func TestWriteAboveStatusWritesWhenUnlocked(t *testing.T) {
	b := New([]string{"a"}, true, fakeLock{available: true})

	var buf bytes.Buffer
	n, err := b.WriteAboveStatus(&buf, []byte("hello\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("hello\n") {
		t.Fatalf("expected %d bytes written, got %d", len("hello\n"), n)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected payload in output, got %q", buf.String())
	}
}

func TestMsgCountsStates(t *testing.T) {
	b := New([]string{"a", "b", "c"}, true, fakeLock{available: true})
	b.SetSucceeded("a")
	b.SetFailed("b")
	b.SetRunning("c", "build")

	msg := b.msg()
	if !strings.Contains(msg, "2/3") {
		t.Fatalf("expected 2/3 done in message, got %q", msg)
	}
	if !strings.Contains(msg, "1 Failed") || !strings.Contains(msg, "1 Running") {
		t.Fatalf("expected failed/running counts in message, got %q", msg)
	}
}
