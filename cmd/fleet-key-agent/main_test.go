package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetctl/fleetctl/internal/keyagent"
)

func TestRunPlacesKeysFromStream(t *testing.T) {
	dir := t.TempDir()
	destA := filepath.Join(dir, "a", "secret")
	destB := filepath.Join(dir, "b", "secret")

	manifest := keyagent.Keys{Keys: []keyagent.Key{
		{Destination: destA, Permissions: 0o600, User: "", Group: "", Length: 5},
		{Destination: destB, Permissions: 0o640, User: "", Group: "", Length: 3},
	}}
	manifestBuf := manifest.Encode()

	if err := run([]string{"not-a-number"}, bytes.NewReader(nil)); err == nil {
		t.Fatal("expected a parse error for a non-numeric length arg")
	}

	var stream bytes.Buffer
	stream.Write(manifestBuf)
	stream.WriteString("aaaaa")
	stream.WriteString("bbb")

	args := []string{itoa(len(manifestBuf))}
	if err := run(args, &stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := os.ReadFile(destA)
	if err != nil {
		t.Fatalf("reading destA: %v", err)
	}
	if string(a) != "aaaaa" {
		t.Fatalf("got %q", a)
	}

	b, err := os.ReadFile(destB)
	if err != nil {
		t.Fatalf("reading destB: %v", err)
	}
	if string(b) != "bbb" {
		t.Fatalf("got %q", b)
	}

	info, err := os.Stat(destA)
	if err != nil {
		t.Fatalf("stat destA: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode: %v", info.Mode().Perm())
	}
}

func TestResolveUIDFallsBackToZeroForUnknownUser(t *testing.T) {
	if got := resolveUID("definitely-not-a-real-user-12345"); got != 0 {
		t.Fatalf("expected fallback to 0, got %d", got)
	}
}

func TestResolveGIDFallsBackToZeroForUnknownGroup(t *testing.T) {
	if got := resolveGID("definitely-not-a-real-group-12345"); got != 0 {
		t.Fatalf("expected fallback to 0, got %d", got)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
