package keyagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetctl/fleetctl/internal/hive"
)

func TestReadSourceLiteral(t *testing.T) {
	b, err := ReadSource(context.Background(), hive.Source{Kind: hive.SourceLiteral, Literal: "hunter2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "hunter2" {
		t.Fatalf("got %q", b)
	}
}

func TestReadSourceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	b, err := ReadSource(context.Background(), hive.Source{Kind: hive.SourceFile, Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "from-file" {
		t.Fatalf("got %q", b)
	}
}

func TestReadSourceCommand(t *testing.T) {
	b, err := ReadSource(context.Background(), hive.Source{Kind: hive.SourceCommand, Command: []string{"echo", "-n", "from-command"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "from-command" {
		t.Fatalf("got %q", b)
	}
}

func TestProcessKeyBuildsManifestEntry(t *testing.T) {
	key := hive.Key{
		Name:        "id_ed25519",
		DestDir:     "/etc/secrets",
		User:        "root",
		Group:       "root",
		Permissions: "0600",
		Source:      hive.Source{Kind: hive.SourceLiteral, Literal: "key-material"},
	}

	mk, payload, err := ProcessKey(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mk.Destination != "/etc/secrets/id_ed25519" {
		t.Fatalf("unexpected destination: %s", mk.Destination)
	}
	if mk.Permissions != 0o600 {
		t.Fatalf("unexpected permissions: %o", mk.Permissions)
	}
	if mk.Length != uint32(len(payload)) {
		t.Fatalf("length mismatch: %d vs %d", mk.Length, len(payload))
	}
	if string(payload) != "key-material" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestProcessKeyRejectsInvalidPermissions(t *testing.T) {
	key := hive.Key{
		Name:        "bad",
		Permissions: "not-octal",
		Source:      hive.Source{Kind: hive.SourceLiteral, Literal: "x"},
	}
	if _, _, err := ProcessKey(context.Background(), key); err == nil {
		t.Fatal("expected an error for invalid permissions")
	}
}
