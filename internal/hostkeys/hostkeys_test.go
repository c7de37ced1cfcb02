package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer.PublicKey()
}

func TestOpenCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store, err := Open(path, RealFileSystem{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected known_hosts to be created at %s: %v", path, err)
	}
	if store.Path() != path {
		t.Fatalf("got Path()=%q, want %q", store.Path(), path)
	}
}

func TestHostKeyCallbackRejectsUnknownWithoutAcceptNewHostKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store, err := Open(path, RealFileSystem{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cb, err := store.HostKeyCallback(false)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}

	key := genHostKey(t)
	if err := cb("node-a:22", nil, key); err == nil {
		t.Fatal("expected an unknown host to be rejected when acceptNewHostKeys is false")
	}
}

func TestHostKeyCallbackRecordsUnknownWhenAccepting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store, err := Open(path, RealFileSystem{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := genHostKey(t)
	cb, err := store.HostKeyCallback(true)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	if err := cb("node-a:22", nil, key); err != nil {
		t.Fatalf("expected the first contact with an unknown host to be accepted and recorded: %v", err)
	}

	// A fresh callback (as would be built for the next connection attempt)
	// must now recognize the recorded key without needing acceptNewHostKeys.
	cb2, err := store.HostKeyCallback(false)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	if err := cb2("node-a:22", nil, key); err != nil {
		t.Fatalf("expected the now-recorded host key to verify: %v", err)
	}
}

func TestHostKeyCallbackRejectsChangedKeyEvenWhenAccepting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	store, err := Open(path, RealFileSystem{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first := genHostKey(t)
	cb, err := store.HostKeyCallback(true)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	if err := cb("node-a:22", nil, first); err != nil {
		t.Fatalf("unexpected error recording first key: %v", err)
	}

	second := genHostKey(t)
	cb2, err := store.HostKeyCallback(true)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	if err := cb2("node-a:22", nil, second); err == nil {
		t.Fatal("expected a changed host key to be rejected even with acceptNewHostKeys set")
	}
}

// fakeFS is a minimal in-memory FileSystem, used to confirm Store doesn't
// depend on the real filesystem beyond the FileSystem interface.
type fakeFS struct {
	files map[string][]byte
}

func newFakeFS() *fakeFS { return &fakeFS{files: map[string][]byte{}} }

func (f *fakeFS) Stat(name string) (fs.FileInfo, error) {
	if _, ok := f.files[name]; !ok {
		return nil, os.ErrNotExist
	}
	return nil, nil
}
func (f *fakeFS) MkdirAll(name string, perm fs.FileMode) error { return nil }
func (f *fakeFS) ReadFile(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}
func (f *fakeFS) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	f.files[name] = append([]byte{}, data...)
	return nil
}

func TestOpenWithFakeFileSystem(t *testing.T) {
	fsys := newFakeFS()
	store, err := Open("/virtual/known_hosts", fsys)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := fsys.files["/virtual/known_hosts"]; !ok {
		t.Fatal("expected Open to initialize the file on the fake filesystem")
	}
	if store.Path() != "/virtual/known_hosts" {
		t.Fatalf("unexpected path: %s", store.Path())
	}
}
