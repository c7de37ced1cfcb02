// Package hostkeys implements trust-on-first-use known_hosts handling for
// nodes whose target declares ssh_accept_host: an unrecognized host key is
// recorded the first time it is seen and verified against on every
// subsequent connection. It is adapted from the certificate-authority-based
// SSH trust bootstrapping in the teacher repository, stripped down to plain
// TOFU known_hosts management: there is no certificate authority here, only
// a per-operator known_hosts file that accumulates entries as new hosts are
// first contacted.
package hostkeys

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// FileSystem is the narrow filesystem surface the store needs, kept as an
// interface so tests can substitute an in-memory fake instead of touching a
// real known_hosts file.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(name string, perm fs.FileMode) error
	ReadFile(name string) ([]byte, error)
	SafeWriteFile(name string, data []byte, perm fs.FileMode) error
}

// RealFileSystem implements FileSystem against the host's actual disk.
type RealFileSystem struct{}

func (RealFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (RealFileSystem) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(name, perm)
}
func (RealFileSystem) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

// SafeWriteFile writes data to a temp file in the same directory, syncs it,
// then renames it over the target — avoiding a torn known_hosts file if the
// process is interrupted mid-write.
func (RealFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("hostkeys: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("hostkeys: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hostkeys: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("hostkeys: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hostkeys: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("hostkeys: setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("hostkeys: renaming into place: %w", err)
	}
	return nil
}

// DefaultPath returns ~/.config/fleetctl/known_hosts, or "" if the home
// directory cannot be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fleetctl", "known_hosts")
}

// Store manages one known_hosts file under trust-on-first-use semantics.
type Store struct {
	path string
	fsys FileSystem
}

// Open returns a Store backed by the known_hosts file at path, creating its
// parent directory and an empty file if necessary.
func Open(path string, fsys FileSystem) (*Store, error) {
	if fsys == nil {
		fsys = RealFileSystem{}
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("hostkeys: creating known_hosts directory: %w", err)
	}
	if _, err := fsys.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := fsys.SafeWriteFile(path, nil, 0o600); err != nil {
				return nil, fmt.Errorf("hostkeys: initializing %s: %w", path, err)
			}
		} else {
			return nil, err
		}
	}
	return &Store{path: path, fsys: fsys}, nil
}

// Path returns the underlying known_hosts file path.
func (s *Store) Path() string { return s.path }

// HostKeyCallback returns an ssh.HostKeyCallback that verifies against
// entries already recorded in the store. If acceptNewHostKeys is true, a
// host with no existing entry is trusted and recorded on first contact
// (TOFU); a host whose recorded key no longer matches is always rejected,
// regardless of acceptNewHostKeys — TOFU trusts a host once, not forever in
// the face of a changed key.
func (s *Store) HostKeyCallback(acceptNewHostKeys bool) (ssh.HostKeyCallback, error) {
	verify, err := knownhosts.New(s.path)
	if err != nil {
		return nil, fmt.Errorf("hostkeys: loading %s: %w", s.path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			// A host key *is* on record but doesn't match: never silently
			// trust a changed key.
			return err
		}
		if !acceptNewHostKeys {
			return err
		}

		return s.record(hostname, key)
	}, nil
}

// record appends a known_hosts line for hostname/key and reloads nothing
// else: callers construct HostKeyCallback fresh per connection attempt, so
// the next invocation will pick up the new entry.
func (s *Store) record(hostname string, key ssh.PublicKey) error {
	existing, err := s.fsys.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("hostkeys: reading %s: %w", s.path, err)
	}

	line := knownhosts.Line([]string{hostname}, key)
	updated := append(append([]byte{}, existing...), []byte(line+"\n")...)

	if err := s.fsys.SafeWriteFile(s.path, updated, 0o600); err != nil {
		return fmt.Errorf("hostkeys: recording new host key for %s: %w", hostname, err)
	}
	return nil
}
