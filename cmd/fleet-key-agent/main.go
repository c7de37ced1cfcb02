// Command fleet-key-agent is the privileged helper run on a target node to
// place secret files it receives over its own stdin. It is deployed
// alongside the rest of the artifact and invoked by the driver as
// `fleet-key-agent <manifest-length> <fifo-owner> <correlation-id>`: the
// first argument's bytes of protobuf-encoded manifest are read first,
// followed by each key's payload in manifest order. fifo-owner and
// correlation-id govern the ownership and path of the fallback FIFO, used
// when a caller can't write to our stdin directly.
package main

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fleetctl/fleetctl/internal/keyagent"
)

const fifoPathBase = "/run/fleetctl_keyagent_fifo"

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, "fleet-key-agent:", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fleet-key-agent <manifest-length> [fifo-owner] [correlation-id]")
	}
	length, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid manifest length %q: %w", args[0], err)
	}

	fifoOwner := ""
	if len(args) >= 2 {
		fifoOwner = args[1]
	}
	correlationID := ""
	if len(args) >= 3 {
		correlationID = args[2]
	}
	if err := createFifo(fifoOwner, correlationID); err != nil {
		// The FIFO is a fallback path for callers that can't write to our
		// stdin directly; failing to create it shouldn't abort a delivery
		// that's arriving over stdin as normal.
		fmt.Fprintln(os.Stderr, "fleet-key-agent: warning: failed to create fallback fifo:", err)
	}

	manifestBuf := make([]byte, length)
	if _, err := io.ReadFull(in, manifestBuf); err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	manifest, err := keyagent.Decode(manifestBuf)
	if err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}

	for _, key := range manifest.Keys {
		if err := placeKey(key, in); err != nil {
			return fmt.Errorf("placing %s: %w", key.Destination, err)
		}
		fmt.Printf("wrote %s\n", key.Destination)
	}

	return nil
}

// createFifo makes the fallback FIFO, naming it uniquely per invocation via
// correlationID so concurrent runs targeting the same host don't collide on
// a single well-known path.
func createFifo(owner, correlationID string) error {
	path := fifoPathBase
	if correlationID != "" {
		path = fifoPathBase + "-" + correlationID
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return err
	}

	uid, gid := resolveOwner(owner)
	return os.Chown(path, uid, gid)
}

// resolveOwner looks up name as a user for the fifo's uid/gid, falling back
// to 0 when it is empty or unresolvable.
func resolveOwner(name string) (uid, gid int) {
	if name == "" {
		return 0, 0
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0
	}
	uid, _ = strconv.Atoi(u.Uid)
	gid, _ = strconv.Atoi(u.Gid)
	return uid, gid
}

// resolveUID looks up a username, falling back to uid 0 when unresolvable.
func resolveUID(name string) int {
	if name == "" {
		return 0
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0
	}
	uid, _ := strconv.Atoi(u.Uid)
	return uid
}

// resolveGID looks up a group name, falling back to gid 0 when unresolvable.
func resolveGID(name string) int {
	if name == "" {
		return 0
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0
	}
	gid, _ := strconv.Atoi(g.Gid)
	return gid
}

func placeKey(key keyagent.Key, in io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(key.Destination), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(key.Destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(key.Permissions))
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Chmod(os.FileMode(key.Permissions)); err != nil {
		return err
	}

	uid := resolveUID(key.User)
	gid := resolveGID(key.Group)
	if err := f.Chown(uid, gid); err != nil {
		return err
	}

	if _, err := io.CopyN(f, in, int64(key.Length)); err != nil {
		return fmt.Errorf("copying payload: %w", err)
	}

	return nil
}
