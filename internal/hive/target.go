package hive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kevinburke/ssh_config"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/sshopts"
)

// Target describes how a node is reached over the network.
type Target struct {
	Hosts []string // non-empty, ordered
	User  string
	Port  int

	// AcceptNewHostKeys selects `StrictHostKeyChecking=accept-new` instead of
	// `=no`; it corresponds to the hive's `ssh_accept_host` setting.
	AcceptNewHostKeys bool

	// KnownHostsPath, when set, points ssh at a fleetctl-managed known_hosts
	// file (see internal/hostkeys) instead of the operator's default one, so
	// trust-on-first-use acceptance is recorded somewhere this tool owns.
	KnownHostsPath string

	currentHost int // monotonically non-decreasing index into Hosts
}

// GetPreferredHost returns the host currently believed reachable.
func (t *Target) GetPreferredHost() (string, error) {
	if t.currentHost >= len(t.Hosts) {
		return "", &fleeterrors.HostsExhaustedError{}
	}
	return t.Hosts[t.currentHost], nil
}

// HostFailed advances past the current host. It never decreases and never
// bounds-checks: exhaustion is only observed on the next GetPreferredHost
// call, matching the source semantics this is ported from.
func (t *Target) HostFailed() {
	t.currentHost++
}

// CurrentHostIndex exposes the failover pointer for tests and status
// reporting; it must never be used to mutate host selection directly.
func (t *Target) CurrentHostIndex() int { return t.currentHost }

// Modifiers are CLI-wide flags that influence how commands get invoked.
type Modifiers struct {
	ShowTrace      bool
	NonInteractive bool
}

type sshArgs struct {
	User string `flag:"-l"`
	Port int    `flag:"-p"`
}

// CreateSSHArgs builds the argv (excluding the `ssh` binary name, ending with
// the preferred host) used to reach this target: base identity/port flags, then
// host-key-checking policy, then (when appropriate) a request to disable
// password/keyboard-interactive auth so a stalled prompt fails fast instead
// of hanging a worker slot.
func (t *Target) CreateSSHArgs(mods Modifiers, forInteractiveAuth bool) ([]string, error) {
	host, err := t.GetPreferredHost()
	if err != nil {
		return nil, err
	}

	args := sshopts.ToArgs(&sshArgs{User: t.User, Port: t.Port})

	if cfgArgs := sshConfigOverrides(host); len(cfgArgs) > 0 {
		args = append(cfgArgs, args...)
	}

	checking := "no"
	if t.AcceptNewHostKeys {
		checking = "accept-new"
	}
	args = append(args, "-o", "StrictHostKeyChecking="+checking)
	if t.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+t.KnownHostsPath)
	}

	if mods.NonInteractive || !forInteractiveAuth {
		args = append(args, "-o", "PasswordAuthentication=no", "-o", "KbdInteractiveAuthentication=no")
	}

	args = append(args, host)
	return args, nil
}

// sshConfigOverrides consults the operator's ~/.ssh/config (via
// kevinburke/ssh_config) for a ProxyJump/IdentityFile override applicable to
// host, returned as extra ssh argv placed before the hive-declared flags so
// the hive's own settings win on conflicting keys.
func sshConfigOverrides(host string) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return nil
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil
	}

	var out []string
	if proxy, _ := cfg.Get(host, "ProxyJump"); proxy != "" {
		out = append(out, "-J", proxy)
	}
	if identity, _ := cfg.Get(host, "IdentityFile"); identity != "" {
		out = append(out, "-i", identity)
	}
	return out
}

// Ping verifies the preferred host is reachable by invoking the artifact
// store's remote-ping subcommand through the non-interactive harness.
func (t *Target) Ping(ctx context.Context, runner NonInteractiveRunner) error {
	host, err := t.GetPreferredHost()
	if err != nil {
		return err
	}

	hostPart := host
	if t.Port != 0 {
		hostPart = fmt.Sprintf("%s:%d", host, t.Port)
	}
	storeURL := fmt.Sprintf("ssh://%s@%s", t.User, hostPart)
	_, err = runner.Run(ctx, "nix", "store", "ping", "--store", storeURL)
	if err != nil {
		return &fleeterrors.HostUnreachableError{Host: host, Err: err}
	}
	return nil
}

// NonInteractiveRunner is the narrow collaborator Target.Ping needs; it is
// satisfied by the non-interactive process harness (internal/nonpty).
type NonInteractiveRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}
