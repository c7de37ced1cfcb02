package keyagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/google/uuid"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/ptyharness"
)

// ReadSource produces a key's payload bytes from its configured source.
func ReadSource(ctx context.Context, src hive.Source) ([]byte, error) {
	switch src.Kind {
	case hive.SourceLiteral:
		return []byte(src.Literal), nil
	case hive.SourceFile:
		b, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case hive.SourceCommand:
		if len(src.Command) == 0 {
			return nil, errors.New("keyagent: empty command source")
		}
		cmd := exec.CommandContext(ctx, src.Command[0], src.Command[1:]...)
		cmd.Stdin = nil
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("keyagent: source command failed: %w: %s", err, stderr.String())
		}
		return stdout.Bytes(), nil
	default:
		return nil, fmt.Errorf("keyagent: unknown source kind %d", src.Kind)
	}
}

// ProcessKey reads a key's payload and builds its wire-form manifest entry.
func ProcessKey(ctx context.Context, key hive.Key) (Key, []byte, error) {
	payload, err := ReadSource(ctx, key.Source)
	if err != nil {
		return Key{}, nil, &fleeterrors.KeyError{KeyName: key.Name, Err: err}
	}

	perms, err := strconv.ParseUint(key.Permissions, 8, 32)
	if err != nil {
		return Key{}, nil, &fleeterrors.KeyError{KeyName: key.Name, Err: fmt.Errorf("invalid octal permissions %q: %w", key.Permissions, err)}
	}

	return Key{
		Destination: key.Destination(),
		Permissions: uint32(perms),
		User:        key.User,
		Group:       key.Group,
		Length:      uint32(len(payload)),
	}, payload, nil
}

// PushOptions configures one key-agent run.
type PushOptions struct {
	NodeName  string
	AgentDir  string
	Keys      []hive.Key
	SSHArgv   []string // target.CreateSSHArgs(...) output; nil for a local target
	Lock      ptyharness.Locker
	FifoOwner string // login user the helper's fallback FIFO is chowned to
}

// Push streams a manifest and its key payloads to the key-agent helper
// already uploaded to agentDir, over a PTY session run in elevated mode
// with stdin kept open so the payload can be injected right after the
// helper reports it has started.
func Push(ctx context.Context, opts PushOptions) error {
	manifest := Keys{}
	payloads := make([][]byte, 0, len(opts.Keys))

	for _, key := range opts.Keys {
		mk, payload, err := ProcessKey(ctx, key)
		if err != nil {
			return err
		}
		manifest.Keys = append(manifest.Keys, mk)
		payloads = append(payloads, payload)
	}

	buf := manifest.Encode()

	argv0 := "sh"
	args := []string{"-c"}
	if opts.SSHArgv != nil {
		argv0 = "ssh"
		args = opts.SSHArgv
	}

	// The correlation id both ties this run's log lines together and gives
	// the fallback FIFO a unique path, so concurrent local runs targeting
	// localhost don't collide on the same well-known name.
	correlationID := uuid.NewString()
	command := fmt.Sprintf("%s/bin/key_agent %d %s %s", opts.AgentDir, len(buf), opts.FifoOwner, correlationID)

	_, err := ptyharness.Run(ctx, ptyharness.Options{
		Argv0:         argv0,
		Args:          args,
		Command:       command,
		Elevated:      true,
		OutputMode:    ptyharness.ModeGeneric,
		KeepStdinOpen: true,
		Lock:          opts.Lock,
		AfterStarted: func(w io.Writer) error {
			if _, err := w.Write(buf); err != nil {
				return err
			}
			for _, p := range payloads {
				if _, err := w.Write(p); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		var cfe *fleeterrors.CommandFailedError
		if errors.As(err, &cfe) {
			return &fleeterrors.KeyCommandError{Name: opts.NodeName, Lines: cfe.Logs}
		}
		return err
	}

	return nil
}
