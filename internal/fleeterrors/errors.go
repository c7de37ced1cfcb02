// Package fleeterrors defines the typed failure taxonomy shared across the
// deployment pipeline. Every exported type implements error and Unwrap, so
// callers can use errors.As/errors.Is to recover the original kind while the
// causal chain (the subprocess or I/O error that triggered it) is preserved.
package fleeterrors

import (
	"fmt"
)

const docsBase = "https://fleetctl.example.dev/reference/errors.html"

// Coded is implemented by every error kind in this package.
type Coded interface {
	error
	Code() string
}

// DocsURL returns the documentation anchor for a Coded error.
func DocsURL(e Coded) string {
	return fmt.Sprintf("%s#%s", docsBase, e.Code())
}

// HostUnreachableError reports that every candidate host for a target failed
// to answer a ping, or a single attempt failed before exhaustion.
type HostUnreachableError struct {
	Host string
	Err  error
}

func (e *HostUnreachableError) Error() string {
	return fmt.Sprintf("cannot reach host %s", e.Host)
}
func (e *HostUnreachableError) Unwrap() error { return e.Err }
func (e *HostUnreachableError) Code() string  { return "fleet.Network.HostUnreachable" }

// HostsExhaustedError reports that a target's host list has been fully
// consumed by host_failed() without a successful ping.
type HostsExhaustedError struct{}

func (e *HostsExhaustedError) Error() string { return "ran out of contactable hosts" }
func (e *HostsExhaustedError) Code() string  { return "fleet.Network.HostsExhausted" }

// HostUnreachableAfterRebootError reports that a node stopped answering
// pings after activation: either it did not come back from a reboot
// requested after a successful activation, or it could not be reached after
// a failed activation.
type HostUnreachableAfterRebootError struct {
	Host string
}

func (e *HostUnreachableAfterRebootError) Error() string {
	return fmt.Sprintf("failed to regain connection to %s after activation", e.Host)
}
func (e *HostUnreachableAfterRebootError) Code() string {
	return "fleet.Network.HostUnreachableAfterReboot"
}

// SwitchToConfigurationError reports that the node-side activation command
// failed. When activation fails on a remote node for any goal other than
// dry-activate, it is only constructed once a ping has shown the node still
// reachable, distinguishing it from a bare network loss; a failed profile
// update, a dry-activate failure and a local failure return it directly.
type SwitchToConfigurationError struct {
	Goal string
	Name string
	Err  error
}

func (e *SwitchToConfigurationError) Error() string {
	return fmt.Sprintf("failed to run switch-to-configuration %s on node %s", e.Goal, e.Name)
}
func (e *SwitchToConfigurationError) Unwrap() error { return e.Err }
func (e *SwitchToConfigurationError) Code() string {
	return "fleet.Activation.SwitchToConfiguration"
}

// FailedToElevateError reports that acquiring sudo credentials failed.
type FailedToElevateError struct {
	Err error
}

func (e *FailedToElevateError) Error() string { return "failed to elevate" }
func (e *FailedToElevateError) Unwrap() error { return e.Err }
func (e *FailedToElevateError) Code() string  { return "fleet.Activation.Elevate" }

// KeyError wraps a failure while preparing or placing one key.
type KeyError struct {
	KeyName string
	Err     error
}

func (e *KeyError) Error() string { return fmt.Sprintf("failed to apply key %s", e.KeyName) }
func (e *KeyError) Unwrap() error { return e.Err }
func (e *KeyError) Code() string  { return "fleet.Key.Generic" }

// KeyCommandError reports that the key-agent helper exited unsuccessfully.
// Lines holds up to the last 20 lines of its stderr.
type KeyCommandError struct {
	Name  string
	Lines []string
}

func (e *KeyCommandError) Error() string {
	return fmt.Sprintf("failed to push keys to %s (last %d lines):\n%s", e.Name, len(e.Lines), joinLines(e.Lines))
}
func (e *KeyCommandError) Code() string { return "fleet.KeyAgent.Fail" }

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// CommandFailedError reports that a harness-run command did not reach the
// OK sentinel. Reason is one of "marked-unsuccessful",
// "child-crashed-before-succeeding", or "known-status".
type CommandFailedError struct {
	CommandRan string
	Logs       []string
	Reason     string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("%s failed (%s, last %d lines):\n%s", e.CommandRan, e.Reason, len(e.Logs), joinLines(e.Logs))
}
func (e *CommandFailedError) Code() string { return "fleet.Command.CommandFailed" }

// SpawnFailedError wraps an os/exec spawn failure.
type SpawnFailedError struct {
	Err error
}

func (e *SpawnFailedError) Error() string { return "failed to spawn command" }
func (e *SpawnFailedError) Unwrap() error { return e.Err }
func (e *SpawnFailedError) Code() string  { return "fleet.Command.SpawnFailed" }

// NodeDoesNotExistError reports that --always-build-local named a node
// absent from the hive.
type NodeDoesNotExistError struct {
	Name string
}

func (e *NodeDoesNotExistError) Error() string {
	return fmt.Sprintf("node %s does not exist in hive", e.Name)
}
func (e *NodeDoesNotExistError) Code() string { return "fleet.HiveInit.NodeDoesNotExist" }

// NixEvalError wraps a failed evaluator invocation.
type NixEvalError struct {
	Err error
}

func (e *NixEvalError) Error() string { return "failed to evaluate your hive" }
func (e *NixEvalError) Unwrap() error { return e.Err }
func (e *NixEvalError) Code() string  { return "fleet.HiveInit.NixEval" }

// NixBuildError wraps a failed build-tool invocation for one node.
type NixBuildError struct {
	Name string
	Err  error
}

func (e *NixBuildError) Error() string { return fmt.Sprintf("failed to build node %s", e.Name) }
func (e *NixBuildError) Unwrap() error { return e.Err }
func (e *NixBuildError) Code() string  { return "fleet.BuildNode" }

// NixCopyError wraps a failed artifact-copy invocation for one node.
type NixCopyError struct {
	Name string
	Path string
	Err  error
}

func (e *NixCopyError) Error() string {
	return fmt.Sprintf("failed to copy path %s to node %s", e.Path, e.Name)
}
func (e *NixCopyError) Unwrap() error { return e.Err }
func (e *NixCopyError) Code() string  { return "fleet.CopyPath" }

// NodeError pairs a node name with the first error its pipeline produced.
type NodeError struct {
	Name string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s failed to apply: %v", e.Name, e.Err) }
func (e *NodeError) Unwrap() error { return e.Err }

// NodeErrors aggregates one NodeError per failed node in a fleet-wide apply.
type NodeErrors struct {
	Errors []*NodeError
}

func (e *NodeErrors) Error() string {
	return fmt.Sprintf("%d node(s) failed to apply", len(e.Errors))
}
