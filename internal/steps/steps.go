// Package steps implements the ordered set of operations a node's pipeline
// drives it through: reachability, secret delivery, evaluation, building,
// artifact transfer, and activation. Each step knows only whether it applies
// to a given Context (ShouldExecute) and how to run (Execute); ordering and
// filtering is the pipeline executor's job, not the steps'.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/keyagent"
	"github.com/fleetctl/fleetctl/internal/nonpty"
	"github.com/fleetctl/fleetctl/internal/ptyharness"
)

// Step is one stage of a node's deployment pipeline.
type Step interface {
	fmt.Stringer
	ShouldExecute(ctx *hive.Context) bool
	Execute(ctx context.Context, pctx *hive.Context) error
}

// All returns the canonical, fully ordered step list: Ping, PushKeyAgent,
// Keys{AnyOpportunity}, Keys{Pre}, Evaluate, PushEvaluatedOutput, Build,
// PushBuildOutput, SwitchToConfiguration, Keys{Post}. The pipeline executor
// filters this by ShouldExecute; it never reorders it.
func All() []Step {
	return []Step{
		PingStep{},
		PushKeyAgentStep{},
		KeysStep{Moment: hive.AnyOpportunity},
		KeysStep{Moment: hive.PreActivation},
		EvaluateStep{},
		PushEvaluatedOutputStep{},
		BuildStep{},
		PushBuildOutputStep{},
		SwitchToConfigurationStep{},
		KeysStep{Moment: hive.PostActivation},
	}
}

// remote reports whether ctx's node is reached over the network rather than
// applied to the machine fleetctl itself runs on.
func remote(ctx *hive.Context) bool {
	return !hive.ShouldApplyLocally(ctx.Node.AllowLocalDeployment, ctx.Name.String())
}

// ---- Ping ----

// PingStep verifies the node's preferred host is reachable, advancing
// through Target's host-failover list on each failure until one answers or
// the list is exhausted.
type PingStep struct{}

func (PingStep) String() string { return "Ping node" }

func (PingStep) ShouldExecute(ctx *hive.Context) bool {
	return remote(ctx)
}

func (PingStep) Execute(ctx context.Context, pctx *hive.Context) error {
	for {
		if err := pctx.Node.Target.Ping(ctx, nonpty.LocalRunner{}); err == nil {
			return nil
		}
		pctx.Node.Target.HostFailed()
		if _, err := pctx.Node.Target.GetPreferredHost(); err != nil {
			return err
		}
	}
}

// ---- PushKeyAgent ----

// agentEnvVar is the per-platform environment variable naming the prebuilt
// fleet-key-agent binary's directory.
func agentEnvVar(platform string) string {
	return "FLEETCTL_KEY_AGENT_" + strings.ReplaceAll(platform, "-", "_")
}

// PushKeyAgentStep uploads the key-agent helper binary appropriate to the
// node's platform and records its remote directory in the pipeline state.
type PushKeyAgentStep struct{}

func (PushKeyAgentStep) String() string { return "Push the key agent" }

// ShouldExecute runs whenever the pipeline might need to deliver keys at
// all (goal is Keys or a plain Switch); unlike Keys{AnyOpportunity} it also
// covers the Switch goal, since Keys{Pre}/{Post} depend on the directory it
// records. It still runs for a locally-applied node: Execute resolves the
// key-agent's directory either way and only skips the network transfer when
// the node is local, since local key delivery runs the same helper under
// sudo rather than over ssh.
func (PushKeyAgentStep) ShouldExecute(ctx *hive.Context) bool {
	if ctx.NoKeys {
		return false
	}
	return ctx.Goal == hive.GoalKeys || ctx.Goal == hive.GoalSwitch
}

func (PushKeyAgentStep) Execute(ctx context.Context, pctx *hive.Context) error {
	varName := agentEnvVar(pctx.Node.HostPlatform)
	agentDir, ok := os.LookupEnv(varName)
	if !ok || agentDir == "" {
		return fmt.Errorf(
			"%s is not set: fleetctl was not built with the ability to deploy keys to this platform",
			varName,
		)
	}

	if remote(pctx) {
		if err := pushPath(ctx, pctx, agentDir); err != nil {
			return err
		}
	}

	pctx.State.KeyAgentDirectory = &agentDir
	return nil
}

// ---- Keys ----

// KeysStep streams one manifest + payload batch of the node's keys whose
// upload_at matches Moment (or all keys, for AnyOpportunity) through the
// already-uploaded key-agent helper.
type KeysStep struct {
	Moment hive.UploadKeyAt
}

func (s KeysStep) String() string { return "Upload keys @ " + s.Moment.String() }

func (s KeysStep) ShouldExecute(ctx *hive.Context) bool {
	return keysApplicable(s.Moment, ctx)
}

// keysApplicable is KeysStep's should_execute predicate (PushKeyAgentStep
// has its own, see above): keys are skipped
// entirely under no_keys; an AnyOpportunity run only happens for the "keys"
// goal; Pre/Post runs only happen for a plain switch.
func keysApplicable(moment hive.UploadKeyAt, ctx *hive.Context) bool {
	if ctx.NoKeys {
		return false
	}
	if moment == hive.AnyOpportunity {
		return ctx.Goal == hive.GoalKeys
	}
	return ctx.Goal == hive.GoalSwitch
}

func (s KeysStep) Execute(ctx context.Context, pctx *hive.Context) error {
	if pctx.State.KeyAgentDirectory == nil {
		return fmt.Errorf("steps: key agent directory not set before %s", s)
	}

	var selected []hive.Key
	for _, key := range pctx.Node.Keys {
		if s.Moment == hive.AnyOpportunity || key.UploadAt == s.Moment {
			selected = append(selected, key)
		}
	}

	var sshArgv []string
	if remote(pctx) {
		args, err := pctx.Node.Target.CreateSSHArgs(pctx.Modifiers, true)
		if err != nil {
			return err
		}
		sshArgv = args
	}

	return keyagent.Push(ctx, keyagent.PushOptions{
		NodeName:  pctx.Name.String(),
		AgentDir:  *pctx.State.KeyAgentDirectory,
		Keys:      selected,
		SSHArgv:   sshArgv,
		Lock:      pctx.Lock,
		FifoOwner: pctx.Node.Target.User,
	})
}

// ---- Evaluate ----

// EvaluateStep resolves the node's top-level derivation path through the
// configured evaluator, recording it as the artifact later steps build and
// transfer.
type EvaluateStep struct{}

func (EvaluateStep) String() string { return "Evaluate the node" }

func (EvaluateStep) ShouldExecute(ctx *hive.Context) bool {
	return ctx.Goal != hive.GoalKeys
}

func (EvaluateStep) Execute(ctx context.Context, pctx *hive.Context) error {
	// The evaluator is an out-of-scope collaborator: any tool that, given the
	// hive path and a node name, emits the node's top-level derivation path
	// as a single JSON string document on stdout and exits 0 on success.
	commandString := fmt.Sprintf(
		"nix --extra-experimental-features nix-command eval --json %s#nodes.%s.config.system.build.toplevel",
		pctx.HivePath, pctx.Name,
	)

	res, err := nonpty.Run(ctx, nonpty.Options{
		Argv0:      "sh",
		Args:       []string{"-c"},
		Command:    commandString,
		OutputMode: nonpty.ModeGeneric,
	})
	if err != nil {
		return &fleeterrors.NixEvalError{Err: err}
	}

	var topLevel string
	doc := strings.TrimSpace(strings.Join(res.Stdout, "\n"))
	if err := json.Unmarshal([]byte(doc), &topLevel); err != nil {
		return &fleeterrors.NixEvalError{Err: fmt.Errorf("parsing evaluator output %q: %w", doc, err)}
	}

	pctx.State.Evaluation = &topLevel
	return nil
}

// ---- Push evaluated output / build / push build output ----

// PushEvaluatedOutputStep copies the evaluated derivation (not yet built) to
// the node so it can build it itself; it only runs when the node is
// configured to build on its own target.
type PushEvaluatedOutputStep struct{}

func (PushEvaluatedOutputStep) String() string { return "Push the evaluated output" }

func (PushEvaluatedOutputStep) ShouldExecute(ctx *hive.Context) bool {
	return ctx.Goal != hive.GoalKeys && ctx.Node.BuildRemotely
}

func (PushEvaluatedOutputStep) Execute(ctx context.Context, pctx *hive.Context) error {
	if pctx.State.Evaluation == nil {
		return fmt.Errorf("steps: evaluation not set before %s", PushEvaluatedOutputStep{})
	}
	return pushDerivation(ctx, pctx, *pctx.State.Evaluation)
}

// BuildStep realizes the node's evaluated derivation, either on this machine
// or, when the node builds remotely, over an ssh-wrapped PTY session on the
// node itself.
type BuildStep struct{}

func (BuildStep) String() string { return "Build the node" }

func (BuildStep) ShouldExecute(ctx *hive.Context) bool {
	return ctx.Goal != hive.GoalKeys && ctx.Goal != hive.GoalPush
}

func (BuildStep) Execute(ctx context.Context, pctx *hive.Context) error {
	if pctx.State.Evaluation == nil {
		return fmt.Errorf("steps: evaluation not set before %s", BuildStep{})
	}
	topLevel := *pctx.State.Evaluation

	commandString := fmt.Sprintf(
		"nix --extra-experimental-features nix-command build --print-build-logs --print-out-paths %s",
		topLevel,
	)

	argv0, args, err := localOrRemoteArgv(pctx, pctx.Node.BuildRemotely, false)
	if err != nil {
		return err
	}

	res, err := ptyharness.Run(ctx, ptyharness.Options{
		Argv0:      argv0,
		Args:       args,
		Command:    commandString,
		OutputMode: ptyharness.ModeNix,
		Lock:       pctx.Lock,
	})
	if err != nil {
		return &fleeterrors.NixBuildError{Name: pctx.Name.String(), Err: err}
	}

	builtPath := lastNonEmptyLine(res.Logs)
	pctx.State.Build = &builtPath
	return nil
}

// lastNonEmptyLine returns the final non-blank entry of lines, or "" if none
// exist; --print-out-paths emits exactly one store path per derivation, so
// the last line is the one that matters when log noise precedes it.
func lastNonEmptyLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// PushBuildOutputStep copies the locally-built artifact to the node. It is
// skipped when the build already happened on the node itself, or when the
// node is being applied locally (nothing to transfer).
type PushBuildOutputStep struct{}

func (PushBuildOutputStep) String() string { return "Push the build output" }

func (PushBuildOutputStep) ShouldExecute(ctx *hive.Context) bool {
	if ctx.Goal == hive.GoalKeys || ctx.Goal == hive.GoalPush {
		return false
	}
	if ctx.Node.BuildRemotely {
		return false
	}
	return remote(ctx)
}

func (PushBuildOutputStep) Execute(ctx context.Context, pctx *hive.Context) error {
	if pctx.State.Build == nil {
		return fmt.Errorf("steps: build output not set before %s", PushBuildOutputStep{})
	}
	return pushPath(ctx, pctx, *pctx.State.Build)
}

// ---- SwitchToConfiguration ----

// SwitchToConfigurationStep runs switch-to-configuration on the node's
// built artifact and, if requested, reboots it afterward.
type SwitchToConfigurationStep struct{}

func (SwitchToConfigurationStep) String() string { return "Switch to configuration" }

func (SwitchToConfigurationStep) ShouldExecute(ctx *hive.Context) bool {
	return ctx.Goal.IsSwitchFamily()
}

func (SwitchToConfigurationStep) Execute(ctx context.Context, pctx *hive.Context) error {
	if pctx.State.Build == nil {
		return fmt.Errorf("steps: build output not set before %s", SwitchToConfigurationStep{})
	}
	builtPath := *pctx.State.Build
	applyLocally := !remote(pctx)

	if pctx.Goal != hive.GoalDryActivate && pctx.Goal != hive.GoalBoot {
		setProfile := fmt.Sprintf("nix-env -p /nix/var/nix/profiles/system/ --set %s", builtPath)
		if _, err := runElevated(ctx, pctx, setProfile, applyLocally); err != nil {
			return &fleeterrors.SwitchToConfigurationError{Goal: pctx.Goal.String(), Name: pctx.Name.String(), Err: err}
		}
	}

	activate := fmt.Sprintf("%s/bin/switch-to-configuration %s", builtPath, pctx.Goal.ActivationVerb())
	_, err := runElevated(ctx, pctx, activate, applyLocally)
	if err == nil {
		if !pctx.Reboot {
			return nil
		}
		if applyLocally {
			return nil
		}
		return rebootAndWait(ctx, pctx)
	}

	if pctx.Goal == hive.GoalDryActivate || applyLocally {
		return &fleeterrors.SwitchToConfigurationError{Goal: pctx.Goal.String(), Name: pctx.Name.String(), Err: err}
	}

	if pingErr := waitForPing(ctx, pctx); pingErr == nil {
		// The node is reachable, so activation itself failed on a good
		// network: report the real cause instead of a network error.
		return &fleeterrors.SwitchToConfigurationError{Goal: pctx.Goal.String(), Name: pctx.Name.String(), Err: err}
	}
	host, _ := pctx.Node.Target.GetPreferredHost()
	return &fleeterrors.HostUnreachableAfterRebootError{Host: host}
}

func rebootAndWait(ctx context.Context, pctx *hive.Context) error {
	if _, err := runElevated(ctx, pctx, "reboot now", false); err != nil {
		// consumed: we cannot tell a broken reboot from a closed connection.
		_ = err
	}
	if err := waitForPing(ctx, pctx); err == nil {
		return nil
	}
	host, _ := pctx.Node.Target.GetPreferredHost()
	return &fleeterrors.HostUnreachableAfterRebootError{Host: host}
}

func waitForPing(ctx context.Context, pctx *hive.Context) error {
	for i := 0; i < 3; i++ {
		if err := pctx.Node.Target.Ping(ctx, nonpty.LocalRunner{}); err == nil {
			return nil
		}
	}
	host, _ := pctx.Node.Target.GetPreferredHost()
	return &fleeterrors.HostUnreachableError{Host: host}
}

// ---- shared helpers ----

// localOrRemoteArgv picks the argv0/args a PTY or non-interactive command
// should be spawned with: a local shell, or ssh wrapping a remote one.
func localOrRemoteArgv(pctx *hive.Context, buildRemotely, forInteractiveAuth bool) (string, []string, error) {
	if !buildRemotely || !remote(pctx) {
		return "sh", []string{"-c"}, nil
	}
	args, err := pctx.Node.Target.CreateSSHArgs(pctx.Modifiers, forInteractiveAuth)
	if err != nil {
		return "", nil, err
	}
	return "ssh", args, nil
}

// runElevated runs commandString under the PTY harness in elevated mode,
// either against the node over ssh or (when applyLocally) via sudo on this
// machine.
func runElevated(ctx context.Context, pctx *hive.Context, commandString string, applyLocally bool) (*ptyharness.Result, error) {
	argv0, args := "sh", []string{"-c"}
	if !applyLocally {
		sshArgs, err := pctx.Node.Target.CreateSSHArgs(pctx.Modifiers, false)
		if err != nil {
			return nil, err
		}
		argv0, args = "ssh", sshArgs
	}
	res, err := ptyharness.Run(ctx, ptyharness.Options{
		Argv0:      argv0,
		Args:       args,
		Command:    commandString,
		Elevated:   true,
		OutputMode: ptyharness.ModeNix,
		Lock:       pctx.Lock,
	})
	if err != nil {
		var spawnErr *fleeterrors.SpawnFailedError
		if errors.As(err, &spawnErr) {
			return nil, &fleeterrors.FailedToElevateError{Err: err}
		}
		return nil, err
	}
	return res, nil
}

// pushPath and pushDerivation copy a store path (or, for a derivation, its
// .drv closure) to the node via `nix copy`.
func pushPath(ctx context.Context, pctx *hive.Context, path string) error {
	return push(ctx, pctx, path)
}

func pushDerivation(ctx context.Context, pctx *hive.Context, derivationPath string) error {
	return push(ctx, pctx, derivationPath+" --derivation")
}

func push(ctx context.Context, pctx *hive.Context, pathArg string) error {
	host, err := pctx.Node.Target.GetPreferredHost()
	if err != nil {
		return err
	}

	commandString := fmt.Sprintf(
		"nix --extra-experimental-features nix-command copy --substitute-on-destination --to ssh://%s@%s %s",
		pctx.Node.Target.User, host, pathArg,
	)

	_, err = nonpty.Run(ctx, nonpty.Options{
		Argv0:      "sh",
		Args:       []string{"-c"},
		Command:    commandString,
		OutputMode: nonpty.ModeNix,
		Env: map[string]string{
			"NIX_SSHOPTS": "-p " + strconv.Itoa(pctx.Node.Target.Port),
		},
	})
	if err != nil {
		return &fleeterrors.NixCopyError{Name: pctx.Name.String(), Path: pathArg, Err: err}
	}
	return nil
}
