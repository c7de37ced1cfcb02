// Package nonpty runs a command with plain piped stdio (no PTY, no sentinel
// protocol, no interactive-prompt lock) and determines success from its exit
// code. It backs steps that never need a terminal: pings, artifact
// evaluation and copy.
package nonpty

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/nixlog"
)

// OutputMode controls whether stderr is parsed as structured build-tool
// logs or treated as plain text.
type OutputMode int

const (
	ModeGeneric OutputMode = iota
	ModeNix
)

// Options configures one non-interactive invocation.
type Options struct {
	// Argv0/Args name the program to run: "sh" with Args ["-c"] for a local
	// command, or "ssh" with the target's connection args for a remote one.
	// The fully composed command string is appended as the final argument.
	Argv0 string
	Args  []string

	Command    string
	OutputMode OutputMode
	Env        map[string]string
	Logger     *slog.Logger
}

// Result is returned once the command exits successfully.
type Result struct {
	ExitCode int
	Stdout   []string
}

// Session is a started command whose stdin can still be written to before
// Wait is called.
type Session struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	classifier *nixlog.Classifier
	stdout     []string
	stdoutMu   sync.Mutex
	wg         sync.WaitGroup
	commandRan string
}

func commandString(opts Options) string {
	s := opts.Command
	if opts.OutputMode == ModeNix {
		s += " --log-format internal-json"
	}
	return s
}

// Start spawns the command and begins draining its stdout/stderr.
func Start(ctx context.Context, opts Options) (*Session, error) {
	cs := commandString(opts)
	argv := append(append([]string{}, opts.Args...), cs)

	cmd := exec.CommandContext(ctx, opts.Argv0, argv...)
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &fleeterrors.SpawnFailedError{Err: err}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &fleeterrors.SpawnFailedError{Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &fleeterrors.SpawnFailedError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &fleeterrors.SpawnFailedError{Err: err}
	}

	s := &Session{
		cmd:        cmd,
		stdin:      stdin,
		classifier: nixlog.NewClassifier(opts.Logger, 20),
		commandRan: opts.Command,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.stdoutMu.Lock()
			s.stdout = append(s.stdout, scanner.Text())
			s.stdoutMu.Unlock()
		}
	}()
	go func() {
		defer s.wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.classifier.Feed(scanner.Text())
		}
	}()

	return s, nil
}

// Stdin returns the child's stdin, for callers that need to stream input
// (e.g. a key-agent manifest) before calling Wait.
func (s *Session) Stdin() io.WriteCloser {
	return s.stdin
}

// Wait closes stdin, waits for the child to exit, and returns its stdout
// lines on success or a *fleeterrors.CommandFailedError on non-zero exit.
func (s *Session) Wait() (*Result, error) {
	_ = s.stdin.Close()

	err := s.cmd.Wait()
	s.wg.Wait()

	if err != nil {
		var exitErr *exec.ExitError
		_ = errors.As(err, &exitErr)
		return nil, &fleeterrors.CommandFailedError{
			CommandRan: s.commandRan,
			Logs:       s.classifier.ErrorLines(),
			Reason:     "known-status",
		}
	}

	s.stdoutMu.Lock()
	out := make([]string, len(s.stdout))
	copy(out, s.stdout)
	s.stdoutMu.Unlock()

	return &Result{ExitCode: 0, Stdout: out}, nil
}

// Run starts the command and waits for it to finish in one call, for
// callers that don't need to stream stdin.
func Run(ctx context.Context, opts Options) (*Result, error) {
	s, err := Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s.Wait()
}

// LocalRunner executes a program directly on the deploying machine with no
// ssh wrapping and no sentinel protocol, satisfying hive.NonInteractiveRunner
// for steps (like the store ping) that never run on the remote node itself.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, &fleeterrors.SpawnFailedError{Err: err}
	}
	return out, nil
}
