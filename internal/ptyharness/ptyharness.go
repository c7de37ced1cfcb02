// Package ptyharness runs a command under a pseudo-terminal and detects its
// completion through a randomized sentinel protocol rather than relying on
// the child's exit code, which elevation wrappers (sudo) and
// reboot-inducing commands (switch-to-configuration boot) make unreliable.
//
// The command string is given a start marker (echoed before interactive
// output begins), and an end marker that differs depending on whether it
// succeeded or failed. Output read before the start marker is treated as a
// prompt/banner and echoed to the user's terminal; output after it is
// line-buffered, classified, and retained for failure reports.
package ptyharness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
	"github.com/fleetctl/fleetctl/internal/linebuf"
	"github.com/fleetctl/fleetctl/internal/nixlog"
	"github.com/fleetctl/fleetctl/internal/sentinel"
)

// OutputMode controls how a command's output is framed and classified.
type OutputMode int

const (
	ModeGeneric OutputMode = iota
	ModeNix
	ModeInteractive
)

// ioSubs redirects the child's stdout through a line-prefixing subshell so
// it can be told apart from stderr once both are read from the same PTY.
const ioSubs = `1> >(while IFS= read -r line; do echo "#$line"; done)`

// Locker is the single-permit interactive-prompt lock (internal/lock),
// acquired for the window during which the terminal is in raw mode and the
// user may be prompted for input (sudo password, host key confirmation).
type Locker interface {
	Acquire()
	Release()
}

// Options configures one interactive command invocation.
type Options struct {
	// Argv0/Args name the program to run: "sh" with Args ["-c"] for a local
	// command, or "ssh" with the target's connection args (ending in the
	// host, not including "-tt") for a remote one. Run appends "-tt" itself
	// when Argv0 is "ssh", then appends the fully composed command string.
	Argv0 string
	Args  []string

	Command    string
	Elevated   bool
	OutputMode OutputMode

	// KeepStdinOpen keeps the user's stdin bridged to the child after it has
	// started. Commands driven purely by the sentinel protocol should leave
	// this false so a stray keystroke can't reach the child.
	KeepStdinOpen bool
	LogStdout     bool

	Lock   Locker
	Stderr io.Writer // defaults to os.Stderr
	Logger *slog.Logger

	Env map[string]string

	// AfterStarted, if set, is invoked once with the PTY master right after
	// the start sentinel is observed, before any further output is read. The
	// key-agent push step uses this to inject its manifest and key payloads
	// into the child's stdin over the same stream used for interactive
	// keystrokes.
	AfterStarted func(w io.Writer) error
}

// Result is returned once the sentinel protocol observed a success marker.
type Result struct {
	ExitCode int
	Logs     []string // stdout lines recorded while the command ran
}

func buildCommandString(opts Options, needles sentinel.Needles) string {
	starting := ""
	if opts.OutputMode != ModeInteractive {
		starting = fmt.Sprintf("echo '%s' && ", needles.Start)
	}

	flags := ""
	if opts.OutputMode == ModeNix {
		flags = "--log-format internal-json"
	}

	succeedText := string(needles.Succeed)
	if opts.OutputMode == ModeInteractive {
		succeedText = fmt.Sprintf("%s\\n%s", needles.Start, needles.Succeed)
	}
	ending := fmt.Sprintf("echo -e '%s' || echo '%s'", succeedText, needles.Fail)

	return fmt.Sprintf("%s%s %s %s && %s", starting, opts.Command, flags, ioSubs, ending)
}

func printAuthenticateWarning(opts Options) {
	if !opts.Elevated {
		return
	}
	fmt.Fprintf(opts.Stderr, "Authenticate for \"sudo %s\":\n", opts.Command)
}

// setupMaster clears ECHO, ICANON and ISIG on the PTY master so the child's
// own line editing and signal delivery are disabled; the sentinel protocol
// reads the raw byte stream itself, and canonical mode would buffer lines
// the key-agent subprotocol needs delivered immediately.
func setupMaster(ptmx *os.File) error {
	fd := int(ptmx.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return &fleeterrors.SpawnFailedError{Err: err}
	}
	t.Lflag &^= unix.ECHO | unix.ICANON | unix.ISIG
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return &fleeterrors.SpawnFailedError{Err: err}
	}
	return nil
}

// bridgeStdin forwards the user's real stdin to the PTY master while active
// is true, until done is closed. Reads from os.Stdin cannot be interrupted
// cleanly in Go, so the goroutine this runs in is left to exit naturally
// when stdin closes or the process exits; bytes read while inactive are
// discarded rather than forwarded.
func bridgeStdin(ptmx *os.File, done <-chan struct{}, activeCh <-chan bool) {
	active := true
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}

		// Checked after the blocking read, so bytes that arrive after
		// deactivation or after done is closed are never forwarded.
		select {
		case <-done:
			return
		case a, ok := <-activeCh:
			if ok {
				active = a
			}
		default:
		}
		if active && n > 0 {
			_, _ = ptmx.Write(buf[:n])
		}
	}
}

func recordLine(line string, opts Options, classifier *nixlog.Classifier, stdoutLines *[]string) {
	if strings.HasPrefix(line, "#") {
		stripped := strings.TrimPrefix(line, "#")
		if opts.LogStdout && opts.Logger != nil {
			opts.Logger.Debug(stripped)
		}
		*stdoutLines = append(*stdoutLines, stripped)
		return
	}
	classifier.Feed(line)
}

// Run starts the command under a PTY, waits for the sentinel protocol to
// report success or failure, and returns a Result or a
// *fleeterrors.CommandFailedError.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	printAuthenticateWarning(opts)

	needles := sentinel.NewNeedles()
	commandString := buildCommandString(opts, needles)
	if opts.Elevated {
		commandString = fmt.Sprintf("sudo -u root -- sh -c '%s'", commandString)
	}

	argv := append([]string{}, opts.Args...)
	if opts.Argv0 == "ssh" {
		argv = append(argv, "-tt")
	}
	argv = append(argv, commandString)

	cmd := exec.CommandContext(ctx, opts.Argv0, argv...)
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if opts.Lock != nil {
		opts.Lock.Acquire()
	}
	released := false
	release := func() {
		if !released && opts.Lock != nil {
			opts.Lock.Release()
			released = true
		}
	}
	defer release()

	var stdinState *term.State
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		stdinState, _ = term.MakeRaw(fd)
		defer func() {
			if stdinState != nil {
				_ = term.Restore(fd, stdinState)
			}
		}()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, &fleeterrors.SpawnFailedError{Err: err}
	}
	defer ptmx.Close()

	if err := setupMaster(ptmx); err != nil {
		return nil, err
	}

	stdinDone := make(chan struct{})
	stdinActive := make(chan bool, 1)
	go bridgeStdin(ptmx, stdinDone, stdinActive)

	matcher := sentinel.NewMatcher(needles)
	lb := &linebuf.Buffer{}
	classifier := nixlog.NewClassifier(opts.Logger, 20)

	var stdoutLines []string
	began := false
	belled := false
	succeeded := false
	crashed := true

	buf := make([]byte, 4096)
readLoop:
	for {
		n, rerr := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !began {
				f := matcher.ScanRawMode(chunk)
				switch {
				case f.Terminate():
					succeeded = f.Success()
					crashed = false
					break readLoop
				case f.Kind == sentinel.KindStarted:
					began = true
					if !opts.KeepStdinOpen {
						select {
						case stdinActive <- false:
						default:
						}
					}
					release()
					if opts.AfterStarted != nil {
						if err := opts.AfterStarted(ptmx); err != nil {
							close(stdinDone)
							_ = cmd.Wait()
							return nil, err
						}
					}
				default:
					if !belled {
						_, _ = opts.Stderr.Write([]byte{0x07})
						belled = true
					}
					_, _ = opts.Stderr.Write(chunk)
				}
			} else {
				lb.Feed(chunk)
				for _, line := range lb.TakeLines() {
					f := matcher.ScanLine([]byte(line))
					if f.Terminate() {
						succeeded = f.Success()
						crashed = false
						break readLoop
					}
					if f.Kind == sentinel.KindStarted {
						continue
					}
					recordLine(line, opts, classifier, &stdoutLines)
				}
			}
		}
		if rerr != nil {
			break
		}
	}

	close(stdinDone)
	_ = cmd.Wait()

	if !crashed && succeeded {
		out := make([]string, len(stdoutLines))
		copy(out, stdoutLines)
		return &Result{ExitCode: 0, Logs: out}, nil
	}

	reason := "marked-unsuccessful"
	if crashed {
		reason = "child-crashed-before-succeeding"
	}

	return nil, &fleeterrors.CommandFailedError{
		CommandRan: opts.Command,
		Logs:       classifier.ErrorLines(),
		Reason:     reason,
	}
}
