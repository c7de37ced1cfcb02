// Package nixlog classifies structured log lines emitted by the build tool
// (Nix, run with --log-format internal-json) into leveled messages, and
// retains a bounded ring of recent error-level lines for failure reports.
package nixlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Level mirrors the build tool's verbosity scale.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelNotice
	LevelInfo
	LevelTalkative
	LevelChatty
	LevelDebug
	LevelVomit
)

// SlogLevel maps a build-tool level onto the nearest slog level.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelNotice, LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// rawAction is the wire shape of one `@nix `-prefixed JSON object.
type rawAction struct {
	Action string `json:"action"`
	Level  *int   `json:"level"`
	Msg    string `json:"msg"`
	Text   string `json:"text"`
}

// Entry is one classified line: either a structured message or raw,
// unparseable text logged as-is.
type Entry struct {
	Raw     bool
	Level   Level
	Message string
	Stop    bool // action was "stop"/"result"; callers should discard it
}

// IsError reports whether this entry should count toward the bounded error
// ring retained for failure reports.
func (e Entry) IsError() bool {
	return !e.Raw && !e.Stop && e.Level == LevelError
}

func (e Entry) String() string {
	return e.Message
}

// Classify parses one line (with any "@nix " prefix already stripped by the
// caller, or not — both are accepted) into an Entry. Lines that fail to
// parse as the expected JSON shape are treated as raw lines at INFO level.
func Classify(line string) Entry {
	trimmed := strings.TrimPrefix(line, "@nix ")

	var ra rawAction
	if err := json.Unmarshal([]byte(trimmed), &ra); err != nil {
		return Entry{Raw: true, Level: LevelInfo, Message: line}
	}

	switch ra.Action {
	case "stop", "result":
		return Entry{Stop: true}
	case "msg", "start":
		level := LevelInfo
		if ra.Level != nil {
			level = Level(*ra.Level)
		}
		msg := ra.Msg
		if msg == "" {
			msg = ra.Text
		}
		return Entry{Level: level, Message: msg}
	default:
		return Entry{Raw: true, Level: LevelInfo, Message: line}
	}
}

// Ring is a fixed-capacity, most-recent-wins buffer of error lines retained
// per command for inclusion in failure reports.
type Ring struct {
	capacity int
	lines    []string
}

// NewRing creates a ring retaining at most capacity lines.
func NewRing(capacity int) *Ring {
	return &Ring{capacity: capacity}
}

// Push appends a line, evicting the oldest entry once capacity is reached.
func (r *Ring) Push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.capacity {
		r.lines = r.lines[len(r.lines)-r.capacity:]
	}
}

// Lines returns the retained lines, oldest first.
func (r *Ring) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Classifier consumes lines from a build-tool subprocess, routes them to
// slog, and retains the last N error-class lines for failure reporting.
type Classifier struct {
	ring   *Ring
	logger *slog.Logger
}

// NewClassifier creates a Classifier retaining the last ringSize error lines.
func NewClassifier(logger *slog.Logger, ringSize int) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{ring: NewRing(ringSize), logger: logger}
}

// Feed classifies one line, logs it (unless it's a discarded stop/result
// marker), and retains it in the error ring if it's error-class.
func (c *Classifier) Feed(line string) {
	entry := Classify(line)
	if entry.Stop {
		return
	}
	if entry.IsError() {
		c.ring.Push(entry.Message)
	}
	c.logger.Log(context.Background(), entry.Level.SlogLevel(), entry.Message, "nixRaw", entry.Raw)
}

// ErrorLines returns the retained error-class lines, oldest first.
func (c *Classifier) ErrorLines() []string {
	return c.ring.Lines()
}
