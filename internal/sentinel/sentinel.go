// Package sentinel implements the random-prefixed marker protocol used to
// detect when an interactive (PTY) command has started producing its own
// output and whether it ultimately succeeded or failed, without relying on
// the child's exit code (which elevation wrappers and reboot-inducing
// commands can make unreliable).
package sentinel

import (
	"bytes"
	"crypto/rand"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Needles are the three byte patterns searched for in command output: Start
// marks the point after which output belongs to the command itself rather
// than to prompts/banners printed before it, Succeed and Fail mark the
// command's own completion.
type Needles struct {
	Start   []byte
	Succeed []byte
	Fail    []byte
}

// NewNeedles generates a fresh set of needles with a random 5-character
// alphabetic prefix, so that a command's own output can never coincidentally
// collide with the sentinel being searched for.
func NewNeedles() Needles {
	prefix := randomAlphabetic(5)
	return Needles{
		Start:   []byte(prefix + "_W_S"),
		Succeed: []byte(prefix + "_W_Q"),
		Fail:    []byte(prefix + "_W_F"),
	}
}

func randomAlphabetic(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the system RNG is broken; the prefix
		// only needs to be unpredictable enough to avoid collisions with a
		// command's own output, so fall back to a fixed placeholder rather
		// than panicking the whole deployment.
		for i := range buf {
			buf[i] = byte('a' + i%26)
		}
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}

// Kind is the outcome of a search.
type Kind int

const (
	KindNone Kind = iota
	KindStarted
	KindSucceeded
	KindFailed
)

// Finding is the result of searching a chunk of output for the needles.
type Finding struct {
	Kind Kind
}

// Terminate reports whether this finding means the command is done, one way
// or the other.
func (f Finding) Terminate() bool {
	return f.Kind == KindSucceeded || f.Kind == KindFailed
}

// Success reports whether a terminating finding means the command succeeded.
func (f Finding) Success() bool {
	return f.Kind == KindSucceeded
}

// Matcher tracks the accumulated raw-mode buffer (output read before the
// start needle has been seen) and searches it, and later individual lines,
// for the needles.
type Matcher struct {
	needles Needles
	rawMode []byte
}

// NewMatcher creates a Matcher for one command invocation's needles.
func NewMatcher(needles Needles) *Matcher {
	return &Matcher{needles: needles}
}

// ScanRawMode appends chunk to the raw-mode buffer and searches the entire
// accumulated buffer, since a needle can straddle two separate reads.
func (m *Matcher) ScanRawMode(chunk []byte) Finding {
	m.rawMode = append(m.rawMode, chunk...)
	return search(m.rawMode, m.needles)
}

// RawMode returns the bytes accumulated so far in raw mode (the prompt/banner
// text printed before the start needle arrived), for echoing to the user.
func (m *Matcher) RawMode() []byte {
	return m.rawMode
}

// ScanLine searches one already-delimited line for the needles. Used once
// the command is known to have started and output is being consumed a line
// at a time.
func (m *Matcher) ScanLine(line []byte) Finding {
	return search(line, m.needles)
}

func search(haystack []byte, n Needles) Finding {
	switch {
	case bytes.Contains(haystack, n.Succeed):
		return Finding{Kind: KindSucceeded}
	case bytes.Contains(haystack, n.Fail):
		return Finding{Kind: KindFailed}
	case bytes.Contains(haystack, n.Start):
		return Finding{Kind: KindStarted}
	default:
		return Finding{Kind: KindNone}
	}
}
