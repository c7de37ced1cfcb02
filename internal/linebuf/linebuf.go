// Package linebuf buffers arbitrary byte chunks and yields only complete,
// newline-delimited lines, regardless of how the input was chunked across
// multiple writes — a single read from a PTY or pipe can split a line (or
// even a multi-byte UTF-8 sequence) at any byte boundary.
package linebuf

import "bytes"

// Buffer accumulates bytes across calls to Feed and hands back complete
// lines via TakeLines, holding back any trailing partial line until its
// newline arrives.
type Buffer struct {
	pending []byte
}

// Feed appends more bytes to the buffer.
func (b *Buffer) Feed(chunk []byte) {
	b.pending = append(b.pending, chunk...)
}

// TakeLines extracts every complete line currently buffered (newline
// delimiter stripped), leaving any trailing partial line for the next
// Feed/TakeLines round.
func (b *Buffer) TakeLines() []string {
	var lines []string
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := b.pending[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		b.pending = b.pending[idx+1:]
	}
	return lines
}

// Pending returns the bytes accumulated so far that don't yet form a
// complete line (useful for sentinel scanning during raw mode, where a
// partial line may still contain a complete sentinel token).
func (b *Buffer) Pending() []byte {
	return b.pending
}
