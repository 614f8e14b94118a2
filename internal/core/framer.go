package core

import "bytes"

// maxTailBytes caps the retained partial line so a device that never sends a
// terminator cannot grow the buffer without bound.
const maxTailBytes = 64 * 1024

// LineFramer splits a byte stream into newline-terminated lines. A chunk may
// end mid-line; the unterminated tail is retained and completed by later
// feeds, so the emitted line sequence is independent of how the stream was
// chunked.
type LineFramer struct {
	tail    []byte
	dropped int
}

// Feed appends chunk to the retained tail and returns every complete line,
// stripped of its terminator. A CR immediately before the LF is removed.
func (f *LineFramer) Feed(chunk []byte) []string {
	f.tail = append(f.tail, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(f.tail, '\n')
		if i < 0 {
			break
		}
		line := f.tail[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		f.tail = f.tail[i+1:]
	}
	if len(f.tail) > maxTailBytes {
		f.tail = nil
		f.dropped++
	}
	return lines
}

// Tail returns the unterminated remainder held back from the last feed.
func (f *LineFramer) Tail() string { return string(f.tail) }

// Dropped counts oversized partial lines discarded by the tail cap.
func (f *LineFramer) Dropped() int { return f.dropped }

// Reset discards any retained partial line.
func (f *LineFramer) Reset() { f.tail = nil }
