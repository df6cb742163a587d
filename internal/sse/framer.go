// Package sse decodes a raw streamed response body into server-sent-event
// records: a stateful line framer tolerant of chunk boundaries, and an event
// decoder that assembles event/data fields into records.
package sse

import "strings"

// Framer splits an incoming byte stream into logical lines. Framing is
// stateful: an unterminated tail is buffered until the next chunk, and a
// chunk ending in '\r' is held back in case the following chunk begins with
// '\n' (a CRLF split across two chunks must count as one line break).
type Framer struct {
	pending    string
	trailingCR bool
}

// NewFramer returns a framer with empty state.
func NewFramer() *Framer {
	return &Framer{}
}

// Decode consumes one network chunk and returns the complete lines it
// terminates. Lines are newline-exclusive. An incomplete final line is kept
// for the next call.
func (f *Framer) Decode(chunk []byte) []string {
	text := string(chunk)
	if f.trailingCR {
		text = "\r" + text
		f.trailingCR = false
	}
	if strings.HasSuffix(text, "\r") {
		f.trailingCR = true
		text = text[:len(text)-1]
	}
	if text == "" {
		return nil
	}

	endsWithBreak := strings.HasSuffix(text, "\n")
	parts := splitLines(text)

	// A single fragment with no terminating newline is still incomplete.
	if len(parts) == 1 && !endsWithBreak {
		f.pending += parts[0]
		return nil
	}

	parts[0] = f.pending + parts[0]
	f.pending = ""
	if !endsWithBreak {
		f.pending = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	} else if parts[len(parts)-1] == "" {
		// splitLines leaves one empty trailing element for a terminated text.
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Flush drains the pending buffer as one final unterminated line. Call once
// the stream ends.
func (f *Framer) Flush() []string {
	if f.pending == "" && !f.trailingCR {
		return nil
	}
	line := f.pending
	f.pending = ""
	f.trailingCR = false
	return []string{line}
}

// splitLines splits on \r\n, \r, or \n.
func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			out = append(out, s[start:i])
			start = i + 1
		case '\r':
			out = append(out, s[start:i])
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
