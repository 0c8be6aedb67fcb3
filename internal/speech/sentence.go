// Package speech segments streamed assistant text into units that can be
// submitted to a text-to-speech provider one at a time.
package speech

import (
	"strings"
	"unicode"
)

// DefaultSoftLimit is the unit length, in runes, past which the buffer is
// cut at a pause character even without a sentence terminator.
const DefaultSoftLimit = 80

const (
	terminators = "。！？!?."
	pauses      = "，,、；;：:"
)

// SentenceBuffer accumulates text and emits completed units in order.
// It is not safe for concurrent use.
type SentenceBuffer struct {
	buf       []rune
	softLimit int
}

// NewSentenceBuffer creates a buffer; softLimit <= 0 selects DefaultSoftLimit
func NewSentenceBuffer(softLimit int) *SentenceBuffer {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	return &SentenceBuffer{softLimit: softLimit}
}

// Append adds text and returns every unit it completed. Text is consumed
// rune by rune so the result does not depend on how a stream was chunked.
func (s *SentenceBuffer) Append(text string) []string {
	var units []string
	for _, r := range text {
		if unit, ok := s.push(r); ok {
			units = append(units, unit)
		}
	}
	return units
}

func (s *SentenceBuffer) push(r rune) (string, bool) {
	if len(s.buf) == 0 && unicode.IsSpace(r) {
		return "", false
	}

	prevNewline := len(s.buf) > 0 && s.buf[len(s.buf)-1] == '\n'
	s.buf = append(s.buf, r)

	switch {
	case strings.ContainsRune(terminators, r):
		return s.cut(len(s.buf))
	case r == '\n' && prevNewline:
		return s.cut(len(s.buf))
	case len(s.buf) > s.softLimit:
		for i := len(s.buf) - 1; i >= 0; i-- {
			if strings.ContainsRune(pauses, s.buf[i]) {
				return s.cut(i + 1)
			}
		}
	}
	return "", false
}

// cut emits buf[:n] and keeps the rest, minus its leading whitespace
func (s *SentenceBuffer) cut(n int) (string, bool) {
	unit := strings.TrimSpace(string(s.buf[:n]))

	rest := s.buf[n:]
	for len(rest) > 0 && unicode.IsSpace(rest[0]) {
		rest = rest[1:]
	}
	s.buf = append(s.buf[:0], rest...)

	return unit, unit != ""
}

// Flush returns whatever is buffered, trimmed, and resets the buffer
func (s *SentenceBuffer) Flush() string {
	unit := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	return unit
}

// Pending returns the buffered text without consuming it
func (s *SentenceBuffer) Pending() string {
	return string(s.buf)
}

// Reset discards buffered text
func (s *SentenceBuffer) Reset() {
	s.buf = s.buf[:0]
}
