package speech

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendSplitsOnTerminators(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		units   []string
		pending string
	}{
		{"latin sentences", "Hello. World.", []string{"Hello.", "World."}, ""},
		{"cjk sentences", "你好。今天天气不错！要出去吗？", []string{"你好。", "今天天气不错！", "要出去吗？"}, ""},
		{"remainder kept", "First one! second", []string{"First one!"}, "second"},
		{"blank line", "Title\n\nBody text", []string{"Title"}, "Body text"},
		{"single newline is not a boundary", "line one\nline two", nil, "line one\nline two"},
		{"leading whitespace dropped", "   \n Hi?", []string{"Hi?"}, ""},
		{"terminator run", "Wait..", []string{"Wait.", "."}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewSentenceBuffer(0)
			units := buf.Append(tt.input)
			assert.Equal(t, tt.units, units)
			assert.Equal(t, tt.pending, buf.Pending())
		})
	}
}

func TestAppendSoftLimitCutsAtLastPause(t *testing.T) {
	buf := NewSentenceBuffer(10)

	units := buf.Append("one, two, three four")
	assert.Equal(t, []string{"one, two,"}, units)
	assert.Equal(t, "three four", buf.Pending())
}

func TestAppendSoftLimitWithoutPauseKeepsBuffering(t *testing.T) {
	buf := NewSentenceBuffer(5)

	assert.Empty(t, buf.Append("abcdefghij"))
	assert.Equal(t, "abcdefghij", buf.Pending())

	assert.Equal(t, []string{"abcdefghijk,"}, buf.Append("k,"))
}

func TestAppendChunkingIndependence(t *testing.T) {
	inputs := []string{
		"Hello. World.",
		"你好，世界。这是一个很长的句子，没有结束标点，但是有很多逗号，所以应该在软限制处被切断，然后继续，再继续，一直到最后",
		"Title\n\n  Body. More text, with pauses; and colons: end!",
	}

	for _, input := range inputs {
		whole := NewSentenceBuffer(20)
		expected := whole.Append(input)
		expected = append(expected, whole.Flush())

		for _, size := range []int{1, 2, 3, 7} {
			chunked := NewSentenceBuffer(20)
			var got []string
			runes := []rune(input)
			for i := 0; i < len(runes); i += size {
				end := i + size
				if end > len(runes) {
					end = len(runes)
				}
				got = append(got, chunked.Append(string(runes[i:end]))...)
			}
			got = append(got, chunked.Flush())
			assert.Equal(t, expected, got, "chunk size %d", size)
		}
	}
}

func TestCharByCharMatchesSingleAppend(t *testing.T) {
	buf := NewSentenceBuffer(0)
	var got []string
	for _, r := range "Hello. World." {
		got = append(got, buf.Append(string(r))...)
	}
	assert.Equal(t, []string{"Hello.", "World."}, got)
}

func TestFlushReturnsRemainderAndResets(t *testing.T) {
	buf := NewSentenceBuffer(0)
	buf.Append("Done. trailing words  ")

	assert.Equal(t, "trailing words", buf.Flush())
	assert.Equal(t, "", buf.Pending())
	assert.Equal(t, "", buf.Flush())
}

func TestUnitsPreserveOrderAndContent(t *testing.T) {
	buf := NewSentenceBuffer(0)
	text := strings.Repeat("a. ", 50)
	units := buf.Append(text)
	assert.Len(t, units, 50)
	for _, u := range units {
		assert.Equal(t, "a.", u)
	}
}
