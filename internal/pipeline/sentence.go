package pipeline

import (
	"strings"
	"unicode/utf8"
)

// minSentenceRunes is the length a trimmed sentence must exceed before it is cut,
// so fragments like "Dr." or "1." stay attached to the text that follows.
const minSentenceRunes = 5

// sentenceBuffer accumulates streamed tokens and cuts them into sentences for synthesis.
// It only ever cuts at the end of the buffer, so sentences come out in token order and
// their concatenation (modulo trimmed whitespace) equals the token stream.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns the buffered sentence, trimmed, once it ends at a
// sentence boundary. Returns empty string if no boundary is detected yet.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	raw := s.buf.String()
	if !isSentenceEnd(raw) {
		return ""
	}
	sentence := strings.TrimSpace(raw)
	if utf8.RuneCountInString(sentence) <= minSentenceRunes {
		return ""
	}
	s.buf.Reset()
	return sentence
}

// Flush returns any remaining text in the buffer, trimmed, without boundary or length checks.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = []string{".", "!", "?", "。", "！", "？"}

// isSentenceEnd reports whether text ends at a sentence boundary: terminal punctuation
// ignoring trailing whitespace, or a period-newline / blank line at the very end.
func isSentenceEnd(text string) bool {
	if strings.HasSuffix(text, ".\n") || strings.HasSuffix(text, "\n\n") {
		return true
	}
	trimmed := strings.TrimRight(text, " \t\r\n")
	for _, ender := range sentenceEnders {
		if strings.HasSuffix(trimmed, ender) {
			return true
		}
	}
	return false
}
