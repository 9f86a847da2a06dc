package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultChunkRunes caps chunk length. Sized well under the embedding
// model's context window so a chunk always embeds whole.
const DefaultChunkRunes = 2000

// Paragraphs are separated by at least one blank line. A line holding only
// spaces or tabs still separates.
var paragraphSep = regexp.MustCompile(`\n[ \t]*\n`)

// chunkText splits text into chunks of at most maxRunes runes. Paragraph
// boundaries are preferred and consecutive short paragraphs are packed into
// one chunk, so tiny fragments do not dilute the vector index. A paragraph
// longer than maxRunes is split on word boundaries.
func chunkText(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultChunkRunes
	}

	var chunks []string
	var current strings.Builder
	currentRunes := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentRunes = 0
	}

	for _, para := range paragraphs(text) {
		n := utf8.RuneCountInString(para)
		if n > maxRunes {
			flush()
			chunks = append(chunks, splitWords(para, maxRunes)...)
			continue
		}
		// The joining blank line costs two runes.
		if currentRunes > 0 && currentRunes+2+n > maxRunes {
			flush()
		}
		if currentRunes > 0 {
			current.WriteString("\n\n")
			currentRunes += 2
		}
		current.WriteString(para)
		currentRunes += n
	}
	flush()
	return chunks
}

// paragraphs splits text on blank lines, dropping empty blocks.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range paragraphSep.Split(text, -1) {
		if p := strings.TrimSpace(block); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitWords breaks one oversized paragraph on word boundaries. A single
// word longer than maxRunes is cut mid-word as a last resort.
func splitWords(para string, maxRunes int) []string {
	var chunks []string
	var current strings.Builder
	currentRunes := 0

	for _, word := range strings.Fields(para) {
		n := utf8.RuneCountInString(word)
		if n > maxRunes {
			if currentRunes > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
				currentRunes = 0
			}
			runes := []rune(word)
			for len(runes) > maxRunes {
				chunks = append(chunks, string(runes[:maxRunes]))
				runes = runes[maxRunes:]
			}
			if len(runes) > 0 {
				current.WriteString(string(runes))
				currentRunes = len(runes)
			}
			continue
		}
		if currentRunes > 0 && currentRunes+1+n > maxRunes {
			chunks = append(chunks, current.String())
			current.Reset()
			currentRunes = 0
		}
		if currentRunes > 0 {
			current.WriteByte(' ')
			currentRunes++
		}
		current.WriteString(word)
		currentRunes += n
	}
	if currentRunes > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
