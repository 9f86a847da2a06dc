package prompt

import "unicode/utf8"

// EstimateTokens provides a rough token count. Uses rune count divided
// by 2 as a conservative estimate that works for both English
// (~4 chars/token) and CJK (~1.5 chars/token) text.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}
