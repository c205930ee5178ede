package utils

// TruncateRunes caps s to at most n runes, replacing the final rune with an
// ellipsis when it had to cut. Rune-based so multi-byte scripts are not
// split mid-character. n <= 0 returns s unchanged.
//
// Example:
//
//	utils.TruncateRunes("hello world", 5) // returns "hell…"
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n == 1 {
		return string(runes[:1])
	}
	return string(runes[:n-1]) + "…"
}
