// Package tokenizer provides token count estimation for chunking and
// context budgeting. The heuristic is approximately four characters per
// token; every component that budgets tokens uses this one estimate so the
// counts stay consistent across the pipeline.
package tokenizer

// charsPerToken is the stable estimation heuristic
const charsPerToken = 4

// Estimate returns the approximate token count for the given text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
