package memory

// TokenCounter estimates the token cost of a piece of content. Token-budget
// computation is an external collaborator; callers may plug in a real
// tokenizer. The default is a cheap rune-ratio estimate.
type TokenCounter func(content string) int

// EstimateTokens approximates tokens as 2/5 of the rune count with a small
// floor, good enough for budget enforcement without a tokenizer dependency.
func EstimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 4 {
		return 4
	}
	return tokens
}
