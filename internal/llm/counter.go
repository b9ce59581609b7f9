package llm

// TokenCounter estimates the token count of a piece of text for a specific
// model. Exact tokenizers are supplied per model by the caller; the default
// is a character heuristic.
type TokenCounter func(text string) int

// charsPerToken is the character-to-token ratio used by the default
// estimator. 4 chars/token is typical for English prose and code.
const charsPerToken = 4

// EstimateTokens is the default TokenCounter: a rough character-based
// heuristic used when no model tokenizer is configured.
func EstimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}

// CountMessage returns the estimated token count of a message using the
// given counter, including a small per-message framing overhead.
func CountMessage(count TokenCounter, m Message) int {
	// Most chat APIs add ~4 tokens of framing per message.
	return 4 + count(string(m.Role)) + count(m.Content)
}
