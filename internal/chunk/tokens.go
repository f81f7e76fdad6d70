package chunk

// TokensPerChar is the rough approximation used by the estimator: 4 chars
// per token. Exact model tokenization is not required; the estimator only
// has to be deterministic and monotone in length.
const TokensPerChar = 4

// EstimateTokens estimates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + TokensPerChar - 1) / TokensPerChar
}
