package core

// EstimateTokens approximates the token count of s as one token per four bytes,
// rounded up. It is used for quota pre-checks and whenever a provider does not
// report usage.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// EstimateMessagesTokens sums EstimateTokens over every message body.
func EstimateMessagesTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}
