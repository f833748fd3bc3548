package history

import "unicode/utf8"

// TokenEstimator approximates how many model tokens a message list occupies.
type TokenEstimator interface {
	EstimateTokens(msgs []Message) int
}

// CharEstimator multiplies the rune count of all contents by a fixed factor.
// 1.5 tokens per character approximates CJK-heavy text; it is not a tokenizer.
type CharEstimator struct {
	Multiplier float64
}

// DefaultEstimator is the 1.5x character estimator.
var DefaultEstimator TokenEstimator = CharEstimator{Multiplier: 1.5}

func (e CharEstimator) EstimateTokens(msgs []Message) int {
	chars := 0
	for _, m := range msgs {
		chars += utf8.RuneCountInString(m.Content)
	}
	return int(float64(chars) * e.Multiplier)
}
