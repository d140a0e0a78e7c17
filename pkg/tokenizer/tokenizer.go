// Package tokenizer estimates token counts for chunk sizing. The estimate
// only has to be stable and roughly proportional to what embedding models
// count; it is never used for billing.
package tokenizer

import (
	"strings"
	"unicode"
)

// Tokenizer counts and splits tokens
type Tokenizer interface {
	// CountTokens returns the number of tokens in the text
	CountTokens(text string) int
	// Tokenize splits text into tokens
	Tokenize(text string) []string
	// TokenLimit returns the maximum token limit for this tokenizer
	TokenLimit() int
}

// SimpleTokenizer provides word-and-punctuation based token estimation.
// It approximates BPE tokenization closely enough for chunk sizing.
type SimpleTokenizer struct {
	tokenLimit int
}

// NewSimpleTokenizer creates a tokenizer with the given limit (default 8192)
func NewSimpleTokenizer(tokenLimit int) *SimpleTokenizer {
	if tokenLimit <= 0 {
		tokenLimit = 8192
	}
	return &SimpleTokenizer{tokenLimit: tokenLimit}
}

// CountTokens estimates token count from words and punctuation
func (t *SimpleTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if inWord {
				tokens++
				inWord = false
			}
		case unicode.IsPunct(r):
			tokens++
			inWord = false
		default:
			inWord = true
		}
	}
	if inWord {
		tokens++
	}

	// Subword models emit roughly 1.3 tokens per word of English text;
	// take whichever estimate is higher.
	estimated := int(float64(len(strings.Fields(text))) * 1.3)
	if estimated > tokens {
		return estimated
	}
	return tokens
}

// Tokenize splits text into word and punctuation tokens
func (t *SimpleTokenizer) Tokenize(text string) []string {
	if text == "" {
		return []string{}
	}

	var tokens []string
	var current strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			if r == '\n' {
				tokens = append(tokens, "\n")
			}
		case unicode.IsPunct(r):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// TokenLimit returns the maximum token limit
func (t *SimpleTokenizer) TokenLimit() int {
	return t.tokenLimit
}
