package tokenizer

import (
	"fmt"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"boliganalyse/internal/domain"
)

// DefaultEncoding is used when the configuration names none.
const DefaultEncoding = "cl100k_base"

var _ domain.Tokenizer = (*TikToken)(nil)

// getEncodingFunc is package-level so tests can avoid fetching BPE ranks.
var getEncodingFunc = tiktoken.GetEncoding

// TikToken wraps tiktoken-go to implement domain.Tokenizer.
type TikToken struct {
	encoding *tiktoken.Tiktoken
}

// NewTikToken creates a new TikToken tokenizer with the given encoding name.
// Common encodings: "cl100k_base" (GPT-4/3.5), "o200k_base" (GPT-4o).
// Returns an error if the encoding is not recognized.
func NewTikToken(encodingName string) (*TikToken, error) {
	if encodingName == "" {
		encodingName = DefaultEncoding
	}
	enc, err := getEncodingFunc(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: unknown encoding %q: %w", encodingName, err)
	}
	return &TikToken{encoding: enc}, nil
}

// CountTokens returns the number of tokens in the given text.
func (t *TikToken) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	tokens := t.encoding.Encode(text, nil, nil)
	return len(tokens), nil
}

// Truncate returns the longest prefix of text that fits in maxTokens. A
// multi-byte rune split by the token boundary is dropped.
func (t *TikToken) Truncate(text string, maxTokens int) (string, error) {
	if maxTokens < 0 {
		return "", fmt.Errorf("tokenizer: negative token budget %d", maxTokens)
	}
	if text == "" || maxTokens == 0 {
		return "", nil
	}
	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, nil
	}
	return validPrefix(t.encoding.Decode(tokens[:maxTokens])), nil
}

func validPrefix(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
