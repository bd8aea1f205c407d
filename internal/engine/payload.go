package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errNoPayload        = errors.New("no JSON object found in final answer")
	errAmbiguousPayload = errors.New("final answer contains more than one JSON object")
)

// ExtractPayload finds the single JSON object embedded in text, which may be
// surrounded by prose or code fences. Only outermost balanced {...} spans
// that parse as JSON count as candidates; stray braces in the prose are
// skipped. The returned bytes are the exact
// embedded span.
func ExtractPayload(text string) (json.RawMessage, error) {
	var found []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchBrace(text, i)
		if end < 0 {
			continue
		}
		// A span that is not JSON may still enclose the payload.
		if candidate := text[i : end+1]; json.Valid([]byte(candidate)) {
			found = append(found, candidate)
			i = end
		}
	}
	switch len(found) {
	case 0:
		return nil, &Error{Kind: KindMalformedOutput, Err: errNoPayload}
	case 1:
		return json.RawMessage(found[0]), nil
	default:
		return nil, &Error{Kind: KindMalformedOutput, Err: fmt.Errorf("%w (%d found)", errAmbiguousPayload, len(found))}
	}
}

// matchBrace returns the index of the brace closing the one at start, or -1
// when text ends first. Braces inside JSON strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
