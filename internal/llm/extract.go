package llm

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("llm: no JSON object in response")

// ExtractJSON returns the first complete {...} object in a model response,
// looking inside markdown fences first.
func ExtractJSON(text string) (string, error) {
	candidates := []string{cleanJSON(text)}
	if i := strings.Index(text, "```"); i >= 0 {
		body := text[i+3:]
		if nl := strings.Index(body, "\n"); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			candidates = append([]string{body[:end]}, candidates...)
		}
	}
	for _, c := range candidates {
		if obj, ok := firstObject(c); ok {
			return obj, nil
		}
	}
	return "", ErrNoJSON
}

// firstObject scans for a balanced object that gjson accepts.
func firstObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s[start:]); end > 0 {
			obj := s[start : start+end]
			if gjson.Valid(obj) {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the length of the brace-balanced prefix of s, which
// must start with '{'. Braces inside strings are ignored.
func matchBrace(s string) int {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
				return i + 1
			}
		}
	}
	return -1
}

// cleanJSON strips markdown fences and leading/trailing whitespace.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Truncate shortens s to n bytes for error messages.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
