package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ExtractJSON pulls a JSON object out of model output and unmarshals it
// into dst. Models wrap JSON in markdown fences, prepend prose, and leave
// raw newlines inside string values, so extraction tries, in order: a
// fenced code block, the first balanced object, and the whole text.
func ExtractJSON(text string, dst any) error {
	candidates := make([]string, 0, 3)
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if obj := firstBalancedObject(text); obj != "" {
		candidates = append(candidates, obj)
	}
	candidates = append(candidates, strings.TrimSpace(text))

	var lastErr error
	for _, candidate := range candidates {
		sanitized := sanitizeJSON(candidate)
		if err := json.Unmarshal([]byte(sanitized), dst); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("no parsable JSON object in model output: %w", lastErr)
}

// firstBalancedObject returns the first brace-balanced substring, tracking
// string literals so braces inside values don't miscount.
func firstBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
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
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON escapes raw control characters inside string literals.
// Models emit multi-line reasoning fields with literal newlines, which the
// JSON grammar forbids.
func sanitizeJSON(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}
		if escaped {
			escaped = false
			b.WriteByte(c)
			continue
		}
		switch c {
		case '\\':
			escaped = true
			b.WriteByte(c)
		case '"':
			inString = false
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
