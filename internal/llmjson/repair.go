package llmjson

import (
	"regexp"
	"strings"
)

var (
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
	repeatedCommas = regexp.MustCompile(`,(\s*,)+`)
	leadingComma   = regexp.MustCompile(`([{\[])\s*,`)
	bareIdent      = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_]*)\s*([,}\]])`)
)

// textualRepair fixes the character-level damage engines commonly inflict:
// literal newlines and tabs inside strings, control characters, stray
// commas. Structure is left alone.
func textualRepair(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\n' || c == '\t' || c == '\r':
			b.WriteByte(' ')
		case c < 0x20:
			// drop other control characters
		default:
			b.WriteByte(c)
		}
	}
	s = b.String()

	s = repeatedCommas.ReplaceAllString(s, ",")
	s = trailingComma.ReplaceAllString(s, "$1")
	s = leadingComma.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// structuralRepair closes unterminated strings, braces and brackets in a
// truncated document and nulls out bare identifier values. Last resort:
// the result is best-effort, not guaranteed valid.
func structuralRepair(s string) string {
	if s == "" {
		return s
	}

	s = bareIdent.ReplaceAllStringFunc(s, func(m string) string {
		sub := bareIdent.FindStringSubmatch(m)
		switch sub[1] {
		case "true", "false", "null":
			return m
		case "True":
			return ": true" + sub[2]
		case "False":
			return ": false" + sub[2]
		}
		return ": null" + sub[2]
	})

	// Track open delimiters in order.
	var stack []byte
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escape {
			escape = false
			continue
		}
		if c == '\\' && inString {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		s += `"`
	}

	// Close unclosed delimiters in reverse order, trimming the trailing
	// comma a truncated list usually ends on.
	for i := len(stack) - 1; i >= 0; i-- {
		s = strings.TrimRight(s, " \t\n\r,")
		s += string(stack[i])
	}
	return s
}
