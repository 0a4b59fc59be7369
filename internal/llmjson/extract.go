package llmjson

import "strings"

// ExtractSpan returns the first bracket-balanced JSON-looking span in text,
// honoring the wanted shape: for ShapeArray the scan starts at the first
// `[`, for ShapeObject at the first `{`, otherwise at whichever opener
// comes first. When the span never closes (truncated response) the tail
// from the opener is returned so the structural repair can close it.
// Returns "" when no opener exists.
func ExtractSpan(text string, shape Shape) string {
	var opener, closer byte
	switch shape {
	case ShapeArray:
		opener, closer = '[', ']'
	case ShapeObject:
		opener, closer = '{', '}'
	default:
		obj := strings.IndexByte(text, '{')
		arr := strings.IndexByte(text, '[')
		if obj < 0 && arr < 0 {
			return ""
		}
		if arr < 0 || (obj >= 0 && obj < arr) {
			opener, closer = '{', '}'
		} else {
			opener, closer = '[', ']'
		}
	}

	start := strings.IndexByte(text, opener)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
